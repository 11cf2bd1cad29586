package materialize

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/varmetrics/varmetrics/internal/report"
	"github.com/varmetrics/varmetrics/internal/warehouse"
)

var ErrPrepare = errors.New("failed to prepare destination table")

// Mode controls how Prepare resets a destination table.
type Mode string

const (
	DropRecreate   Mode = "drop-recreate"
	CreateTruncate Mode = "create-truncate"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case DropRecreate, CreateTruncate:
		return m, nil
	}
	return "", fmt.Errorf("unknown prepare mode %q", s)
}

const defaultBatchSize = 500

// Target is a destination table and the experiment stamped on its rows.
type Target struct {
	Table        string
	Schema       report.Schema
	ExperimentID string
	Tag          string
}

func (t Target) validate() error {
	if err := warehouse.ValidateIdent(t.Table); err != nil {
		return err
	}
	for _, c := range t.Schema.Columns() {
		if err := warehouse.ValidateIdent(c.Name); err != nil {
			return err
		}
	}
	return nil
}

type Materializer struct {
	w         *warehouse.Warehouse
	batchSize int
}

func New(w *warehouse.Warehouse) *Materializer {
	return &Materializer{w: w, batchSize: defaultBatchSize}
}

// Prepare resets the destination table once per run, before any Write.
func (m *Materializer) Prepare(ctx context.Context, t Target, mode Mode) error {
	if err := t.validate(); err != nil {
		return fmt.Errorf("%w %s: %v", ErrPrepare, t.Table, err)
	}

	d := m.w.Dialect()
	var stmts []string
	switch mode {
	case DropRecreate:
		stmts = []string{"DROP TABLE IF EXISTS " + t.Table, createTable(d, t.Table, t.Schema)}
	case CreateTruncate:
		stmts = []string{createTable(d, t.Table, t.Schema), d.Truncate(t.Table)}
	default:
		return fmt.Errorf("%w %s: unknown mode %q", ErrPrepare, t.Table, mode)
	}

	for _, stmt := range stmts {
		if _, err := m.w.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w %s: %v", ErrPrepare, t.Table, err)
		}
	}
	return nil
}

func createTable(d warehouse.Dialect, table string, s report.Schema) string {
	cols := s.Columns()
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = c.Name + " " + d.Type(c.Type)
	}

	key := make([]string, 0, 3)
	for _, c := range s.Key() {
		key = append(key, c.Name)
	}

	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", table, strings.Join(defs, ",\n  "))
	if opts := d.TableOptions(key); opts != "" {
		stmt += " " + opts
	}
	return stmt
}

// Write inserts one unit's rows in a single transaction. On error nothing
// from the unit remains.
func (m *Materializer) Write(ctx context.Context, t Target, rows []report.Row) (int, error) {
	if err := t.validate(); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	err := m.w.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return m.insert(ctx, tx, t, rows)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", t.Table, err)
	}
	return len(rows), nil
}

// ReplaceDay swaps the rows of one day for rows, atomically.
func (m *Materializer) ReplaceDay(ctx context.Context, t Target, day time.Time, rows []report.Row) (int, error) {
	if err := t.validate(); err != nil {
		return 0, err
	}

	err := m.w.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		q := m.w.NewQuery()
		stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", t.Table, report.ColEventDate, q.Arg(day.Format("2006-01-02")))
		if _, err := tx.ExecContext(ctx, stmt, q.Args()...); err != nil {
			return fmt.Errorf("failed to delete day: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		return m.insert(ctx, tx, t, rows)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to replace %s on %s: %w", t.Table, day.Format("2006-01-02"), err)
	}
	return len(rows), nil
}

func (m *Materializer) insert(ctx context.Context, tx *sql.Tx, t Target, rows []report.Row) error {
	names := t.Schema.ColumnNames()
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", t.Table, strings.Join(names, ", "))

	for start := 0; start < len(rows); start += m.batchSize {
		end := start + m.batchSize
		if end > len(rows) {
			end = len(rows)
		}

		q := m.w.NewQuery()
		tuples := make([]string, 0, end-start)
		for _, r := range rows[start:end] {
			tuples = append(tuples, "("+q.List(t.Schema.Args(r, t.ExperimentID, t.Tag)...)+")")
		}

		if _, err := tx.ExecContext(ctx, prefix+strings.Join(tuples, ", "), q.Args()...); err != nil {
			return fmt.Errorf("failed to insert rows: %w", err)
		}
	}
	return nil
}

// Count returns the number of rows in table.
func (m *Materializer) Count(ctx context.Context, table string) (int64, error) {
	if err := warehouse.ValidateIdent(table); err != nil {
		return 0, err
	}

	var n int64
	err := m.w.QueryRows(ctx, "SELECT COUNT(*) FROM "+table, nil, func(rows *sql.Rows) error {
		return rows.Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// CountByDate returns row counts keyed by YYYY-MM-DD.
func (m *Materializer) CountByDate(ctx context.Context, table string) (map[string]int64, error) {
	if err := warehouse.ValidateIdent(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %[1]s, COUNT(*) FROM %[2]s GROUP BY %[1]s", report.ColEventDate, table)
	counts := make(map[string]int64)
	err := m.w.QueryRows(ctx, query, nil, func(rows *sql.Rows) error {
		var raw any
		var n int64
		if err := rows.Scan(&raw, &n); err != nil {
			return err
		}
		counts[formatDate(raw)] = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count %s by date: %w", table, err)
	}
	return counts, nil
}

func (m *Materializer) Drop(ctx context.Context, table string) error {
	if err := warehouse.ValidateIdent(table); err != nil {
		return err
	}
	if _, err := m.w.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return fmt.Errorf("failed to drop %s: %w", table, err)
	}
	return nil
}

// Exists reports whether table can be read with the schema's columns.
func (m *Materializer) Exists(ctx context.Context, table string, s report.Schema) bool {
	return m.w.Probe(ctx, warehouse.Source{Table: table, Columns: s.ColumnNames()}) == nil
}

// Read returns up to limit rows ordered by key; limit <= 0 reads everything.
func (m *Materializer) Read(ctx context.Context, table string, s report.Schema, limit int) ([]report.Row, error) {
	if err := warehouse.ValidateIdent(table); err != nil {
		return nil, err
	}

	keys := make([]string, 0, 3)
	for _, c := range s.Key() {
		keys = append(keys, c.Name)
	}
	names := s.ColumnNames()
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(names, ", "), table, strings.Join(keys, ", "))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var out []report.Row
	err := m.w.QueryRows(ctx, query, nil, func(rows *sql.Rows) error {
		raw := make([]any, len(names))
		dest := make([]any, len(names))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return err
		}

		r := report.Row{Values: make(map[string]any, len(s.Values))}
		i := 0
		date, err := time.Parse("2006-01-02", formatDate(raw[i]))
		if err != nil {
			return fmt.Errorf("bad %s: %w", report.ColEventDate, err)
		}
		r.EventDate = date
		i++
		r.VariationID = fmt.Sprint(normalize(raw[i]))
		i++
		if s.Breakdown == report.BreakdownCountry {
			r.Country = fmt.Sprint(normalize(raw[i]))
			i++
		}
		for _, c := range s.Values {
			r.Values[c.Name] = normalize(raw[i])
			i++
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	return out, nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.Format("2006-01-02")
	}
	return v
}

func formatDate(v any) string {
	switch x := v.(type) {
	case time.Time:
		return x.Format("2006-01-02")
	case []byte:
		return firstTen(string(x))
	case string:
		return firstTen(x)
	}
	return fmt.Sprint(v)
}

func firstTen(s string) string {
	if len(s) > 10 {
		return s[:10]
	}
	return s
}
