package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/snowflakedb/gosnowflake"
	_ "modernc.org/sqlite"
)

const DefaultStatementTimeout = 30 * time.Second

var ErrMissingSource = errors.New("upstream source unavailable")

type Options struct {
	Dialect          string
	DSN              string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	StatementTimeout time.Duration
}

// Querier is the read side formulas depend on.
type Querier interface {
	Dialect() Dialect
	QueryRows(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error
}

// Warehouse wraps the SQL engine that holds both the upstream event tables and
// the report tables.
type Warehouse struct {
	db      *sql.DB
	dialect Dialect
	timeout time.Duration
}

// Source is an upstream table together with the columns a formula reads from it.
type Source struct {
	Table   string
	Columns []string
}

func Open(opts Options) (*Warehouse, error) {
	d, err := LookupDialect(opts.Dialect)
	if err != nil {
		return nil, err
	}
	if opts.DSN == "" {
		return nil, fmt.Errorf("warehouse dsn is empty")
	}

	db, err := sql.Open(d.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure pool
	if d.single {
		db.SetMaxOpenConns(1)
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if d.Name == "sqlite" && !strings.Contains(opts.DSN, ":memory:") {
		// Enable WAL mode
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s warehouse: %w", d.Name, err)
	}

	return New(db, d, opts.StatementTimeout), nil
}

// New wraps an existing handle. A zero timeout means DefaultStatementTimeout.
func New(db *sql.DB, d Dialect, timeout time.Duration) *Warehouse {
	if timeout <= 0 {
		timeout = DefaultStatementTimeout
	}
	return &Warehouse{db: db, dialect: d, timeout: timeout}
}

func (w *Warehouse) Close() error {
	return w.db.Close()
}

func (w *Warehouse) DB() *sql.DB {
	return w.db
}

func (w *Warehouse) Dialect() Dialect {
	return w.dialect
}

func (w *Warehouse) StatementTimeout() time.Duration {
	return w.timeout
}

func (w *Warehouse) NewQuery() *Query {
	return NewQuery(w.dialect)
}

// Exec runs a single statement under the statement timeout.
func (w *Warehouse) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.db.ExecContext(ctx, query, args...)
}

// QueryRows runs query under the statement timeout and calls scan once per row.
func (w *Warehouse) QueryRows(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// WithTx runs fn inside one transaction bounded by the statement timeout.
// Any error from fn rolls the transaction back.
func (w *Warehouse) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Probe checks that src exists with the expected columns without reading data.
func (w *Warehouse) Probe(ctx context.Context, src Source) error {
	if err := ValidateIdent(src.Table); err != nil {
		return fmt.Errorf("%w: %v", ErrMissingSource, err)
	}
	cols := src.Columns
	if len(cols) == 0 {
		cols = []string{"1"}
	}
	for _, c := range src.Columns {
		if err := ValidateIdent(c); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMissingSource, src.Table, err)
		}
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE 1 = 0", strings.Join(cols, ", "), src.Table)
	if err := w.QueryRows(ctx, query, nil, func(*sql.Rows) error { return nil }); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMissingSource, src.Table, err)
	}
	return nil
}

// Variations lists every variation assigned in an experiment, sorted.
func (w *Warehouse) Variations(ctx context.Context, assignmentTable, experimentID string) ([]string, error) {
	if err := ValidateIdent(assignmentTable); err != nil {
		return nil, err
	}

	q := w.NewQuery()
	query := fmt.Sprintf(
		"SELECT DISTINCT variation_id FROM %s WHERE experiment_id = %s ORDER BY variation_id",
		assignmentTable, q.Arg(experimentID))

	var variations []string
	err := w.QueryRows(ctx, query, q.Args(), func(rows *sql.Rows) error {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return err
		}
		if v.Valid && v.String != "" {
			variations = append(variations, v.String)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list variations: %w", err)
	}
	return variations, nil
}
