package materialize

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/varmetrics/varmetrics/internal/report"
	"github.com/varmetrics/varmetrics/internal/warehouse"
)

const LedgerTable = "tbl_report_runs"

var ErrNotFound = errors.New("not found")

type RunStatus string

const (
	StatusRunning    RunStatus = "running"
	StatusComplete   RunStatus = "complete"
	StatusPartial    RunStatus = "partial"
	StatusIncomplete RunStatus = "incomplete"
	StatusFailed     RunStatus = "failed"
	// StatusSkipped means the window was too short for the metric's trimming.
	StatusSkipped RunStatus = "skipped"
)

// Run is one job execution against one destination table.
type Run struct {
	ID           string
	Tag          string
	Metric       string
	Table        string
	ExperimentID string
	Status       RunStatus
	DaysTotal    int
	DaysFailed   int
	RowsWritten  int
	StartedAt    time.Time
	FinishedAt   time.Time
	Error        string
}

const timestampLayout = "2006-01-02T15:04:05.000000Z"

// The ledger is append-only: every status change is a new row and the most
// recent row of a run wins. Several engines cannot UPDATE analytic tables.
var ledgerSchema = []report.Column{
	report.String("run_id"),
	report.String("experiment_tag"),
	report.String("metric"),
	report.String("table_name"),
	report.String("experiment_id"),
	report.String("status"),
	report.Int("days_total"),
	report.Int("days_failed"),
	report.Int("rows_written"),
	report.String("started_at"),
	report.String("finished_at"),
	report.String("recorded_at"),
	report.String("error_message"),
}

type Ledger struct {
	w   *warehouse.Warehouse
	now func() time.Time
}

func NewLedger(w *warehouse.Warehouse) *Ledger {
	return &Ledger{w: w, now: time.Now}
}

// Ensure creates the ledger table when missing.
func (l *Ledger) Ensure(ctx context.Context) error {
	d := l.w.Dialect()
	defs := make([]string, len(ledgerSchema))
	for i, c := range ledgerSchema {
		defs[i] = c.Name + " " + d.Type(c.Type)
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", LedgerTable, strings.Join(defs, ",\n  "))
	if opts := d.TableOptions([]string{"run_id"}); opts != "" {
		stmt += " " + opts
	}

	if _, err := l.w.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create run ledger: %w", err)
	}
	return nil
}

// Record appends the current state of run.
func (l *Ledger) Record(ctx context.Context, run *Run) error {
	names := make([]string, len(ledgerSchema))
	for i, c := range ledgerSchema {
		names[i] = c.Name
	}

	errMsg := run.Error
	if len(errMsg) > 255 {
		errMsg = errMsg[:255]
	}

	q := l.w.NewQuery()
	values := q.List(
		run.ID, run.Tag, run.Metric, run.Table, run.ExperimentID, string(run.Status),
		int64(run.DaysTotal), int64(run.DaysFailed), int64(run.RowsWritten),
		formatTime(run.StartedAt), formatTime(run.FinishedAt), formatTime(l.now()), errMsg,
	)
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", LedgerTable, strings.Join(names, ", "), values)

	if _, err := l.w.Exec(ctx, stmt, q.Args()...); err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

// List returns the latest state of each run, newest first. An empty tag lists all tags.
func (l *Ledger) List(ctx context.Context, tag string, limit int) ([]Run, error) {
	q := l.w.NewQuery()
	query := fmt.Sprintf(`SELECT run_id, experiment_tag, metric, table_name, experiment_id, status,
       days_total, days_failed, rows_written, started_at, finished_at, recorded_at, error_message
FROM %s`, LedgerTable)
	if tag != "" {
		query += " WHERE experiment_tag = " + q.Arg(tag)
	}

	latest := make(map[string]Run)
	recorded := make(map[string]string)
	err := l.w.QueryRows(ctx, query, q.Args(), func(rows *sql.Rows) error {
		var (
			r                               Run
			status                          string
			total, failed, written          int64
			started, finished, at, errorMsg sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Tag, &r.Metric, &r.Table, &r.ExperimentID, &status,
			&total, &failed, &written, &started, &finished, &at, &errorMsg); err != nil {
			return err
		}
		if prev, ok := recorded[r.ID]; ok && prev > at.String {
			return nil
		}
		r.Status = RunStatus(status)
		r.DaysTotal, r.DaysFailed, r.RowsWritten = int(total), int(failed), int(written)
		r.StartedAt = parseTime(started.String)
		r.FinishedAt = parseTime(finished.String)
		r.Error = errorMsg.String
		latest[r.ID] = r
		recorded[r.ID] = at.String
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]Run, 0, len(latest))
	for _, r := range latest {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Latest returns the most recent run of metric for tag.
func (l *Ledger) Latest(ctx context.Context, tag, metric string) (*Run, error) {
	runs, err := l.List(ctx, tag, 0)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if r.Metric == metric {
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
