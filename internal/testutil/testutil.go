package testutil

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/varmetrics/varmetrics/internal/warehouse"
)

// upstreamSchema mirrors the event tables the formulas read, with the short
// names used by Tables.
const upstreamSchema = `
CREATE TABLE assignment (
    user_id TEXT NOT NULL,
    variation_id TEXT NOT NULL,
    experiment_id TEXT NOT NULL,
    event_date TEXT NOT NULL,
    timestamp_assigned TEXT
);

CREATE TABLE first_visit (
    user_id TEXT NOT NULL,
    first_visit_date TEXT NOT NULL
);

CREATE TABLE geo (
    user_id TEXT NOT NULL,
    event_date TEXT NOT NULL,
    country TEXT
);

CREATE TABLE sessions (
    user_id TEXT NOT NULL,
    event_date TEXT NOT NULL
);

CREATE TABLE subscribe (
    user_id TEXT NOT NULL,
    event_date TEXT NOT NULL,
    revenue REAL NOT NULL
);

CREATE TABLE currency_purchase (
    user_id TEXT NOT NULL,
    event_date TEXT NOT NULL,
    revenue REAL NOT NULL
);

CREATE TABLE all_purchase (
    user_id TEXT NOT NULL,
    event_date TEXT NOT NULL,
    type TEXT NOT NULL,
    revenue REAL NOT NULL
);

CREATE TABLE ads_impression (
    user_id TEXT NOT NULL,
    event_date TEXT NOT NULL,
    ad_revenue REAL NOT NULL
);

CREATE TABLE chat_send (
    event_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    event_date TEXT NOT NULL,
    method TEXT,
    prompt_id TEXT
);

CREATE TABLE bot_follow (
    event_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    event_date TEXT NOT NULL
);
`

// SetupWarehouse creates a sqlite warehouse with empty upstream tables.
// Uses t.TempDir() for automatic cleanup on test completion.
func SetupWarehouse(t *testing.T) *warehouse.Warehouse {
	t.Helper()
	return SetupWarehouseAt(t, filepath.Join(t.TempDir(), "test.db"))
}

// SetupWarehouseAt is SetupWarehouse at a known path, for tests that open the
// same database again through a DSN.
func SetupWarehouseAt(t *testing.T, dbPath string) *warehouse.Warehouse {
	t.Helper()

	w, err := warehouse.Open(warehouse.Options{Dialect: "sqlite", DSN: dbPath})
	if err != nil {
		t.Fatalf("failed to open warehouse: %v", err)
	}

	t.Cleanup(func() {
		w.Close()
	})

	if _, err := w.DB().Exec(upstreamSchema); err != nil {
		t.Fatalf("failed to create upstream tables: %v", err)
	}

	return w
}

// Insert adds rows to an upstream table. Each row lists values in the
// table's column order.
func Insert(t *testing.T, w *warehouse.Warehouse, table string, rows ...[]any) {
	t.Helper()

	for _, row := range rows {
		ph := strings.TrimSuffix(strings.Repeat("?, ", len(row)), ", ")
		query := "INSERT INTO " + table + " VALUES (" + ph + ")"
		if _, err := w.Exec(context.Background(), query, row...); err != nil {
			t.Fatalf("failed to insert into %s: %v", table, err)
		}
	}
}

// Assign records one assignment row for exp.
func Assign(t *testing.T, w *warehouse.Warehouse, exp, user, variation, date, assignedAt string) {
	t.Helper()
	Insert(t, w, "assignment", []any{user, variation, exp, date, assignedAt})
}
