package assignment

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/varmetrics/varmetrics/internal/warehouse"
)

const DefaultAssignedAtColumn = "timestamp_assigned"

// Table locates raw assignment rows. The table must expose user_id,
// variation_id, experiment_id, event_date and the assigned-at column.
type Table struct {
	Name       string
	AssignedAt string
}

func (t Table) assignedAt() string {
	if t.AssignedAt == "" {
		return DefaultAssignedAtColumn
	}
	return t.AssignedAt
}

func (t Table) Source() warehouse.Source {
	return warehouse.Source{
		Table:   t.Name,
		Columns: []string{"user_id", "variation_id", "experiment_id", "event_date", t.assignedAt()},
	}
}

func (t Table) validate() error {
	if err := warehouse.ValidateIdent(t.Name); err != nil {
		return err
	}
	return warehouse.ValidateIdent(t.assignedAt())
}

// CTE renders the policy as a subquery yielding one (user_id, variation_id)
// per user. With PerUserDay the rows are restricted to day; PerUser ranks the
// experiment's entire history. Arguments are bound on q in text order.
func (p Policy) CTE(q *warehouse.Query, t Table, experimentID string, day time.Time) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if err := t.validate(); err != nil {
		return "", err
	}

	partition := "user_id"
	where := "experiment_id = " + q.Arg(experimentID)
	if p.Scope == PerUserDay {
		if day.IsZero() {
			return "", fmt.Errorf("per-user-day dedup needs a day")
		}
		partition = "user_id, event_date"
		where += " AND event_date = " + q.Arg(day.Format("2006-01-02"))
	}

	return fmt.Sprintf(`SELECT user_id, variation_id FROM (
    SELECT user_id, variation_id,
           ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS rn
    FROM %s
    WHERE %s
  ) ranked WHERE rn = 1`, partition, p.orderBy(t.assignedAt()), t.Name, where), nil
}

// Load reads every raw assignment of an experiment.
func Load(ctx context.Context, db warehouse.Querier, t Table, experimentID string) ([]Record, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}

	q := warehouse.NewQuery(db.Dialect())
	query := fmt.Sprintf(
		"SELECT user_id, variation_id, event_date, %s FROM %s WHERE experiment_id = %s",
		t.assignedAt(), t.Name, q.Arg(experimentID))

	var records []Record
	err := db.QueryRows(ctx, query, q.Args(), func(rows *sql.Rows) error {
		var (
			r                     Record
			eventDate, assignedAt sql.NullString
		)
		if err := rows.Scan(&r.UserID, &r.VariationID, &eventDate, &assignedAt); err != nil {
			return err
		}
		var err error
		if r.EventDate, err = parseTimestamp(eventDate.String); err != nil {
			return fmt.Errorf("user %s: %w", r.UserID, err)
		}
		if assignedAt.Valid {
			if r.AssignedAt, err = parseTimestamp(assignedAt.String); err != nil {
				return fmt.Errorf("user %s: %w", r.UserID, err)
			}
		}
		records = append(records, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load assignments: %w", err)
	}
	return records, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	// epoch seconds
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
