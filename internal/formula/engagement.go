package formula

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/varmetrics/varmetrics/internal/assignment"
	"github.com/varmetrics/varmetrics/internal/experiment"
	"github.com/varmetrics/varmetrics/internal/report"
	"github.com/varmetrics/varmetrics/internal/warehouse"
)

// EventTable selects which upstream event log an EventRatio counts.
type EventTable string

const (
	ChatSendEvents  EventTable = "chat_send"
	BotFollowEvents EventTable = "bot_follow"
)

// EventRatio is the ratio-of-counts family: distinct events per distinct
// acting user. An empty day reports a ratio of zero.
type EventRatio struct {
	Metric string
	// Prefix names the columns: total_<p>, unique_<p>_users and <p>_ratio.
	Prefix    string
	Events    EventTable
	Method    string
	Precision int32
	Settings
}

func (e *EventRatio) Name() string                        { return e.Metric }
func (e *EventRatio) Family() Family                      { return RatioOfCounts }
func (e *EventRatio) Dedup() assignment.Policy            { return e.Settings.Dedup }
func (e *EventRatio) Trimming() experiment.TrimmingPolicy { return e.Settings.Trimming }

func (e *EventRatio) totalCol() string { return "total_" + e.Prefix }
func (e *EventRatio) usersCol() string { return "unique_" + e.Prefix + "_users" }
func (e *EventRatio) ratioCol() string { return e.Prefix + "_ratio" }

func (e *EventRatio) Schema() report.Schema {
	return report.NewSchema(report.BreakdownNone,
		report.Int(e.totalCol()),
		report.Int(e.usersCol()),
		report.Float(e.ratioCol()),
	)
}

func (e *EventRatio) table(t Tables) string {
	if e.Events == BotFollowEvents {
		return t.BotFollow
	}
	return t.ChatSend
}

func (e *EventRatio) Sources(t Tables) []warehouse.Source {
	cols := []string{"event_id", "user_id", "event_date"}
	if e.Method != "" {
		cols = append(cols, t.method())
	}
	return []warehouse.Source{
		t.Assignment.Source(),
		{Table: e.table(t), Columns: cols},
	}
}

func (e *EventRatio) Compute(ctx context.Context, env Env, day time.Time) ([]report.Row, error) {
	table := e.table(env.Tables)
	if err := validateTables(table, env.Tables.method()); err != nil {
		return nil, err
	}

	q := warehouse.NewQuery(env.DB.Dialect())
	with, err := exposure(q, env, e.Settings.Dedup, day)
	if err != nil {
		return nil, err
	}

	where := "f.event_date = " + q.Arg(dateArg(day))
	if e.Method != "" {
		where += fmt.Sprintf(" AND f.%s = %s", env.Tables.method(), q.Arg(e.Method))
	}

	query := fmt.Sprintf(`%s
SELECT e.variation_id, COUNT(DISTINCT f.event_id), COUNT(DISTINCT f.user_id)
FROM %s f
JOIN exposure e ON f.user_id = e.user_id
WHERE %s
GROUP BY e.variation_id`, with, table, where)

	type counts struct{ events, users int64 }
	byVariation := make(map[string]counts)
	observed := make(map[string]bool)

	err = env.DB.QueryRows(ctx, query, q.Args(), func(rows *sql.Rows) error {
		var v string
		var c counts
		if err := rows.Scan(&v, &c.events, &c.users); err != nil {
			return err
		}
		byVariation[v] = c
		observed[v] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count %s events: %w", e.Prefix, err)
	}

	var out []report.Row
	for _, v := range variationSet(env, observed) {
		c := byVariation[v]
		out = append(out, report.Row{
			EventDate:   day,
			VariationID: v,
			Values: map[string]any{
				e.totalCol(): c.events,
				e.usersCol(): c.users,
				e.ratioCol(): ratio(float64(c.events), float64(c.users), e.Precision, true),
			},
		})
	}
	return out, nil
}
