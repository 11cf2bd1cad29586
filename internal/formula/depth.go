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

// ChatDepth is the depth family: chat sends per bot, per user and per
// user-bot pair, overall and for users whose first visit is that day.
type ChatDepth struct {
	Metric          string
	ExcludedMethods []string
	Settings
}

func (c *ChatDepth) Name() string                        { return c.Metric }
func (c *ChatDepth) Family() Family                      { return Depth }
func (c *ChatDepth) Dedup() assignment.Policy            { return c.Settings.Dedup }
func (c *ChatDepth) Trimming() experiment.TrimmingPolicy { return c.Settings.Trimming }

type depthCounts struct {
	chats, users, bots int64
}

func (d depthCounts) values(suffix string) map[string]any {
	return map[string]any{
		"chats" + suffix:               d.chats,
		"chat_users" + suffix:          d.users,
		"chat_bots" + suffix:           d.bots,
		"chat_depth_bot" + suffix:      ratio(float64(d.chats), float64(d.bots), 2, false),
		"chat_depth_user" + suffix:     ratio(float64(d.chats), float64(d.users), 2, false),
		"chat_depth_user_bot" + suffix: ratio(float64(d.chats), float64(d.users*d.bots), 4, false),
	}
}

func depthColumns(suffix string) []report.Column {
	return []report.Column{
		report.Int("chats" + suffix),
		report.Int("chat_users" + suffix),
		report.Int("chat_bots" + suffix),
		report.Float("chat_depth_bot" + suffix),
		report.Float("chat_depth_user" + suffix),
		report.Float("chat_depth_user_bot" + suffix),
	}
}

func (c *ChatDepth) Schema() report.Schema {
	cols := depthColumns("")
	cols = append(cols, depthColumns("_new")...)
	return report.NewSchema(report.BreakdownNone, cols...)
}

func (c *ChatDepth) Sources(t Tables) []warehouse.Source {
	return []warehouse.Source{
		t.Assignment.Source(),
		{Table: t.FirstVisit, Columns: []string{"user_id", "first_visit_date"}},
		{Table: t.ChatSend, Columns: []string{"event_id", "user_id", "event_date", "prompt_id", t.method()}},
	}
}

func (c *ChatDepth) Compute(ctx context.Context, env Env, day time.Time) ([]report.Row, error) {
	t := env.Tables
	if err := validateTables(t.FirstVisit, t.ChatSend, t.method()); err != nil {
		return nil, err
	}

	d := env.DB.Dialect()
	q := warehouse.NewQuery(d)
	with, err := exposure(q, env, c.Settings.Dedup, day)
	if err != nil {
		return nil, err
	}

	newcomers := fmt.Sprintf("newcomers AS (\n  SELECT DISTINCT user_id FROM %s WHERE %s = %s\n)",
		t.FirstVisit, d.DateOf("first_visit_date"), q.Arg(dateArg(day)))

	where := "c.event_date = " + q.Arg(dateArg(day))
	if len(c.ExcludedMethods) > 0 {
		excluded := make([]any, len(c.ExcludedMethods))
		for i, m := range c.ExcludedMethods {
			excluded[i] = m
		}
		where += fmt.Sprintf(" AND c.%s NOT IN (%s)", t.method(), q.List(excluded...))
	}

	query := fmt.Sprintf(`%s,
%s,
chats AS (
  SELECT c.event_id, c.user_id, c.prompt_id, e.variation_id,
         CASE WHEN n.user_id IS NULL THEN 0 ELSE 1 END AS is_new
  FROM %s c
  JOIN exposure e ON c.user_id = e.user_id
  LEFT JOIN newcomers n ON n.user_id = c.user_id
  WHERE %s
)
SELECT variation_id,
       COUNT(DISTINCT event_id), COUNT(DISTINCT user_id), COUNT(DISTINCT prompt_id),
       COUNT(DISTINCT CASE WHEN is_new = 1 THEN event_id END),
       COUNT(DISTINCT CASE WHEN is_new = 1 THEN user_id END),
       COUNT(DISTINCT CASE WHEN is_new = 1 THEN prompt_id END)
FROM chats
GROUP BY variation_id`, with, newcomers, t.ChatSend, where)

	all := make(map[string]depthCounts)
	fresh := make(map[string]depthCounts)
	observed := make(map[string]bool)

	err = env.DB.QueryRows(ctx, query, q.Args(), func(rows *sql.Rows) error {
		var v string
		var a, n depthCounts
		if err := rows.Scan(&v, &a.chats, &a.users, &a.bots, &n.chats, &n.users, &n.bots); err != nil {
			return err
		}
		all[v], fresh[v] = a, n
		observed[v] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to measure chat depth: %w", err)
	}

	var out []report.Row
	for _, v := range variationSet(env, observed) {
		values := all[v].values("")
		for k, val := range fresh[v].values("_new") {
			values[k] = val
		}
		out = append(out, report.Row{EventDate: day, VariationID: v, Values: values})
	}
	return out, nil
}
