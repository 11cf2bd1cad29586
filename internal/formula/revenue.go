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

// AdAttribution decides how the day's ad revenue reaches a variation.
type AdAttribution string

const (
	// AdPerUser credits each user's own impressions to their variation.
	AdPerUser AdAttribution = "per-user"
	// AdActiveShare splits the day's total ad revenue by share of active users.
	AdActiveShare AdAttribution = "active-share"
	AdNone        AdAttribution = "none"
)

func ParseAdAttribution(s string) (AdAttribution, error) {
	switch a := AdAttribution(s); a {
	case AdPerUser, AdActiveShare, AdNone:
		return a, nil
	}
	return "", fmt.Errorf("unknown ad attribution %q", s)
}

type Denominator string

const (
	ActiveUsers Denominator = "active-users"
	PayingUsers Denominator = "paying-users"
)

const (
	colActiveUsers  = "active_users"
	colPayingUsers  = "paying_users"
	colSubRevenue   = "total_subscribe_revenue"
	colOrderRevenue = "total_order_revenue"
	colAdRevenue    = "total_ad_revenue"
	colTotalRevenue = "total_revenue"
)

// Revenue is the ratio-of-sums family: revenue per active user (ARPU) or per
// paying user (ARPPU).
type Revenue struct {
	Metric      string
	RatioColumn string
	Denominator Denominator
	Ads         AdAttribution
	Precision   int32
	Settings
}

func (r *Revenue) Name() string                        { return r.Metric }
func (r *Revenue) Family() Family                      { return RatioOfSums }
func (r *Revenue) Dedup() assignment.Policy            { return r.Settings.Dedup }
func (r *Revenue) Trimming() experiment.TrimmingPolicy { return r.Settings.Trimming }

func (r *Revenue) Schema() report.Schema {
	return report.NewSchema(report.BreakdownNone,
		report.Int(colActiveUsers),
		report.Int(colPayingUsers),
		report.Float(colSubRevenue),
		report.Float(colOrderRevenue),
		report.Float(colAdRevenue),
		report.Float(colTotalRevenue),
		report.Float(r.RatioColumn),
	)
}

func (r *Revenue) Sources(t Tables) []warehouse.Source {
	srcs := []warehouse.Source{
		t.Assignment.Source(),
		{Table: t.Subscribe, Columns: []string{"user_id", "event_date", "revenue"}},
		{Table: t.CurrencyPurchase, Columns: []string{"user_id", "event_date", "revenue"}},
	}
	if r.activeFromSessions() {
		srcs = append(srcs, warehouse.Source{Table: t.Sessions, Columns: []string{"user_id", "event_date"}})
	}
	if r.Ads != AdNone {
		srcs = append(srcs, warehouse.Source{Table: t.AdsImpression, Columns: []string{"user_id", "event_date", "ad_revenue"}})
	}
	return srcs
}

// activeFromSessions reports whether active_users counts session users. Per
// paying user metrics report the day's payers as their active users.
func (r *Revenue) activeFromSessions() bool {
	return r.Denominator != PayingUsers
}

type revenueAgg struct {
	active, paying  int64
	sub, order, ads float64
}

func (r *Revenue) Compute(ctx context.Context, env Env, day time.Time) ([]report.Row, error) {
	t := env.Tables
	if err := validateTables(t.Subscribe, t.CurrencyPurchase); err != nil {
		return nil, err
	}
	if r.activeFromSessions() {
		if err := validateTables(t.Sessions); err != nil {
			return nil, err
		}
	}
	if r.Ads != AdNone {
		if err := validateTables(t.AdsImpression); err != nil {
			return nil, err
		}
	}

	aggs := make(map[string]*revenueAgg)
	get := func(v string) *revenueAgg {
		a, ok := aggs[v]
		if !ok {
			a = &revenueAgg{}
			aggs[v] = a
		}
		return a
	}

	if r.activeFromSessions() {
		if err := r.countActive(ctx, env, day, get); err != nil {
			return nil, err
		}
	}

	// Subscription and purchase revenue
	q := warehouse.NewQuery(env.DB.Dialect())
	with, err := exposure(q, env, r.Settings.Dedup, day)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`%s,
paid AS (
  SELECT user_id, SUM(sub_revenue) AS sub_revenue, SUM(order_revenue) AS order_revenue
  FROM (
    SELECT user_id, revenue AS sub_revenue, 0 AS order_revenue FROM %s WHERE event_date = %s
    UNION ALL
    SELECT user_id, 0 AS sub_revenue, revenue AS order_revenue FROM %s WHERE event_date = %s
  ) purchases
  GROUP BY user_id
)
SELECT e.variation_id, COUNT(DISTINCT p.user_id),
       COALESCE(SUM(p.sub_revenue), 0), COALESCE(SUM(p.order_revenue), 0)
FROM paid p
JOIN exposure e ON p.user_id = e.user_id
GROUP BY e.variation_id`,
		with, t.Subscribe, q.Arg(dateArg(day)), t.CurrencyPurchase, q.Arg(dateArg(day)))

	err = env.DB.QueryRows(ctx, query, q.Args(), func(rows *sql.Rows) error {
		var v string
		var paying int64
		var sub, order float64
		if err := rows.Scan(&v, &paying, &sub, &order); err != nil {
			return err
		}
		a := get(v)
		a.paying, a.sub, a.order = paying, sub, order
		if !r.activeFromSessions() {
			a.active = paying
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sum revenue: %w", err)
	}

	if err := r.attributeAds(ctx, env, day, aggs, get); err != nil {
		return nil, err
	}

	observed := make(map[string]bool, len(aggs))
	for v := range aggs {
		observed[v] = true
	}

	var out []report.Row
	for _, v := range variationSet(env, observed) {
		a := get(v)
		total := a.sub + a.order + a.ads
		den := float64(a.active)
		if r.Denominator == PayingUsers {
			den = float64(a.paying)
		}
		out = append(out, report.Row{
			EventDate:   day,
			VariationID: v,
			Values: map[string]any{
				colActiveUsers:  a.active,
				colPayingUsers:  a.paying,
				colSubRevenue:   round(a.sub, 4),
				colOrderRevenue: round(a.order, 4),
				colAdRevenue:    round(a.ads, 4),
				colTotalRevenue: round(total, 4),
				r.RatioColumn:   ratio(total, den, r.Precision, false),
			},
		})
	}
	return out, nil
}

func (r *Revenue) countActive(ctx context.Context, env Env, day time.Time, get func(string) *revenueAgg) error {
	q := warehouse.NewQuery(env.DB.Dialect())
	with, err := exposure(q, env, r.Settings.Dedup, day)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`%s
SELECT e.variation_id, COUNT(DISTINCT s.user_id)
FROM %s s
JOIN exposure e ON s.user_id = e.user_id
WHERE s.event_date = %s
GROUP BY e.variation_id`, with, env.Tables.Sessions, q.Arg(dateArg(day)))

	err = env.DB.QueryRows(ctx, query, q.Args(), func(rows *sql.Rows) error {
		var v string
		var n int64
		if err := rows.Scan(&v, &n); err != nil {
			return err
		}
		get(v).active = n
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to count active users: %w", err)
	}
	return nil
}

func (r *Revenue) attributeAds(ctx context.Context, env Env, day time.Time, aggs map[string]*revenueAgg, get func(string) *revenueAgg) error {
	t := env.Tables

	switch r.Ads {
	case AdNone:
		return nil

	case AdPerUser:
		q := warehouse.NewQuery(env.DB.Dialect())
		with, err := exposure(q, env, r.Settings.Dedup, day)
		if err != nil {
			return err
		}
		query := fmt.Sprintf(`%s
SELECT e.variation_id, COALESCE(SUM(a.ad_revenue), 0)
FROM %s a
JOIN exposure e ON a.user_id = e.user_id
WHERE a.event_date = %s
GROUP BY e.variation_id`, with, t.AdsImpression, q.Arg(dateArg(day)))

		err = env.DB.QueryRows(ctx, query, q.Args(), func(rows *sql.Rows) error {
			var v string
			var ads float64
			if err := rows.Scan(&v, &ads); err != nil {
				return err
			}
			get(v).ads = ads
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to sum ad revenue: %w", err)
		}
		return nil

	case AdActiveShare:
		q := warehouse.NewQuery(env.DB.Dialect())
		query := fmt.Sprintf("SELECT COALESCE(SUM(ad_revenue), 0) FROM %s WHERE event_date = %s",
			t.AdsImpression, q.Arg(dateArg(day)))

		var total float64
		err := env.DB.QueryRows(ctx, query, q.Args(), func(rows *sql.Rows) error {
			return rows.Scan(&total)
		})
		if err != nil {
			return fmt.Errorf("failed to sum daily ad revenue: %w", err)
		}

		active := make(map[string]int64, len(aggs))
		for v, a := range aggs {
			active[v] = a.active
		}
		for v, share := range apportion(total, active) {
			get(v).ads = share
		}
		return nil
	}

	return fmt.Errorf("unknown ad attribution %q", r.Ads)
}

// apportion splits total across keys in proportion to their weights. With no
// weight at all nothing is attributed.
func apportion(total float64, weights map[string]int64) map[string]float64 {
	var sum int64
	for _, w := range weights {
		sum += w
	}
	out := make(map[string]float64, len(weights))
	if sum == 0 {
		return out
	}
	for k, w := range weights {
		out[k] = total * float64(w) / float64(sum)
	}
	return out
}
