package formula

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/varmetrics/varmetrics/internal/assignment"
	"github.com/varmetrics/varmetrics/internal/experiment"
	"github.com/varmetrics/varmetrics/internal/report"
	"github.com/varmetrics/varmetrics/internal/warehouse"
)

// Measure is what a cohort accumulates inside its look-forward windows.
type Measure string

const (
	// PayerRate counts cohort users with any qualifying purchase.
	PayerRate Measure = "payer-rate"
	// OrderValue sums subscription revenue and orders for the average order value.
	OrderValue Measure = "order-value"
)

const (
	colNewUsers    = "new_users"
	unknownCountry = "unknown"
)

// Cohort is the cohort-conversion family. The cohort of a day is the users
// whose first visit falls on it, attributed by their assignment that day.
// Purchases count when they fall in [day, day+N] for each look-forward N.
type Cohort struct {
	Metric        string
	Measure       Measure
	Breakdown     report.Breakdown
	LookForward   []int
	PurchaseTypes []string
	Precision     int32
	Settings
}

func (c *Cohort) Name() string                        { return c.Metric }
func (c *Cohort) Family() Family                      { return CohortConversion }
func (c *Cohort) Dedup() assignment.Policy            { return c.Settings.Dedup }
func (c *Cohort) Trimming() experiment.TrimmingPolicy { return c.Settings.Trimming }

func (c *Cohort) windows() []int {
	w := append([]int(nil), c.LookForward...)
	sort.Ints(w)
	return w
}

func (c *Cohort) Schema() report.Schema {
	cols := []report.Column{report.Int(colNewUsers)}
	for _, n := range c.windows() {
		switch c.Measure {
		case PayerRate:
			cols = append(cols,
				report.Int(fmt.Sprintf("pay_user_day%d", n)),
				report.Float(fmt.Sprintf("pay_rate_day%d", n)))
		case OrderValue:
			cols = append(cols,
				report.Float(fmt.Sprintf("subscribe_revenue_day%d", n)),
				report.Int(fmt.Sprintf("subscribe_orders_day%d", n)),
				report.Float(fmt.Sprintf("aov_day%d", n)))
		}
	}
	return report.NewSchema(c.Breakdown, cols...)
}

func (c *Cohort) facts(t Tables) string {
	if c.Measure == OrderValue {
		return t.Subscribe
	}
	return t.AllPurchase
}

func (c *Cohort) Sources(t Tables) []warehouse.Source {
	srcs := []warehouse.Source{
		t.Assignment.Source(),
		{Table: t.FirstVisit, Columns: []string{"user_id", "first_visit_date"}},
	}
	if c.Breakdown == report.BreakdownCountry {
		srcs = append(srcs, warehouse.Source{Table: t.Geo, Columns: []string{"user_id", "event_date", "country"}})
	}
	switch c.Measure {
	case PayerRate:
		srcs = append(srcs, warehouse.Source{Table: t.AllPurchase, Columns: []string{"user_id", "event_date", "type"}})
	case OrderValue:
		srcs = append(srcs, warehouse.Source{Table: t.Subscribe, Columns: []string{"user_id", "event_date", "revenue"}})
	}
	return srcs
}

type cohortKey struct {
	variation, country string
}

type cohortAgg struct {
	newUsers int64
	payers   []int64
	revenue  []float64
	orders   []int64
}

func (c *Cohort) Compute(ctx context.Context, env Env, day time.Time) ([]report.Row, error) {
	t := env.Tables
	facts := c.facts(t)
	if err := validateTables(t.FirstVisit, facts); err != nil {
		return nil, err
	}
	byCountry := c.Breakdown == report.BreakdownCountry
	if byCountry {
		if err := validateTables(t.Geo); err != nil {
			return nil, err
		}
	}
	windows := c.windows()
	if len(windows) == 0 {
		return nil, fmt.Errorf("%s: no look-forward windows", c.Metric)
	}
	if c.Measure == PayerRate && len(c.PurchaseTypes) == 0 {
		return nil, fmt.Errorf("%s: no purchase types", c.Metric)
	}

	d := env.DB.Dialect()
	q := warehouse.NewQuery(d)
	with, err := exposure(q, env, c.Settings.Dedup, day)
	if err != nil {
		return nil, err
	}

	// Cohort
	country, geoJoin, groupBy := "", "", "c.variation_id"
	if byCountry {
		country = fmt.Sprintf(", COALESCE(g.country, '%s') AS country", unknownCountry)
		geoJoin = fmt.Sprintf("\n  LEFT JOIN %s g ON g.user_id = f.user_id AND g.event_date = %s", t.Geo, q.Arg(dateArg(day)))
		groupBy += ", c.country"
	}
	cohort := fmt.Sprintf(`cohort AS (
  SELECT DISTINCT f.user_id, e.variation_id%s
  FROM %s f
  JOIN exposure e ON f.user_id = e.user_id%s
  WHERE %s = %s
)`, country, t.FirstVisit, geoJoin, d.DateOf("f.first_visit_date"), q.Arg(dateArg(day)))

	// Windowed aggregates
	selects := []string{"c.variation_id"}
	if byCountry {
		selects = append(selects, "c.country")
	}
	selects = append(selects, "COUNT(DISTINCT c.user_id)")
	for _, n := range windows {
		end := dateArg(day.AddDate(0, 0, n))
		switch c.Measure {
		case PayerRate:
			selects = append(selects,
				fmt.Sprintf("COUNT(DISTINCT CASE WHEN p.event_date <= %s THEN p.user_id END)", q.Arg(end)))
		case OrderValue:
			selects = append(selects,
				fmt.Sprintf("COALESCE(SUM(CASE WHEN p.event_date <= %s THEN p.revenue END), 0)", q.Arg(end)),
				fmt.Sprintf("COUNT(CASE WHEN p.event_date <= %s THEN 1 END)", q.Arg(end)))
		default:
			return nil, fmt.Errorf("%s: unknown measure %q", c.Metric, c.Measure)
		}
	}

	on := "p.user_id = c.user_id"
	if c.Measure == PayerRate {
		types := make([]any, len(c.PurchaseTypes))
		for i, pt := range c.PurchaseTypes {
			types[i] = pt
		}
		on += " AND p.type IN (" + q.List(types...) + ")"
	}
	last := dateArg(day.AddDate(0, 0, windows[len(windows)-1]))
	on += fmt.Sprintf(" AND p.event_date >= %s AND p.event_date <= %s", q.Arg(dateArg(day)), q.Arg(last))

	query := fmt.Sprintf(`%s,
%s
SELECT %s
FROM cohort c
LEFT JOIN %s p ON %s
GROUP BY %s`, with, cohort, strings.Join(selects, ", "), facts, on, groupBy)

	aggs := make(map[cohortKey]*cohortAgg)
	observed := make(map[string]bool)

	err = env.DB.QueryRows(ctx, query, q.Args(), func(rows *sql.Rows) error {
		var k cohortKey
		a := &cohortAgg{
			payers:  make([]int64, len(windows)),
			revenue: make([]float64, len(windows)),
			orders:  make([]int64, len(windows)),
		}
		dest := []any{&k.variation}
		if byCountry {
			dest = append(dest, &k.country)
		}
		dest = append(dest, &a.newUsers)
		for i := range windows {
			switch c.Measure {
			case PayerRate:
				dest = append(dest, &a.payers[i])
			case OrderValue:
				dest = append(dest, &a.revenue[i], &a.orders[i])
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		aggs[k] = a
		observed[k.variation] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate %s cohort: %w", c.Metric, err)
	}

	var keys []cohortKey
	if byCountry {
		// country rows exist only where the cohort has users
		for k := range aggs {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].variation != keys[j].variation {
				return keys[i].variation < keys[j].variation
			}
			return keys[i].country < keys[j].country
		})
	} else {
		for _, v := range variationSet(env, observed) {
			keys = append(keys, cohortKey{variation: v})
		}
	}

	out := make([]report.Row, 0, len(keys))
	for _, k := range keys {
		a, ok := aggs[k]
		if !ok {
			a = &cohortAgg{
				payers:  make([]int64, len(windows)),
				revenue: make([]float64, len(windows)),
				orders:  make([]int64, len(windows)),
			}
		}
		values := map[string]any{colNewUsers: a.newUsers}
		for i, n := range windows {
			switch c.Measure {
			case PayerRate:
				values[fmt.Sprintf("pay_user_day%d", n)] = a.payers[i]
				values[fmt.Sprintf("pay_rate_day%d", n)] = ratio(float64(a.payers[i]), float64(a.newUsers), c.Precision, false)
			case OrderValue:
				values[fmt.Sprintf("subscribe_revenue_day%d", n)] = round(a.revenue[i], 2)
				values[fmt.Sprintf("subscribe_orders_day%d", n)] = a.orders[i]
				values[fmt.Sprintf("aov_day%d", n)] = ratio(a.revenue[i], float64(a.orders[i]), c.Precision, false)
			}
		}
		out = append(out, report.Row{
			EventDate:   day,
			VariationID: k.variation,
			Country:     k.country,
			Values:      values,
		})
	}
	return out, nil
}
