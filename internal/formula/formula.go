// Package formula defines the metric families computed for each experiment day.
//
// A formula only decides which upstream facts join the deduplicated
// assignment and how they aggregate. Window resolution, day iteration and
// table writes are handled by the pipeline for every formula alike.
package formula

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/varmetrics/varmetrics/internal/assignment"
	"github.com/varmetrics/varmetrics/internal/experiment"
	"github.com/varmetrics/varmetrics/internal/report"
	"github.com/varmetrics/varmetrics/internal/warehouse"
)

type Family string

const (
	RatioOfSums      Family = "ratio-of-sums"
	RatioOfCounts    Family = "ratio-of-counts"
	CohortConversion Family = "cohort-conversion"
	Depth            Family = "depth"
)

// Tables names the upstream event tables.
type Tables struct {
	Assignment       assignment.Table
	FirstVisit       string
	Geo              string
	Sessions         string
	Subscribe        string
	CurrencyPurchase string
	AllPurchase      string
	AdsImpression    string
	ChatSend         string
	BotFollow        string
	// MethodColumn holds the chat send method, e.g. continue or regen.
	MethodColumn string
}

// DefaultTables are the production upstream locations.
func DefaultTables() Tables {
	return Tables{
		Assignment: assignment.Table{
			Name:       "flow_wide_info.tbl_wide_experiment_assignment_hi",
			AssignedAt: assignment.DefaultAssignedAtColumn,
		},
		FirstVisit:       "flow_wide_info.tbl_wide_user_first_visit_app_info",
		Geo:              "flow_event_info.tbl_wide_user_active_geo_daily",
		Sessions:         "flow_event_info.tbl_app_session_info",
		Subscribe:        "flow_event_info.tbl_app_event_subscribe",
		CurrencyPurchase: "flow_event_info.tbl_app_event_currency_purchase",
		AllPurchase:      "flow_event_info.tbl_app_event_all_purchase",
		AdsImpression:    "flow_event_info.tbl_app_event_ads_impression",
		ChatSend:         "flow_event_info.tbl_app_event_chat_send",
		BotFollow:        "flow_event_info.tbl_app_event_bot_follow",
		MethodColumn:     "method",
	}
}

func (t Tables) method() string {
	if t.MethodColumn == "" {
		return "method"
	}
	return t.MethodColumn
}

// Env is everything a formula needs to compute one day.
type Env struct {
	DB           warehouse.Querier
	Tables       Tables
	ExperimentID string
	// Variations lists every variation of the experiment, used to emit rows
	// for variations with no activity on a day.
	Variations []string
}

type Formula interface {
	Name() string
	Family() Family
	Schema() report.Schema
	Dedup() assignment.Policy
	Trimming() experiment.TrimmingPolicy
	Sources(t Tables) []warehouse.Source
	Compute(ctx context.Context, env Env, day time.Time) ([]report.Row, error)
}

// Settings are the knobs shared by every formula.
type Settings struct {
	Dedup    assignment.Policy
	Trimming experiment.TrimmingPolicy
}

func (s Settings) validate() error {
	if err := s.Dedup.Validate(); err != nil {
		return err
	}
	_, err := experiment.ParseTrimmingPolicy(string(s.Trimming))
	return err
}

// ratio divides and rounds half away from zero. An empty denominator yields
// NULL, or 0 when zeroOnEmpty is set.
func ratio(num, den float64, precision int32, zeroOnEmpty bool) sql.NullFloat64 {
	if den == 0 {
		if zeroOnEmpty {
			return sql.NullFloat64{Float64: 0, Valid: true}
		}
		return sql.NullFloat64{}
	}
	v, _ := decimal.NewFromFloat(num).
		Div(decimal.NewFromFloat(den)).
		Round(precision).
		Float64()
	return sql.NullFloat64{Float64: v, Valid: true}
}

func round(v float64, precision int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(precision).Float64()
	return f
}

func dateArg(day time.Time) string {
	return day.Format(experiment.DateLayout)
}

// exposure renders the deduplicated assignment for day as a WITH clause.
func exposure(q *warehouse.Query, env Env, p assignment.Policy, day time.Time) (string, error) {
	cte, err := p.CTE(q, env.Tables.Assignment, env.ExperimentID, day)
	if err != nil {
		return "", fmt.Errorf("failed to render assignment dedup: %w", err)
	}
	return "WITH exposure AS (\n  " + cte + "\n)", nil
}

func validateTables(names ...string) error {
	for _, n := range names {
		if err := warehouse.ValidateIdent(n); err != nil {
			return err
		}
	}
	return nil
}

// variationSet returns the experiment variations plus any extra observed ones, in order.
func variationSet(env Env, observed map[string]bool) []string {
	seen := make(map[string]bool, len(env.Variations))
	out := make([]string, 0, len(env.Variations))
	for _, v := range env.Variations {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	var extra []string
	for v := range observed {
		if !seen[v] {
			extra = append(extra, v)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
