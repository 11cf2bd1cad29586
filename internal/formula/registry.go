package formula

import (
	"errors"
	"fmt"
	"sort"

	"github.com/varmetrics/varmetrics/internal/assignment"
	"github.com/varmetrics/varmetrics/internal/experiment"
	"github.com/varmetrics/varmetrics/internal/report"
)

var ErrUnknownMetric = errors.New("unknown metric")

const (
	SuiteBusiness   = "business"
	SuiteEngagement = "engagement"
	SuiteAll        = "all"
)

var suites = map[string][]string{
	SuiteBusiness:   {"arpu", "arpu_ad_share", "arppu", "payment_rate_new", "subscribe_new"},
	SuiteEngagement: {"continue", "regen", "edit", "follow", "chat_depth"},
}

// Override adjusts a built-in formula. Empty fields keep the default.
type Override struct {
	Trimming      string
	Scope         string
	Ordering      string
	AdAttribution string
}

func builtins() []Formula {
	perUserDayLatest := assignment.Policy{Scope: assignment.PerUserDay, Ordering: assignment.LatestEventDate}
	perUserLatest := assignment.Policy{Scope: assignment.PerUser, Ordering: assignment.LatestEventDate}
	perUserDayFirst := assignment.Policy{Scope: assignment.PerUserDay, Ordering: assignment.FirstAssigned}

	// metric name to the chat_send method value it counts
	chatMethod := func(name, method string) *EventRatio {
		return &EventRatio{
			Metric:    name,
			Prefix:    name,
			Events:    ChatSendEvents,
			Method:    method,
			Precision: 4,
			Settings:  Settings{Dedup: perUserDayFirst, Trimming: experiment.TrimInteriorLoop},
		}
	}

	return []Formula{
		&Revenue{
			Metric:      "arpu",
			RatioColumn: "arpu",
			Denominator: ActiveUsers,
			Ads:         AdPerUser,
			Precision:   4,
			Settings:    Settings{Dedup: perUserDayLatest, Trimming: experiment.TrimBothEnds},
		},
		&Revenue{
			Metric:      "arpu_ad_share",
			RatioColumn: "arpu",
			Denominator: ActiveUsers,
			Ads:         AdActiveShare,
			Precision:   4,
			Settings:    Settings{Dedup: perUserDayLatest, Trimming: experiment.TrimBothEnds},
		},
		&Revenue{
			Metric:      "arppu",
			RatioColumn: "arppu",
			Denominator: PayingUsers,
			Ads:         AdPerUser,
			Precision:   4,
			Settings:    Settings{Dedup: perUserLatest, Trimming: experiment.TrimBothEnds},
		},
		&Cohort{
			Metric:        "payment_rate_new",
			Measure:       PayerRate,
			Breakdown:     report.BreakdownCountry,
			LookForward:   []int{1, 3},
			PurchaseTypes: []string{"subscription", "currency"},
			Precision:     4,
			Settings:      Settings{Dedup: perUserDayLatest, Trimming: experiment.TrimNone},
		},
		&Cohort{
			Metric:      "subscribe_new",
			Measure:     OrderValue,
			Breakdown:   report.BreakdownNone,
			LookForward: []int{1, 3},
			Precision:   2,
			Settings:    Settings{Dedup: perUserDayLatest, Trimming: experiment.TrimNone},
		},
		chatMethod("continue", "continue"),
		chatMethod("regen", "regenerate"),
		chatMethod("edit", "edit"),
		&EventRatio{
			Metric:    "follow",
			Prefix:    "follow",
			Events:    BotFollowEvents,
			Precision: 4,
			Settings:  Settings{Dedup: perUserLatest, Trimming: experiment.TrimInteriorLoop},
		},
		&ChatDepth{
			Metric:          "chat_depth",
			ExcludedMethods: []string{"generate"},
			Settings: Settings{
				Dedup:    assignment.Policy{Scope: assignment.PerUserDay, Ordering: assignment.LowestVariation},
				Trimming: experiment.TrimInteriorLoop,
			},
		},
	}
}

// Registry holds the configured formulas by name.
type Registry struct {
	byName map[string]Formula
	order  []string
}

// NewRegistry builds the built-in formulas with overrides applied.
func NewRegistry(overrides map[string]Override) (*Registry, error) {
	r := &Registry{byName: make(map[string]Formula)}
	for _, f := range builtins() {
		r.byName[f.Name()] = f
		r.order = append(r.order, f.Name())
	}

	for name, o := range overrides {
		f, ok := r.byName[name]
		if !ok {
			return nil, fmt.Errorf("override for %q: %w", name, ErrUnknownMetric)
		}
		if err := apply(f, o); err != nil {
			return nil, fmt.Errorf("override for %q: %w", name, err)
		}
	}
	return r, nil
}

func settingsOf(f Formula) *Settings {
	switch v := f.(type) {
	case *Revenue:
		return &v.Settings
	case *EventRatio:
		return &v.Settings
	case *Cohort:
		return &v.Settings
	case *ChatDepth:
		return &v.Settings
	}
	return nil
}

func apply(f Formula, o Override) error {
	s := settingsOf(f)
	if s == nil {
		return fmt.Errorf("formula %s cannot be configured", f.Name())
	}
	next := *s

	if o.Trimming != "" {
		p, err := experiment.ParseTrimmingPolicy(o.Trimming)
		if err != nil {
			return err
		}
		next.Trimming = p
	}
	if o.Scope != "" {
		next.Dedup.Scope = assignment.Scope(o.Scope)
	}
	if o.Ordering != "" {
		ord, err := assignment.ParseOrdering(o.Ordering)
		if err != nil {
			return err
		}
		next.Dedup.Ordering = ord
	}
	if err := next.validate(); err != nil {
		return err
	}

	if o.AdAttribution != "" {
		rev, ok := f.(*Revenue)
		if !ok {
			return fmt.Errorf("ad attribution only applies to revenue metrics")
		}
		a, err := ParseAdAttribution(o.AdAttribution)
		if err != nil {
			return err
		}
		rev.Ads = a
	}

	*s = next
	return nil
}

func (r *Registry) Lookup(name string) (Formula, error) {
	f, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownMetric)
	}
	return f, nil
}

// All returns every formula in registration order.
func (r *Registry) All() []Formula {
	out := make([]Formula, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Select resolves metric names, or a suite when names is empty.
func (r *Registry) Select(suite string, names []string) ([]Formula, error) {
	if len(names) == 0 {
		var err error
		if names, err = SuiteMembers(suite); err != nil {
			return nil, err
		}
	}

	out := make([]Formula, 0, len(names))
	for _, name := range names {
		f, err := r.Lookup(name)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// SuiteMembers lists the metrics of a suite in run order.
func SuiteMembers(suite string) ([]string, error) {
	if suite == "" || suite == SuiteAll {
		return append(append([]string(nil), suites[SuiteBusiness]...), suites[SuiteEngagement]...), nil
	}
	members, ok := suites[suite]
	if !ok {
		return nil, fmt.Errorf("unknown suite %q (supported: %s)", suite, suiteNames())
	}
	return append([]string(nil), members...), nil
}

func suiteNames() string {
	names := []string{SuiteAll}
	for name := range suites {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprint(names)
}
