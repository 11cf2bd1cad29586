package assignment

import (
	"fmt"
	"strings"
	"time"
)

type Scope string

const (
	// PerUser keeps one variation per user over the whole experiment.
	PerUser Scope = "per-user"
	// PerUserDay keeps one variation per user and calendar day.
	PerUserDay Scope = "per-user-day"
)

// Ordering names the rule that picks the surviving assignment in a scope.
// Every ordering falls back to variation_id ascending so the choice is total.
type Ordering string

const (
	LatestEventDate Ordering = "latest-event-date"
	FirstAssigned   Ordering = "first-assigned"
	LowestVariation Ordering = "lowest-variation"
)

type Policy struct {
	Scope    Scope
	Ordering Ordering
}

func (p Policy) String() string {
	return string(p.Scope) + "/" + string(p.Ordering)
}

func (p Policy) Validate() error {
	switch p.Scope {
	case PerUser, PerUserDay:
	default:
		return fmt.Errorf("unknown dedup scope %q", p.Scope)
	}
	switch p.Ordering {
	case LatestEventDate, FirstAssigned, LowestVariation:
	default:
		return fmt.Errorf("unknown dedup ordering %q", p.Ordering)
	}
	return nil
}

func ParseOrdering(s string) (Ordering, error) {
	switch o := Ordering(s); o {
	case LatestEventDate, FirstAssigned, LowestVariation:
		return o, nil
	}
	return "", fmt.Errorf("unknown dedup ordering %q", s)
}

// Record is one raw assignment row. Users may appear many times.
type Record struct {
	UserID      string
	VariationID string
	EventDate   time.Time
	AssignedAt  time.Time
}

// Key identifies a dedup scope. EventDate is zero for PerUser.
type Key struct {
	UserID    string
	EventDate time.Time
}

func (p Policy) key(r Record) Key {
	if p.Scope == PerUserDay {
		y, m, d := r.EventDate.Date()
		return Key{UserID: r.UserID, EventDate: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
	}
	return Key{UserID: r.UserID}
}

// less reports whether a ranks ahead of b.
func (p Policy) less(a, b Record) bool {
	switch p.Ordering {
	case LatestEventDate:
		if !a.EventDate.Equal(b.EventDate) {
			return a.EventDate.After(b.EventDate)
		}
		if !a.AssignedAt.Equal(b.AssignedAt) {
			return a.AssignedAt.After(b.AssignedAt)
		}
	case FirstAssigned:
		if !a.AssignedAt.Equal(b.AssignedAt) {
			return a.AssignedAt.Before(b.AssignedAt)
		}
	}
	return a.VariationID < b.VariationID
}

// Deduplicate keeps the first-ranked record of every scope key and returns
// the chosen variation per key.
func Deduplicate(records []Record, p Policy) map[Key]string {
	best := make(map[Key]Record, len(records))
	for _, r := range records {
		k := p.key(r)
		cur, ok := best[k]
		if !ok || p.less(r, cur) {
			best[k] = r
		}
	}

	out := make(map[Key]string, len(best))
	for k, r := range best {
		out[k] = r.VariationID
	}
	return out
}

// CountByVariation tallies deduplicated scope keys per variation.
func CountByVariation(dedup map[Key]string) map[string]int {
	counts := make(map[string]int)
	for _, v := range dedup {
		counts[v]++
	}
	return counts
}

// orderBy mirrors less. A NULL assigned_at ranks as the earliest time, which
// dialects disagree on by default, so the null check is its own sort key.
func (p Policy) orderBy(assignedAt string) string {
	isSet := fmt.Sprintf("CASE WHEN %s IS NULL THEN 0 ELSE 1 END", assignedAt)

	var terms []string
	switch p.Ordering {
	case LatestEventDate:
		terms = append(terms, "event_date DESC", isSet+" DESC", assignedAt+" DESC")
	case FirstAssigned:
		terms = append(terms, isSet+" ASC", assignedAt+" ASC")
	}
	terms = append(terms, "variation_id ASC")
	return strings.Join(terms, ", ")
}
