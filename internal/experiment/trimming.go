package experiment

import (
	"fmt"
	"time"
)

type TrimmingPolicy string

const (
	// TrimNone processes every day of the window, both ends included.
	TrimNone TrimmingPolicy = "none"
	// TrimBothEnds drops the partial first and last days.
	TrimBothEnds TrimmingPolicy = "trim-both-ends"
	// TrimInteriorLoop visits offsets 1..span-1 from the start day, or the
	// whole window when it spans at most one day.
	TrimInteriorLoop TrimmingPolicy = "trim-interior-loop"
)

func ParseTrimmingPolicy(s string) (TrimmingPolicy, error) {
	switch p := TrimmingPolicy(s); p {
	case TrimNone, TrimBothEnds, TrimInteriorLoop:
		return p, nil
	}
	return "", fmt.Errorf("unknown trimming policy %q", s)
}

// Range is the ascending list of days a job processes.
type Range struct {
	Window Window
	Policy TrimmingPolicy
	Days   []time.Time
}

// NewRange derives the analysis days for w under policy p.
func NewRange(w Window, p TrimmingPolicy) (Range, error) {
	span := w.SpanDays()
	r := Range{Window: w, Policy: p}

	switch p {
	case TrimNone:
		for i := 0; i <= span; i++ {
			r.Days = append(r.Days, w.PhaseStart.AddDate(0, 0, i))
		}
	case TrimBothEnds:
		if span < 2 {
			return Range{}, fmt.Errorf("%w: %s spans %d day(s)", ErrWindowTooShort, w, span)
		}
		for i := 1; i < span; i++ {
			r.Days = append(r.Days, w.PhaseStart.AddDate(0, 0, i))
		}
	case TrimInteriorLoop:
		// with no interior day to visit, every day of the window is kept
		if span <= 1 {
			for i := 0; i <= span; i++ {
				r.Days = append(r.Days, w.PhaseStart.AddDate(0, 0, i))
			}
			break
		}
		for i := 1; i < span; i++ {
			r.Days = append(r.Days, w.PhaseStart.AddDate(0, 0, i))
		}
	default:
		return Range{}, fmt.Errorf("unknown trimming policy %q", p)
	}

	return r, nil
}

func (r Range) Len() int {
	return len(r.Days)
}

func (r Range) Empty() bool {
	return len(r.Days) == 0
}

// Contains reports whether day is one of the range's days.
func (r Range) Contains(day time.Time) bool {
	day = Day(day)
	for _, d := range r.Days {
		if d.Equal(day) {
			return true
		}
	}
	return false
}

// Restrict keeps only the given days that belong to the range, in ascending order.
func (r Range) Restrict(days []time.Time) Range {
	want := make(map[time.Time]bool, len(days))
	for _, d := range days {
		want[Day(d)] = true
	}
	out := Range{Window: r.Window, Policy: r.Policy}
	for _, d := range r.Days {
		if want[d] {
			out.Days = append(out.Days, d)
		}
	}
	return out
}
