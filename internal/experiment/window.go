package experiment

import (
	"errors"
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

var (
	ErrNotFound       = errors.New("experiment not found")
	ErrWindowTooShort = errors.New("experiment window too short")
	ErrInvalidWindow  = errors.New("invalid experiment window")
)

// Window is the active phase of one experiment. Start and End are calendar days in UTC.
type Window struct {
	ExperimentID string
	PhaseStart   time.Time
	PhaseEnd     time.Time
}

// NewWindow builds a window and rejects an end date before the start date.
func NewWindow(experimentID string, start, end time.Time) (Window, error) {
	if experimentID == "" {
		return Window{}, fmt.Errorf("%w: empty experiment id", ErrInvalidWindow)
	}
	start, end = Day(start), Day(end)
	if end.Before(start) {
		return Window{}, fmt.Errorf("%w: end %s before start %s", ErrInvalidWindow,
			end.Format(DateLayout), start.Format(DateLayout))
	}
	return Window{ExperimentID: experimentID, PhaseStart: start, PhaseEnd: end}, nil
}

// SpanDays is the whole calendar-day difference between end and start.
func (w Window) SpanDays() int {
	return DaysBetween(w.PhaseStart, w.PhaseEnd)
}

func (w Window) String() string {
	return fmt.Sprintf("%s [%s, %s]", w.ExperimentID,
		w.PhaseStart.Format(DateLayout), w.PhaseEnd.Format(DateLayout))
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// DaysBetween returns the number of calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}
