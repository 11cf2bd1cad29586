package executor

import (
	"time"
)

type EventKind string

const (
	UnitStarted   EventKind = "started"
	UnitSucceeded EventKind = "succeeded"
	UnitFailed    EventKind = "failed"
	UnitSkipped   EventKind = "skipped"
)

// Event reports progress of a single unit.
type Event struct {
	Kind     EventKind
	Metric   string
	Table    string
	Day      time.Time
	Rows     int
	Duration time.Duration
	Err      error
}

// Observer receives unit events. Observe may be called from several
// goroutines at once.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

type multi []Observer

func (m multi) Observe(e Event) {
	for _, o := range m {
		o.Observe(e)
	}
}

// Multi fans events out to every non-nil observer.
func Multi(observers ...Observer) Observer {
	var m multi
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}
