package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultWorkers = 4

// UnitError is the failure of one day of one table.
type UnitError struct {
	Table string
	Day   time.Time
	Err   error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Table, e.Day.Format("2006-01-02"), e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// UnitFunc computes and writes one day, returning the rows written.
type UnitFunc func(ctx context.Context, day time.Time) (int, error)

// Report summarizes one Run. Days that were never dispatched because the
// context ended are listed in Skipped.
type Report struct {
	Metric    string
	Table     string
	Days      []time.Time
	Succeeded []time.Time
	Failed    []*UnitError
	Skipped   []time.Time
	Rows      int
	Duration  time.Duration
}

func (r *Report) Complete() bool {
	return len(r.Failed) == 0 && len(r.Skipped) == 0
}

func (r *Report) Cancelled() bool {
	return len(r.Skipped) > 0
}

type Executor struct {
	workers  int
	logger   *zap.Logger
	observer Observer
}

// New returns an executor running at most workers units at once.
func New(workers int, logger *zap.Logger, observer Observer) *Executor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = Multi()
	}
	return &Executor{workers: workers, logger: logger, observer: observer}
}

func (e *Executor) Workers() int {
	return e.workers
}

// Run dispatches one unit per day in ascending order. A failing unit is
// recorded and never stops the others.
func (e *Executor) Run(ctx context.Context, metric, table string, days []time.Time, fn UnitFunc) *Report {
	start := time.Now()
	ordered := append([]time.Time(nil), days...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })

	report := &Report{Metric: metric, Table: table, Days: ordered}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(e.workers)

	for _, day := range ordered {
		if ctx.Err() != nil {
			report.Skipped = append(report.Skipped, day)
			e.observer.Observe(Event{Kind: UnitSkipped, Metric: metric, Table: table, Day: day, Err: ctx.Err()})
			continue
		}

		day := day
		g.Go(func() error {
			e.observer.Observe(Event{Kind: UnitStarted, Metric: metric, Table: table, Day: day})
			unitStart := time.Now()

			rows, err := e.runUnit(ctx, day, fn)
			elapsed := time.Since(unitStart)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				ue := &UnitError{Table: table, Day: day, Err: err}
				report.Failed = append(report.Failed, ue)
				e.logger.Error("unit failed",
					zap.String("metric", metric),
					zap.String("table", table),
					zap.String("day", day.Format("2006-01-02")),
					zap.Duration("duration", elapsed),
					zap.Error(err),
				)
				e.observer.Observe(Event{Kind: UnitFailed, Metric: metric, Table: table, Day: day, Duration: elapsed, Err: err})
				return nil
			}

			report.Succeeded = append(report.Succeeded, day)
			report.Rows += rows
			e.logger.Debug("unit complete",
				zap.String("metric", metric),
				zap.String("day", day.Format("2006-01-02")),
				zap.Int("rows", rows),
				zap.Duration("duration", elapsed),
			)
			e.observer.Observe(Event{Kind: UnitSucceeded, Metric: metric, Table: table, Day: day, Rows: rows, Duration: elapsed})
			return nil
		})
	}
	g.Wait()

	sort.Slice(report.Succeeded, func(i, j int) bool { return report.Succeeded[i].Before(report.Succeeded[j]) })
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Day.Before(report.Failed[j].Day) })
	report.Duration = time.Since(start)
	return report
}

func (e *Executor) runUnit(ctx context.Context, day time.Time, fn UnitFunc) (rows int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, day)
}
