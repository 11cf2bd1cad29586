// Package pipeline runs metric jobs end to end: resolve the experiment window,
// derive the analysis days, prepare the destination table, then compute and
// write each day through the executor.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/varmetrics/varmetrics/internal/executor"
	"github.com/varmetrics/varmetrics/internal/experiment"
	"github.com/varmetrics/varmetrics/internal/formula"
	"github.com/varmetrics/varmetrics/internal/materialize"
	"github.com/varmetrics/varmetrics/internal/pkg/distlock"
	"github.com/varmetrics/varmetrics/internal/report"
	"github.com/varmetrics/varmetrics/internal/telemetry"
	"github.com/varmetrics/varmetrics/internal/warehouse"
)

// Context carries the long-lived dependencies shared by every job of a process.
type Context struct {
	Warehouse    *warehouse.Warehouse
	Resolver     *experiment.Resolver
	Tables       formula.Tables
	Registry     *formula.Registry
	Materializer *materialize.Materializer
	Ledger       *materialize.Ledger
	Locker       distlock.Locker
	Metrics      *telemetry.Metrics
	Logger       *zap.Logger
	Workers      int
	// PrepareMode picks the prepare mode per metric. Nil means drop-recreate.
	PrepareMode func(metric string) materialize.Mode
	// Observer receives unit events in addition to Metrics.
	Observer executor.Observer
	Now      func() time.Time

	closers    []func() error
	ledgerOnce sync.Once
}

// Close releases everything the context opened, in reverse order.
func (c *Context) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Context) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

func (c *Context) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Context) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Context) locker() distlock.Locker {
	if c.Locker == nil {
		return distlock.NewLocker(nil, nil, "", 0)
	}
	return c.Locker
}

func (c *Context) mode(metric string) materialize.Mode {
	if c.PrepareMode != nil {
		if m := c.PrepareMode(metric); m != "" {
			return m
		}
	}
	return materialize.DropRecreate
}

// Job is one metric for one tag. When Days is set only those days are
// recomputed, replacing their rows in place without preparing the table.
type Job struct {
	Formula formula.Formula
	Days    []time.Time
}

// JobResult is the outcome of one job.
type JobResult struct {
	Tag      string
	Metric   string
	Table    string
	RunID    string
	Status   materialize.RunStatus
	Report   *executor.Report
	Err      error
	Duration time.Duration
}

// RunJob runs one metric over the window. Unit failures are reported in the
// result; Err is set by setup failures (range, sources, lock, prepare), by a
// window too short for the trimming policy, and by losing the lock mid-run.
func (c *Context) RunJob(ctx context.Context, tag string, w experiment.Window, job Job) (res *JobResult) {
	f := job.Formula
	start := c.now()
	res = &JobResult{Tag: tag, Metric: f.Name(), Table: report.TableName(f.Name(), tag), RunID: uuid.NewString()}
	log := c.logger().With(
		zap.String("tag", tag),
		zap.String("metric", f.Name()),
		zap.String("table", res.Table),
		zap.String("run_id", res.RunID),
	)

	fail := func(err error) *JobResult {
		res.Status = materialize.StatusFailed
		res.Err = err
		res.Duration = c.now().Sub(start)
		log.Error("job failed", zap.Error(err))
		c.recordJob(res)
		return res
	}

	if err := report.ValidateMetricName(f.Name()); err != nil {
		return fail(err)
	}

	// Derive analysis days
	rng, err := experiment.NewRange(w, f.Trimming())
	if errors.Is(err, experiment.ErrWindowTooShort) {
		res.Status = materialize.StatusSkipped
		res.Err = err
		res.Duration = c.now().Sub(start)
		log.Warn("job skipped", zap.Error(err))
		c.record(ctx, log, &materialize.Run{
			ID:           res.RunID,
			Tag:          tag,
			Metric:       f.Name(),
			Table:        res.Table,
			ExperimentID: w.ExperimentID,
			Status:       materialize.StatusSkipped,
			Error:        err.Error(),
			StartedAt:    start,
			FinishedAt:   c.now(),
		})
		c.recordJob(res)
		return res
	}
	if err != nil {
		return fail(err)
	}
	rerun := len(job.Days) > 0
	if rerun {
		rng = rng.Restrict(job.Days)
	}

	// Preflight upstream sources
	for _, src := range f.Sources(c.Tables) {
		if err := c.Warehouse.Probe(ctx, src); err != nil {
			return fail(err)
		}
	}

	variations, err := c.Warehouse.Variations(ctx, c.Tables.Assignment.Name, w.ExperimentID)
	if err != nil {
		return fail(err)
	}

	// Serialize runs against the same table
	lock := c.locker().Lock(res.Table)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return fail(fmt.Errorf("%s: %w", res.Table, distlock.ErrHeld))
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			log.Warn("failed to release lock", zap.Error(err))
		}
	}()

	// Losing the lock mid-run stops the job before another runner prepares
	// the table under it.
	ctx, cancelJob := context.WithCancelCause(ctx)
	defer cancelJob(nil)
	stopKeepalive := distlock.Keepalive(ctx, lock, func(err error) {
		log.Error("lost table lock", zap.Error(err))
		cancelJob(fmt.Errorf("%s: %w", res.Table, err))
	})
	defer stopKeepalive()

	run := &materialize.Run{
		ID:           res.RunID,
		Tag:          tag,
		Metric:       f.Name(),
		Table:        res.Table,
		ExperimentID: w.ExperimentID,
		Status:       materialize.StatusRunning,
		DaysTotal:    rng.Len(),
		StartedAt:    start,
	}
	c.record(ctx, log, run)

	target := materialize.Target{Table: res.Table, Schema: f.Schema(), ExperimentID: w.ExperimentID, Tag: tag}
	if !rerun {
		if err := c.Materializer.Prepare(ctx, target, c.mode(f.Name())); err != nil {
			run.Status = materialize.StatusFailed
			run.Error = err.Error()
			run.FinishedAt = c.now()
			c.record(ctx, log, run)
			return fail(err)
		}
	}

	log.Info("job started",
		zap.String("window", w.String()),
		zap.String("trimming", string(f.Trimming())),
		zap.String("dedup", f.Dedup().String()),
		zap.Int("days", rng.Len()),
		zap.Strings("variations", variations),
		zap.Bool("rerun", rerun),
	)

	env := formula.Env{DB: c.Warehouse, Tables: c.Tables, ExperimentID: w.ExperimentID, Variations: variations}
	unit := func(ctx context.Context, day time.Time) (int, error) {
		rows, err := f.Compute(ctx, env, day)
		if err != nil {
			return 0, err
		}
		if rerun {
			return c.Materializer.ReplaceDay(ctx, target, day, rows)
		}
		return c.Materializer.Write(ctx, target, rows)
	}

	ex := executor.New(c.Workers, log, executor.Multi(c.metricsObserver(), c.Observer))
	rep := ex.Run(ctx, f.Name(), res.Table, rng.Days, unit)

	res.Report = rep
	res.Status = statusOf(rep)
	if cause := context.Cause(ctx); errors.Is(cause, distlock.ErrLost) {
		res.Err = cause
	}
	res.Duration = c.now().Sub(start)

	run.Status = res.Status
	run.DaysFailed = len(rep.Failed) + len(rep.Skipped)
	run.RowsWritten = rep.Rows
	run.FinishedAt = c.now()
	if len(rep.Failed) > 0 {
		run.Error = rep.Failed[0].Error()
	} else if cause := context.Cause(ctx); rep.Cancelled() && cause != nil {
		run.Error = cause.Error()
	}
	c.record(ctx, log, run)
	c.recordJob(res)

	log.Info("job finished",
		zap.String("status", string(res.Status)),
		zap.Int("succeeded", len(rep.Succeeded)),
		zap.Int("failed", len(rep.Failed)),
		zap.Int("skipped", len(rep.Skipped)),
		zap.Int("rows", rep.Rows),
		zap.Duration("duration", res.Duration),
	)
	return res
}

func statusOf(rep *executor.Report) materialize.RunStatus {
	switch {
	case rep.Cancelled():
		return materialize.StatusIncomplete
	case len(rep.Failed) > 0:
		return materialize.StatusPartial
	default:
		return materialize.StatusComplete
	}
}

func (c *Context) metricsObserver() executor.Observer {
	if c.Metrics == nil {
		return nil
	}
	return c.Metrics
}

// record writes run state to the ledger. The ledger is bookkeeping, so a
// failure is logged and the job goes on.
func (c *Context) record(ctx context.Context, log *zap.Logger, run *materialize.Run) {
	if c.Ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	c.ledgerOnce.Do(func() {
		if err := c.Ledger.Ensure(ctx); err != nil {
			log.Warn("run ledger unavailable", zap.Error(err))
		}
	})
	if err := c.Ledger.Record(ctx, run); err != nil {
		log.Warn("failed to record run", zap.Error(err))
	}
}

func (c *Context) recordJob(res *JobResult) {
	if c.Metrics == nil {
		return
	}
	c.Metrics.RecordJob(res.Tag, res.Metric, string(res.Status), res.Duration, c.now())
}
