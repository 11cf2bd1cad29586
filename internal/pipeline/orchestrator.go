package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/varmetrics/varmetrics/internal/experiment"
	"github.com/varmetrics/varmetrics/internal/formula"
	"github.com/varmetrics/varmetrics/internal/materialize"
)

// Request selects what a run computes for one tag.
type Request struct {
	Tag      string
	Formulas []formula.Formula
	// Days restricts the run to these days; see Job.Days.
	Days []time.Time
}

// Summary is the outcome of every job for one tag.
type Summary struct {
	Tag     string
	Window  experiment.Window
	Skipped bool
	Results []*JobResult
	Elapsed time.Duration
}

// OK reports whether every job completed or was skipped as too short.
func (s *Summary) OK() bool {
	for _, r := range s.Results {
		if r.Status != materialize.StatusComplete && r.Status != materialize.StatusSkipped {
			return false
		}
	}
	return true
}

// Run resolves the tag once and runs each formula in order. A tag with no
// experiment is logged and skipped without error. Job failures stay in the
// summary; only metadata failures are returned.
func (c *Context) Run(ctx context.Context, req Request) (*Summary, error) {
	start := c.now()
	log := c.logger().With(zap.String("tag", req.Tag))
	summary := &Summary{Tag: req.Tag}

	w, err := c.Resolver.Resolve(ctx, req.Tag)
	if errors.Is(err, experiment.ErrNotFound) {
		log.Warn("no experiment found for tag, skipping", zap.Error(err))
		summary.Skipped = true
		return summary, nil
	}
	if err != nil {
		return nil, err
	}
	summary.Window = w
	log.Info("experiment resolved",
		zap.String("experiment_id", w.ExperimentID),
		zap.String("window", w.String()),
		zap.Int("jobs", len(req.Formulas)),
	)

	for _, f := range req.Formulas {
		if ctx.Err() != nil {
			log.Warn("run cancelled, remaining jobs not started", zap.String("next", f.Name()))
			break
		}
		summary.Results = append(summary.Results, c.runSafely(ctx, req.Tag, w, Job{Formula: f, Days: req.Days}))
	}

	summary.Elapsed = c.now().Sub(start)
	return summary, nil
}

func (c *Context) runSafely(ctx context.Context, tag string, w experiment.Window, job Job) (res *JobResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger().Error("job panicked",
				zap.String("tag", tag),
				zap.String("metric", job.Formula.Name()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res = &JobResult{
				Tag:    tag,
				Metric: job.Formula.Name(),
				Status: materialize.StatusFailed,
				Err:    fmt.Errorf("panic: %v", r),
			}
		}
	}()
	return c.RunJob(ctx, tag, w, job)
}
