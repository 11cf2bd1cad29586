// Package scheduler runs the configured tags on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/varmetrics/varmetrics/internal/experiment"
	"github.com/varmetrics/varmetrics/internal/pipeline"
)

var (
	ErrBusy       = errors.New("tag is already running")
	ErrUnknownTag = errors.New("tag is not scheduled")
)

// RunFunc runs every configured metric for one tag.
type RunFunc func(ctx context.Context, tag string) (*pipeline.Summary, error)

// TagStatus is the last known state of one scheduled tag.
type TagStatus struct {
	Tag        string    `json:"tag"`
	Running    bool      `json:"running"`
	LastStart  time.Time `json:"last_start,omitempty"`
	LastFinish time.Time `json:"last_finish,omitempty"`
	LastOK     bool      `json:"last_ok"`
	Skipped    bool      `json:"skipped"`
	LastError  string    `json:"last_error,omitempty"`
}

type Scheduler struct {
	cron   *cron.Cron
	spec   string
	tags   []string
	run    RunFunc
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	status map[string]*TagStatus
}

func New(spec string, tags []string, run RunFunc, logger *zap.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	status := make(map[string]*TagStatus, len(tags))
	for _, tag := range tags {
		if err := experiment.ValidateTag(tag); err != nil {
			return nil, err
		}
		status[tag] = &TagStatus{Tag: tag}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(),
		spec:   spec,
		tags:   tags,
		run:    run,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		status: status,
	}, nil
}

func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.logger.Info("starting scheduled run", zap.Strings("tags", s.tags))
		for _, tag := range s.tags {
			if err := s.Trigger(tag); err != nil {
				s.logger.Warn("scheduled run not started", zap.String("tag", tag), zap.Error(err))
			}
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("schedule", s.spec), zap.Strings("tags", s.tags))
	return nil
}

// Stop halts the schedule, cancels in-flight runs and waits for them.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Trigger starts a run of tag in the background unless one is in flight.
func (s *Scheduler) Trigger(tag string) error {
	s.mu.Lock()
	st, ok := s.status[tag]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", tag, ErrUnknownTag)
	}
	if st.Running {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", tag, ErrBusy)
	}
	st.Running = true
	st.LastStart = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		summary, err := s.run(s.ctx, tag)
		s.finish(tag, summary, err)
	}()
	return nil
}

func (s *Scheduler) finish(tag string, summary *pipeline.Summary, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status[tag]
	st.Running = false
	st.LastFinish = time.Now()
	st.LastError = ""
	st.Skipped = false

	switch {
	case err != nil:
		st.LastOK = false
		st.LastError = err.Error()
		s.logger.Error("scheduled run failed", zap.String("tag", tag), zap.Error(err))
	case summary != nil:
		st.Skipped = summary.Skipped
		st.LastOK = summary.OK()
		for _, r := range summary.Results {
			if r.Err != nil {
				st.LastError = r.Metric + ": " + r.Err.Error()
				break
			}
		}
	}
}

// Status returns a snapshot sorted by tag.
func (s *Scheduler) Status() []TagStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TagStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}
