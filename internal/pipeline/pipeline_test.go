package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varmetrics/varmetrics/internal/config"
	"github.com/varmetrics/varmetrics/internal/executor"
	"github.com/varmetrics/varmetrics/internal/experiment"
	"github.com/varmetrics/varmetrics/internal/formula"
	"github.com/varmetrics/varmetrics/internal/materialize"
	"github.com/varmetrics/varmetrics/internal/metadata"
	"github.com/varmetrics/varmetrics/internal/pkg/distlock"
	"github.com/varmetrics/varmetrics/internal/report"
	"github.com/varmetrics/varmetrics/internal/telemetry"
	"github.com/varmetrics/varmetrics/internal/testutil"
	"github.com/varmetrics/varmetrics/internal/warehouse"
)

const experiments = `
experiments:
  - tag: new_ui
    name: exp_new_ui
    start: "2024-01-01"
    end: "2024-01-10"
  - tag: short
    name: exp_short
    start: "2024-01-01"
    end: "2024-01-02"
`

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestContext(t *testing.T) (*Context, *warehouse.Warehouse) {
	t.Helper()
	w := testutil.SetupWarehouse(t)

	source, err := metadata.ParseFile([]byte(experiments))
	require.NoError(t, err)
	registry, err := formula.NewRegistry(nil)
	require.NoError(t, err)

	tables := config.SourcesConfig{
		Assignment:       "assignment",
		FirstVisit:       "first_visit",
		Geo:              "geo",
		Sessions:         "sessions",
		Subscribe:        "subscribe",
		CurrencyPurchase: "currency_purchase",
		AllPurchase:      "all_purchase",
		AdsImpression:    "ads_impression",
		ChatSend:         "chat_send",
		BotFollow:        "bot_follow",
	}.Tables()

	c := &Context{
		Warehouse:    w,
		Resolver:     experiment.NewResolver(source),
		Tables:       tables,
		Registry:     registry,
		Materializer: materialize.New(w),
		Ledger:       materialize.NewLedger(w),
		Metrics:      telemetry.New(),
		Workers:      3,
	}
	return c, w
}

// seedNewUI assigns u1 to treatment and u2 to control every day of the
// experiment. Only u1 is ever active.
func seedNewUI(t *testing.T, w *warehouse.Warehouse) {
	t.Helper()
	for i := 1; i <= 10; i++ {
		date := fmt.Sprintf("2024-01-%02d", i)
		testutil.Assign(t, w, "exp_new_ui", "u1", "treatment", date, date+" 08:00:00")
		testutil.Assign(t, w, "exp_new_ui", "u2", "control", date, date+" 09:00:00")
		testutil.Insert(t, w, "sessions", []any{"u1", date})
	}
	testutil.Insert(t, w, "subscribe", []any{"u1", "2024-01-05", 5.0})
}

func lookup(t *testing.T, c *Context, names ...string) []formula.Formula {
	t.Helper()
	fs, err := c.Registry.Select("", names)
	require.NoError(t, err)
	return fs
}

// flaky fails one day, as a statement timeout would.
type flaky struct {
	formula.Formula
	failOn time.Time
}

func (f flaky) Compute(ctx context.Context, env formula.Env, d time.Time) ([]report.Row, error) {
	if d.Equal(f.failOn) {
		return nil, errors.New("statement timeout")
	}
	return f.Formula.Compute(ctx, env, d)
}

func TestRun_NewUIScenario(t *testing.T) {
	c, w := newTestContext(t)
	seedNewUI(t, w)
	ctx := context.Background()

	summary, err := c.Run(ctx, Request{Tag: "new_ui", Formulas: lookup(t, c, "arpu")})
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.True(t, summary.OK())
	assert.Equal(t, "exp_new_ui", summary.Window.ExperimentID)

	res := summary.Results[0]
	assert.Equal(t, materialize.StatusComplete, res.Status)
	assert.Equal(t, "tbl_report_arpu_new_ui", res.Table)
	assert.Len(t, res.Report.Days, 8, "both ends trimmed")

	counts, err := c.Materializer.CountByDate(ctx, res.Table)
	require.NoError(t, err)
	assert.Len(t, counts, 8)
	assert.NotContains(t, counts, "2024-01-01")
	assert.NotContains(t, counts, "2024-01-10")
	for date, n := range counts {
		assert.Equal(t, int64(2), n, date)
	}

	f := lookup(t, c, "arpu")[0]
	rows, err := c.Materializer.Read(ctx, res.Table, f.Schema(), 0)
	require.NoError(t, err)
	require.Len(t, rows, 16)

	control := rows[0]
	assert.Equal(t, "2024-01-02", control.EventDate.Format("2006-01-02"))
	assert.Equal(t, "control", control.VariationID)
	assert.Equal(t, int64(0), control.Values["active_users"])
	assert.Equal(t, 0.0, control.Values["total_revenue"])
	assert.Nil(t, control.Values["arpu"])

	run, err := c.Ledger.Latest(ctx, "new_ui", "arpu")
	require.NoError(t, err)
	assert.Equal(t, materialize.StatusComplete, run.Status)
	assert.Equal(t, 8, run.DaysTotal)
	assert.Equal(t, 16, run.RowsWritten)
	assert.Equal(t, res.RunID, run.ID)
}

func TestRun_Idempotent(t *testing.T) {
	c, w := newTestContext(t)
	seedNewUI(t, w)
	ctx := context.Background()
	f := lookup(t, c, "arpu")[0]

	snapshot := func() []report.Row {
		_, err := c.Run(ctx, Request{Tag: "new_ui", Formulas: []formula.Formula{f}})
		require.NoError(t, err)
		rows, err := c.Materializer.Read(ctx, "tbl_report_arpu_new_ui", f.Schema(), 0)
		require.NoError(t, err)
		return rows
	}

	first := snapshot()
	second := snapshot()
	assert.Equal(t, first, second)
}

func TestRunJob_TransientFailureLeavesOtherDays(t *testing.T) {
	c, w := newTestContext(t)
	seedNewUI(t, w)
	ctx := context.Background()

	win, err := c.Resolver.Resolve(ctx, "new_ui")
	require.NoError(t, err)

	arpu := lookup(t, c, "arpu")[0]
	res := c.RunJob(ctx, "new_ui", win, Job{Formula: flaky{Formula: arpu, failOn: day("2024-01-05")}})

	assert.NoError(t, res.Err)
	assert.Equal(t, materialize.StatusPartial, res.Status)
	require.Len(t, res.Report.Failed, 1)
	assert.True(t, res.Report.Failed[0].Day.Equal(day("2024-01-05")))

	counts, err := c.Materializer.CountByDate(ctx, res.Table)
	require.NoError(t, err)
	assert.Len(t, counts, 7)
	assert.NotContains(t, counts, "2024-01-05")
	assert.Equal(t, int64(2), counts["2024-01-04"])
	assert.Equal(t, int64(2), counts["2024-01-06"])

	run, err := c.Ledger.Latest(ctx, "new_ui", "arpu")
	require.NoError(t, err)
	assert.Equal(t, materialize.StatusPartial, run.Status)
	assert.Equal(t, 1, run.DaysFailed)
	assert.Contains(t, run.Error, "statement timeout")

	// re-running the missing day fills it without touching the others
	summary, err := c.Run(ctx, Request{Tag: "new_ui", Formulas: []formula.Formula{arpu}, Days: []time.Time{day("2024-01-05")}})
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, materialize.StatusComplete, summary.Results[0].Status)
	assert.Len(t, summary.Results[0].Report.Days, 1)

	counts, err = c.Materializer.CountByDate(ctx, res.Table)
	require.NoError(t, err)
	assert.Len(t, counts, 8)
	assert.Equal(t, int64(2), counts["2024-01-05"])
}

func TestRun_MissingExperimentIsSkipped(t *testing.T) {
	c, _ := newTestContext(t)

	summary, err := c.Run(context.Background(), Request{Tag: "unknown_tag", Formulas: lookup(t, c, "arpu")})
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Empty(t, summary.Results)
}

func TestRun_WindowTooShort(t *testing.T) {
	c, _ := newTestContext(t)
	ctx := context.Background()

	summary, err := c.Run(ctx, Request{Tag: "short", Formulas: lookup(t, c, "arpu", "continue")})
	require.NoError(t, err)
	require.Len(t, summary.Results, 2)
	assert.True(t, summary.OK(), "a short window is not a failure")

	arpu := summary.Results[0]
	assert.Equal(t, materialize.StatusSkipped, arpu.Status)
	assert.ErrorIs(t, arpu.Err, experiment.ErrWindowTooShort)
	assert.False(t, c.Materializer.Exists(ctx, arpu.Table, lookup(t, c, "arpu")[0].Schema()))

	run, err := c.Ledger.Latest(ctx, "short", "arpu")
	require.NoError(t, err)
	assert.Equal(t, materialize.StatusSkipped, run.Status)

	// the interior loop keeps both days of a one-day span
	cont := summary.Results[1]
	assert.Equal(t, materialize.StatusComplete, cont.Status)
	assert.Len(t, cont.Report.Days, 2)
	assert.True(t, c.Materializer.Exists(ctx, cont.Table, lookup(t, c, "continue")[0].Schema()))
}

func TestRunJob_MissingSourceFailsLoudly(t *testing.T) {
	c, w := newTestContext(t)
	ctx := context.Background()
	_, err := w.Exec(ctx, "DROP TABLE sessions")
	require.NoError(t, err)

	win, err := c.Resolver.Resolve(ctx, "new_ui")
	require.NoError(t, err)
	arpu := lookup(t, c, "arpu")[0]

	res := c.RunJob(ctx, "new_ui", win, Job{Formula: arpu})
	assert.Equal(t, materialize.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, warehouse.ErrMissingSource)
	assert.False(t, c.Materializer.Exists(ctx, res.Table, arpu.Schema()))
}

type heldLock struct{}

func (heldLock) Acquire(context.Context) (bool, error) { return false, nil }
func (heldLock) Release(context.Context) error         { return nil }

func TestRunJob_Locked(t *testing.T) {
	c, w := newTestContext(t)
	seedNewUI(t, w)
	c.Locker = distlock.LockerFunc(func(string) distlock.Lock { return heldLock{} })
	ctx := context.Background()

	win, err := c.Resolver.Resolve(ctx, "new_ui")
	require.NoError(t, err)
	res := c.RunJob(ctx, "new_ui", win, Job{Formula: lookup(t, c, "arpu")[0]})
	assert.ErrorIs(t, res.Err, distlock.ErrHeld)
}

// expiringLock is acquired fine but every renewal finds it taken over.
type expiringLock struct{}

func (expiringLock) Acquire(context.Context) (bool, error)               { return true, nil }
func (expiringLock) Release(context.Context) error                       { return nil }
func (expiringLock) TTL() time.Duration                                  { return 30 * time.Millisecond }
func (expiringLock) Extend(context.Context, time.Duration) (bool, error) { return false, nil }

// stalled computes nothing until its context ends.
type stalled struct{ formula.Formula }

func (stalled) Compute(ctx context.Context, _ formula.Env, _ time.Time) ([]report.Row, error) {
	<-ctx.Done()
	return nil, context.Cause(ctx)
}

func TestRunJob_LostLockStopsJob(t *testing.T) {
	c, w := newTestContext(t)
	seedNewUI(t, w)
	c.Workers = 1
	c.Locker = distlock.LockerFunc(func(string) distlock.Lock { return expiringLock{} })
	ctx := context.Background()

	win, err := c.Resolver.Resolve(ctx, "new_ui")
	require.NoError(t, err)

	done := make(chan *JobResult, 1)
	go func() {
		done <- c.RunJob(ctx, "new_ui", win, Job{Formula: stalled{lookup(t, c, "arpu")[0]}})
	}()

	var res *JobResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job kept running after losing its lock")
	}

	assert.Equal(t, materialize.StatusIncomplete, res.Status)
	assert.ErrorIs(t, res.Err, distlock.ErrLost)
	assert.NotEmpty(t, res.Report.Skipped)

	run, err := c.Ledger.Latest(ctx, "new_ui", "arpu")
	require.NoError(t, err)
	assert.Equal(t, materialize.StatusIncomplete, run.Status)
	assert.Contains(t, run.Error, "lock lost")
}

type panicky struct{ formula.Formula }

func (panicky) Sources(formula.Tables) []warehouse.Source { panic("bad formula") }

func TestRun_RecoversJobPanic(t *testing.T) {
	c, w := newTestContext(t)
	seedNewUI(t, w)

	arpu := lookup(t, c, "arpu")[0]
	summary, err := c.Run(context.Background(), Request{Tag: "new_ui", Formulas: []formula.Formula{panicky{arpu}, arpu}})
	require.NoError(t, err)
	require.Len(t, summary.Results, 2)

	assert.Equal(t, materialize.StatusFailed, summary.Results[0].Status)
	assert.Contains(t, summary.Results[0].Err.Error(), "bad formula")
	assert.Equal(t, materialize.StatusComplete, summary.Results[1].Status, "later jobs still run")
}

func TestRunJob_CancelMarksIncomplete(t *testing.T) {
	c, w := newTestContext(t)
	seedNewUI(t, w)
	c.Workers = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Observer = executor.ObserverFunc(func(ev executor.Event) {
		if ev.Kind == executor.UnitSucceeded {
			cancel()
		}
	})

	win, err := c.Resolver.Resolve(context.Background(), "new_ui")
	require.NoError(t, err)
	res := c.RunJob(ctx, "new_ui", win, Job{Formula: lookup(t, c, "arpu")[0]})

	assert.Equal(t, materialize.StatusIncomplete, res.Status)
	assert.NotEmpty(t, res.Report.Skipped)

	run, err := c.Ledger.Latest(context.Background(), "new_ui", "arpu")
	require.NoError(t, err)
	assert.Equal(t, materialize.StatusIncomplete, run.Status)
}

func TestNew_RequiresDSN(t *testing.T) {
	_, err := New(config.Default(), nil)
	assert.Error(t, err)
}

func TestNewMetadataSource(t *testing.T) {
	_, err := NewMetadataSource(config.MetadataConfig{Source: "growthbook"}, nil, nil)
	assert.Error(t, err, "api key required")

	_, err = NewMetadataSource(config.MetadataConfig{Source: "file"}, nil, nil)
	assert.Error(t, err, "file path required")

	src, err := NewMetadataSource(config.MetadataConfig{Source: "growthbook", APIKey: "k"}, nil, nil)
	require.NoError(t, err)
	_, ok := src.(*metadata.GrowthBook)
	assert.True(t, ok)
}
