package formula

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varmetrics/varmetrics/internal/assignment"
	"github.com/varmetrics/varmetrics/internal/report"
	"github.com/varmetrics/varmetrics/internal/testutil"
	"github.com/varmetrics/varmetrics/internal/warehouse"
)

func testTables() Tables {
	return Tables{
		Assignment:       assignment.Table{Name: "assignment"},
		FirstVisit:       "first_visit",
		Geo:              "geo",
		Sessions:         "sessions",
		Subscribe:        "subscribe",
		CurrencyPurchase: "currency_purchase",
		AllPurchase:      "all_purchase",
		AdsImpression:    "ads_impression",
		ChatSend:         "chat_send",
		BotFollow:        "bot_follow",
	}
}

func setupEnv(t *testing.T, exp string, variations ...string) (*warehouse.Warehouse, Env) {
	t.Helper()
	w := testutil.SetupWarehouse(t)
	return w, Env{DB: w, Tables: testTables(), ExperimentID: exp, Variations: variations}
}

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func lookup(t *testing.T, name string) Formula {
	t.Helper()
	r, err := NewRegistry(nil)
	require.NoError(t, err)
	f, err := r.Lookup(name)
	require.NoError(t, err)
	return f
}

func rowFor(t *testing.T, rows []report.Row, variation, country string) report.Row {
	t.Helper()
	for _, r := range rows {
		if r.VariationID == variation && r.Country == country {
			return r
		}
	}
	t.Fatalf("no row for variation %q country %q in %+v", variation, country, rows)
	return report.Row{}
}

func null() sql.NullFloat64 { return sql.NullFloat64{} }

func valid(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func TestRatio(t *testing.T) {
	assert.Equal(t, valid(0.6667), ratio(2, 3, 4, false))
	assert.Equal(t, valid(0.63), ratio(5, 8, 2, false))
	assert.Equal(t, valid(-0.63), ratio(-5, 8, 2, false))
	assert.Equal(t, null(), ratio(1, 0, 4, false))
	assert.Equal(t, valid(0), ratio(1, 0, 4, true))
	assert.Equal(t, valid(0), ratio(0, 0, 4, true))
}

func TestApportion_SumsToTotal(t *testing.T) {
	shares := apportion(10, map[string]int64{"a": 1, "b": 1, "c": 1})

	var sum float64
	for _, v := range shares {
		sum += v
	}
	assert.InDelta(t, 10, sum, 1e-9)
	assert.InDelta(t, 3.3333, shares["a"], 1e-4)

	shares = apportion(7.25, map[string]int64{"a": 3, "b": 0, "c": 5})
	assert.InDelta(t, 7.25*3/8, shares["a"], 1e-9)
	assert.InDelta(t, 0, shares["b"], 1e-9)
	assert.InDelta(t, 7.25, shares["a"]+shares["b"]+shares["c"], 1e-9)

	assert.Empty(t, apportion(5, map[string]int64{"a": 0}))
}

func seedRevenue(t *testing.T, w *warehouse.Warehouse) {
	t.Helper()
	const exp = "exp_new_ui"
	testutil.Assign(t, w, exp, "u1", "control", "2024-01-01", "2024-01-01 09:00:00")
	testutil.Assign(t, w, exp, "u1", "treatment", "2024-01-02", "2024-01-02 09:00:00")
	testutil.Assign(t, w, exp, "u2", "treatment", "2024-01-02", "2024-01-02 10:00:00")
	testutil.Assign(t, w, exp, "u3", "control", "2024-01-02", "2024-01-02 11:00:00")

	testutil.Insert(t, w, "sessions",
		[]any{"u1", "2024-01-02"},
		[]any{"u1", "2024-01-02"},
		[]any{"u2", "2024-01-02"},
		[]any{"u9", "2024-01-02"},
	)
	testutil.Insert(t, w, "subscribe", []any{"u1", "2024-01-02", 10.0})
	testutil.Insert(t, w, "currency_purchase", []any{"u2", "2024-01-02", 5.0}, []any{"u2", "2024-01-03", 99.0})
	testutil.Insert(t, w, "ads_impression",
		[]any{"u1", "2024-01-02", 0.5},
		[]any{"u9", "2024-01-02", 1.5},
	)
}

func TestRevenue_ARPU(t *testing.T) {
	w, env := setupEnv(t, "exp_new_ui", "control", "treatment")
	seedRevenue(t, w)

	rows, err := lookup(t, "arpu").Compute(context.Background(), env, day("2024-01-02"))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	treatment := rowFor(t, rows, "treatment", "")
	assert.Equal(t, int64(2), treatment.Values["active_users"])
	assert.Equal(t, int64(2), treatment.Values["paying_users"])
	assert.Equal(t, 10.0, treatment.Values["total_subscribe_revenue"])
	assert.Equal(t, 5.0, treatment.Values["total_order_revenue"])
	assert.Equal(t, 0.5, treatment.Values["total_ad_revenue"])
	assert.Equal(t, 15.5, treatment.Values["total_revenue"])
	assert.Equal(t, valid(7.75), treatment.Values["arpu"])

	// control has an assignment but no session that day
	control := rowFor(t, rows, "control", "")
	assert.Equal(t, int64(0), control.Values["active_users"])
	assert.Equal(t, 0.0, control.Values["total_revenue"])
	assert.Equal(t, null(), control.Values["arpu"])
}

func TestRevenue_ActiveShare(t *testing.T) {
	w, env := setupEnv(t, "exp_new_ui", "control", "treatment")
	seedRevenue(t, w)

	rows, err := lookup(t, "arpu_ad_share").Compute(context.Background(), env, day("2024-01-02"))
	require.NoError(t, err)

	// the whole day's ad revenue goes to the only variation with actives
	treatment := rowFor(t, rows, "treatment", "")
	assert.Equal(t, 2.0, treatment.Values["total_ad_revenue"])
	assert.Equal(t, valid(8.5), treatment.Values["arpu"])

	control := rowFor(t, rows, "control", "")
	assert.Equal(t, 0.0, control.Values["total_ad_revenue"])
}

func TestRevenue_ARPPU(t *testing.T) {
	w, env := setupEnv(t, "exp_new_ui", "control", "treatment")
	seedRevenue(t, w)

	rows, err := lookup(t, "arppu").Compute(context.Background(), env, day("2024-01-02"))
	require.NoError(t, err)

	treatment := rowFor(t, rows, "treatment", "")
	assert.Equal(t, int64(2), treatment.Values["paying_users"])
	assert.Equal(t, int64(2), treatment.Values["active_users"])
	assert.Equal(t, valid(7.75), treatment.Values["arppu"])

	control := rowFor(t, rows, "control", "")
	assert.Equal(t, int64(0), control.Values["paying_users"])
	assert.Equal(t, int64(0), control.Values["active_users"])
	assert.Equal(t, null(), control.Values["arppu"])
}

func TestRevenue_ARPPUActiveArePayers(t *testing.T) {
	w, env := setupEnv(t, "exp_new_ui", "control", "treatment")
	seedRevenue(t, w)
	// u3 pays without a session; u4 has a session but never pays
	testutil.Assign(t, w, "exp_new_ui", "u4", "treatment", "2024-01-02", "2024-01-02 12:00:00")
	testutil.Insert(t, w, "sessions", []any{"u4", "2024-01-02"})
	testutil.Insert(t, w, "subscribe", []any{"u3", "2024-01-02", 4.0})

	rows, err := lookup(t, "arppu").Compute(context.Background(), env, day("2024-01-02"))
	require.NoError(t, err)

	treatment := rowFor(t, rows, "treatment", "")
	assert.Equal(t, int64(2), treatment.Values["active_users"])
	assert.Equal(t, int64(2), treatment.Values["paying_users"])

	control := rowFor(t, rows, "control", "")
	assert.Equal(t, int64(1), control.Values["active_users"])
	assert.Equal(t, int64(1), control.Values["paying_users"])
	assert.Equal(t, valid(4), control.Values["arppu"])

	// arpu still counts session users
	rows, err = lookup(t, "arpu").Compute(context.Background(), env, day("2024-01-02"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), rowFor(t, rows, "treatment", "").Values["active_users"])
	assert.Equal(t, int64(0), rowFor(t, rows, "control", "").Values["active_users"])
}

func seedChats(t *testing.T, w *warehouse.Warehouse) {
	t.Helper()
	const exp = "exp_chat"
	testutil.Assign(t, w, exp, "u1", "B", "2024-01-02", "2024-01-02 08:00:00")
	testutil.Assign(t, w, exp, "u1", "A", "2024-01-02", "2024-01-02 09:00:00")
	testutil.Assign(t, w, exp, "u2", "A", "2024-01-02", "2024-01-02 10:00:00")

	testutil.Insert(t, w, "chat_send",
		[]any{"e1", "u1", "2024-01-02", "continue", "p1"},
		[]any{"e2", "u1", "2024-01-02", "continue", "p2"},
		[]any{"e2", "u1", "2024-01-02", "continue", "p2"},
		[]any{"e3", "u2", "2024-01-02", "continue", "p1"},
		[]any{"e4", "u2", "2024-01-02", "regenerate", "p1"},
		[]any{"e5", "u1", "2024-01-02", "generate", "p3"},
		[]any{"e6", "u1", "2024-01-03", "continue", "p1"},
	)
	testutil.Insert(t, w, "first_visit", []any{"u2", "2024-01-02"}, []any{"u1", "2023-12-01"})
}

func TestEventRatio_Continue(t *testing.T) {
	w, env := setupEnv(t, "exp_chat", "A", "B")
	seedChats(t, w)

	rows, err := lookup(t, "continue").Compute(context.Background(), env, day("2024-01-02"))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// u1 was first assigned to B that day
	a := rowFor(t, rows, "A", "")
	assert.Equal(t, int64(1), a.Values["total_continue"])
	assert.Equal(t, int64(1), a.Values["unique_continue_users"])
	assert.Equal(t, valid(1), a.Values["continue_ratio"])

	b := rowFor(t, rows, "B", "")
	assert.Equal(t, int64(2), b.Values["total_continue"])
	assert.Equal(t, valid(2), b.Values["continue_ratio"])
}

func TestEventRatio_ZeroOnEmpty(t *testing.T) {
	w, env := setupEnv(t, "exp_chat", "A", "B")
	seedChats(t, w)

	rows, err := lookup(t, "regen").Compute(context.Background(), env, day("2024-01-02"))
	require.NoError(t, err)

	b := rowFor(t, rows, "B", "")
	assert.Equal(t, int64(0), b.Values["total_regen"])
	assert.Equal(t, int64(0), b.Values["unique_regen_users"])
	assert.Equal(t, valid(0), b.Values["regen_ratio"])

	a := rowFor(t, rows, "A", "")
	assert.Equal(t, valid(1), a.Values["regen_ratio"])
}

func TestEventRatio_RegenCountsRegenerate(t *testing.T) {
	w, env := setupEnv(t, "exp_chat", "A", "B")
	seedChats(t, w)
	testutil.Insert(t, w, "chat_send",
		[]any{"e7", "u2", "2024-01-02", "regenerate", "p2"},
		[]any{"e8", "u2", "2024-01-02", "regen", "p2"},
	)

	rows, err := lookup(t, "regen").Compute(context.Background(), env, day("2024-01-02"))
	require.NoError(t, err)

	// only the upstream "regenerate" value counts
	a := rowFor(t, rows, "A", "")
	assert.Equal(t, int64(2), a.Values["total_regen"])
	assert.Equal(t, int64(1), a.Values["unique_regen_users"])
	assert.Equal(t, valid(2), a.Values["regen_ratio"])
}

func TestEventRatio_Follow(t *testing.T) {
	w, env := setupEnv(t, "exp_chat", "A", "B")
	seedChats(t, w)
	testutil.Insert(t, w, "bot_follow",
		[]any{"f1", "u1", "2024-01-04"},
		[]any{"f2", "u1", "2024-01-04"},
		[]any{"f3", "u2", "2024-01-04"},
	)

	// per-user dedup spans all days, so assignments from 01-02 still apply on 01-04
	rows, err := lookup(t, "follow").Compute(context.Background(), env, day("2024-01-04"))
	require.NoError(t, err)

	a := rowFor(t, rows, "A", "")
	assert.Equal(t, int64(3), a.Values["total_follow"])
	assert.Equal(t, int64(2), a.Values["unique_follow_users"])
	assert.Equal(t, valid(1.5), a.Values["follow_ratio"])
}

func TestChatDepth(t *testing.T) {
	w, env := setupEnv(t, "exp_chat", "A", "B")
	seedChats(t, w)

	rows, err := lookup(t, "chat_depth").Compute(context.Background(), env, day("2024-01-02"))
	require.NoError(t, err)

	// lowest variation puts u1 in A; generate events are ignored
	a := rowFor(t, rows, "A", "")
	assert.Equal(t, int64(4), a.Values["chats"])
	assert.Equal(t, int64(2), a.Values["chat_users"])
	assert.Equal(t, int64(2), a.Values["chat_bots"])
	assert.Equal(t, valid(2), a.Values["chat_depth_bot"])
	assert.Equal(t, valid(2), a.Values["chat_depth_user"])
	assert.Equal(t, valid(1), a.Values["chat_depth_user_bot"])

	assert.Equal(t, int64(2), a.Values["chats_new"])
	assert.Equal(t, int64(1), a.Values["chat_users_new"])
	assert.Equal(t, int64(1), a.Values["chat_bots_new"])
	assert.Equal(t, valid(2), a.Values["chat_depth_user_new"])

	b := rowFor(t, rows, "B", "")
	assert.Equal(t, int64(0), b.Values["chats"])
	assert.Equal(t, null(), b.Values["chat_depth_bot"])
	assert.Equal(t, null(), b.Values["chat_depth_user_bot_new"])
}

func seedCohort(t *testing.T, w *warehouse.Warehouse) {
	t.Helper()
	const exp = "exp_paywall"
	testutil.Assign(t, w, exp, "c1", "A", "2024-03-05", "2024-03-05 08:00:00")
	testutil.Assign(t, w, exp, "c2", "A", "2024-03-05", "2024-03-05 08:00:00")
	testutil.Assign(t, w, exp, "c3", "B", "2024-03-05", "2024-03-05 08:00:00")
	testutil.Assign(t, w, exp, "c4", "A", "2024-03-05", "2024-03-05 08:00:00")
	testutil.Assign(t, w, exp, "c5", "B", "2024-03-06", "2024-03-06 08:00:00")

	testutil.Insert(t, w, "first_visit",
		[]any{"c1", "2024-03-05 07:59:00"},
		[]any{"c2", "2024-03-05"},
		[]any{"c3", "2024-03-05"},
		[]any{"c4", "2024-03-04"},
		[]any{"c5", "2024-03-05"},
	)
	testutil.Insert(t, w, "geo",
		[]any{"c1", "2024-03-05", "US"},
		[]any{"c3", "2024-03-05", "US"},
		[]any{"c2", "2024-03-06", "DE"},
	)
	testutil.Insert(t, w, "all_purchase",
		[]any{"c1", "2024-03-05", "subscription", 9.99},
		[]any{"c1", "2024-03-06", "refund", -9.99},
		[]any{"c2", "2024-03-08", "currency", 1.99},
		[]any{"c3", "2024-03-09", "subscription", 9.99},
		[]any{"c4", "2024-03-05", "subscription", 9.99},
	)
	testutil.Insert(t, w, "subscribe",
		[]any{"c1", "2024-03-05", 9.99},
		[]any{"c1", "2024-03-07", 4.99},
		[]any{"c3", "2024-03-10", 9.99},
	)
}

func TestCohort_PaymentRate(t *testing.T) {
	w, env := setupEnv(t, "exp_paywall", "A", "B")
	seedCohort(t, w)

	rows, err := lookup(t, "payment_rate_new").Compute(context.Background(), env, day("2024-03-05"))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	us := rowFor(t, rows, "A", "US")
	assert.Equal(t, int64(1), us.Values["new_users"])
	assert.Equal(t, int64(1), us.Values["pay_user_day1"])
	assert.Equal(t, valid(1), us.Values["pay_rate_day1"])

	// c2 has no geo row that day and pays on day+3, the last included day
	unknown := rowFor(t, rows, "A", "unknown")
	assert.Equal(t, int64(0), unknown.Values["pay_user_day1"])
	assert.Equal(t, valid(0), unknown.Values["pay_rate_day1"])
	assert.Equal(t, int64(1), unknown.Values["pay_user_day3"])
	assert.Equal(t, valid(1), unknown.Values["pay_rate_day3"])

	// c3 pays on day+4, outside every window
	b := rowFor(t, rows, "B", "US")
	assert.Equal(t, int64(0), b.Values["pay_user_day3"])
	assert.Equal(t, valid(0), b.Values["pay_rate_day3"])
}

func TestCohort_SubscribeAOV(t *testing.T) {
	w, env := setupEnv(t, "exp_paywall", "A", "B")
	seedCohort(t, w)

	rows, err := lookup(t, "subscribe_new").Compute(context.Background(), env, day("2024-03-05"))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	a := rowFor(t, rows, "A", "")
	assert.Equal(t, int64(2), a.Values["new_users"])
	assert.Equal(t, 9.99, a.Values["subscribe_revenue_day1"])
	assert.Equal(t, int64(1), a.Values["subscribe_orders_day1"])
	assert.Equal(t, valid(9.99), a.Values["aov_day1"])
	assert.Equal(t, 14.98, a.Values["subscribe_revenue_day3"])
	assert.Equal(t, int64(2), a.Values["subscribe_orders_day3"])
	assert.Equal(t, valid(7.49), a.Values["aov_day3"])

	b := rowFor(t, rows, "B", "")
	assert.Equal(t, int64(1), b.Values["new_users"])
	assert.Equal(t, int64(0), b.Values["subscribe_orders_day3"])
	assert.Equal(t, null(), b.Values["aov_day3"])
}

func TestSchemas_MatchComputedValues(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	w, env := setupEnv(t, "exp_chat", "A")
	seedChats(t, w)
	seedCohort(t, w)

	for _, f := range r.All() {
		rows, err := f.Compute(context.Background(), env, day("2024-01-02"))
		require.NoError(t, err, f.Name())
		for _, row := range rows {
			for _, c := range f.Schema().Values {
				_, ok := row.Values[c.Name]
				assert.True(t, ok, "%s: row missing column %s", f.Name(), c.Name)
			}
			assert.Len(t, row.Values, len(f.Schema().Values), f.Name())
		}
	}
}
