package assignment

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varmetrics/varmetrics/internal/testutil"
	"github.com/varmetrics/varmetrics/internal/warehouse"
)

func d(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func ts(s string) time.Time {
	t, _ := time.Parse("2006-01-02 15:04:05", s)
	return t
}

var sample = []Record{
	{UserID: "u1", VariationID: "control", EventDate: d("2024-01-02"), AssignedAt: ts("2024-01-02 09:00:00")},
	{UserID: "u1", VariationID: "treatment", EventDate: d("2024-01-03"), AssignedAt: ts("2024-01-03 08:00:00")},
	{UserID: "u1", VariationID: "control", EventDate: d("2024-01-03"), AssignedAt: ts("2024-01-03 07:00:00")},
	{UserID: "u2", VariationID: "treatment", EventDate: d("2024-01-02"), AssignedAt: ts("2024-01-02 10:00:00")},
	{UserID: "u2", VariationID: "control", EventDate: d("2024-01-02"), AssignedAt: ts("2024-01-02 10:00:00")},
	{UserID: "u3", VariationID: "treatment", EventDate: d("2024-01-02"), AssignedAt: ts("2024-01-02 11:00:00")},
}

func TestDeduplicate_PerUserLatest(t *testing.T) {
	got := Deduplicate(sample, Policy{Scope: PerUser, Ordering: LatestEventDate})

	assert.Equal(t, map[Key]string{
		{UserID: "u1"}: "treatment", // latest day, latest assigned
		{UserID: "u2"}: "control",   // full tie, lowest variation
		{UserID: "u3"}: "treatment",
	}, got)
}

func TestDeduplicate_PerUserDayFirstAssigned(t *testing.T) {
	got := Deduplicate(sample, Policy{Scope: PerUserDay, Ordering: FirstAssigned})

	assert.Equal(t, map[Key]string{
		{UserID: "u1", EventDate: d("2024-01-02")}: "control",
		{UserID: "u1", EventDate: d("2024-01-03")}: "control",
		{UserID: "u2", EventDate: d("2024-01-02")}: "control",
		{UserID: "u3", EventDate: d("2024-01-02")}: "treatment",
	}, got)
}

func TestDeduplicate_LowestVariation(t *testing.T) {
	got := Deduplicate(sample, Policy{Scope: PerUserDay, Ordering: LowestVariation})
	assert.Equal(t, "control", got[Key{UserID: "u1", EventDate: d("2024-01-03")}])
	assert.Equal(t, "control", got[Key{UserID: "u2", EventDate: d("2024-01-02")}])
}

func TestDeduplicate_OneVariationPerKey(t *testing.T) {
	policies := []Policy{
		{PerUser, LatestEventDate}, {PerUser, FirstAssigned}, {PerUser, LowestVariation},
		{PerUserDay, LatestEventDate}, {PerUserDay, FirstAssigned}, {PerUserDay, LowestVariation},
	}

	for _, p := range policies {
		t.Run(p.String(), func(t *testing.T) {
			got := Deduplicate(sample, p)

			keys := make(map[Key]bool)
			for _, r := range sample {
				keys[p.key(r)] = true
			}
			assert.Len(t, got, len(keys))

			// idempotent: feeding the output back in changes nothing
			var again []Record
			for k, v := range got {
				again = append(again, Record{UserID: k.UserID, VariationID: v, EventDate: k.EventDate})
			}
			assert.Equal(t, got, Deduplicate(again, p))
		})
	}
}

func TestDeduplicate_OrderIndependent(t *testing.T) {
	p := Policy{Scope: PerUser, Ordering: LatestEventDate}
	reversed := make([]Record, len(sample))
	for i, r := range sample {
		reversed[len(sample)-1-i] = r
	}
	assert.Equal(t, Deduplicate(sample, p), Deduplicate(reversed, p))
}

func TestCountByVariation(t *testing.T) {
	got := CountByVariation(Deduplicate(sample, Policy{Scope: PerUser, Ordering: LatestEventDate}))
	assert.Equal(t, map[string]int{"control": 1, "treatment": 2}, got)
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, Policy{PerUser, FirstAssigned}.Validate())
	assert.Error(t, Policy{"per-session", FirstAssigned}.Validate())
	assert.Error(t, Policy{PerUser, "random"}.Validate())
}

func seed(t *testing.T) *warehouse.Warehouse {
	t.Helper()
	w := testutil.SetupWarehouse(t)
	for _, r := range sample {
		testutil.Assign(t, w, "exp_new_ui", r.UserID, r.VariationID,
			r.EventDate.Format("2006-01-02"), r.AssignedAt.Format("2006-01-02 15:04:05"))
	}
	testutil.Assign(t, w, "exp_other", "u1", "other", "2024-01-03", "2024-01-03 23:00:00")
	return w
}

func runCTE(t *testing.T, w *warehouse.Warehouse, p Policy, day time.Time) map[string]string {
	t.Helper()

	q := w.NewQuery()
	cte, err := p.CTE(q, Table{Name: "assignment"}, "exp_new_ui", day)
	require.NoError(t, err)

	got := make(map[string]string)
	err = w.QueryRows(context.Background(), cte, q.Args(), func(rows *sql.Rows) error {
		var user, variation string
		if err := rows.Scan(&user, &variation); err != nil {
			return err
		}
		if _, dup := got[user]; dup {
			return fmt.Errorf("user %s returned twice", user)
		}
		got[user] = variation
		return nil
	})
	require.NoError(t, err)
	return got
}

func TestCTE_MatchesInMemory(t *testing.T) {
	w := seed(t)

	p := Policy{Scope: PerUser, Ordering: LatestEventDate}
	got := runCTE(t, w, p, time.Time{})
	want := Deduplicate(sample, p)
	require.Len(t, got, len(want))
	for k, v := range want {
		assert.Equal(t, v, got[k.UserID], k.UserID)
	}

	p = Policy{Scope: PerUserDay, Ordering: FirstAssigned}
	got = runCTE(t, w, p, d("2024-01-03"))
	assert.Equal(t, map[string]string{"u1": "control"}, got)

	got = runCTE(t, w, Policy{Scope: PerUserDay, Ordering: LowestVariation}, d("2024-01-02"))
	assert.Equal(t, map[string]string{"u1": "control", "u2": "control", "u3": "treatment"}, got)
}

func TestCTE_NullAssignedAtMatchesInMemory(t *testing.T) {
	w := testutil.SetupWarehouse(t)
	testutil.Insert(t, w, "assignment",
		[]any{"u4", "treatment", "exp_new_ui", "2024-01-04", nil},
		[]any{"u4", "control", "exp_new_ui", "2024-01-04", "2024-01-04 08:00:00"},
	)
	records, err := Load(context.Background(), w, Table{Name: "assignment"}, "exp_new_ui")
	require.NoError(t, err)
	require.Len(t, records, 2)

	for _, p := range []Policy{
		{Scope: PerUserDay, Ordering: FirstAssigned},
		{Scope: PerUser, Ordering: LatestEventDate},
	} {
		want := Deduplicate(records, p)
		got := runCTE(t, w, p, d("2024-01-04"))
		for k, v := range want {
			assert.Equal(t, v, got[k.UserID], p.String())
		}
	}

	// a missing assignment time ranks earliest
	assert.Equal(t, "treatment", Deduplicate(records, Policy{Scope: PerUserDay, Ordering: FirstAssigned})[Key{UserID: "u4", EventDate: d("2024-01-04")}])
	assert.Equal(t, "control", Deduplicate(records, Policy{Scope: PerUser, Ordering: LatestEventDate})[Key{UserID: "u4"}])
}

func TestPolicy_OrderByRanksNullsExplicitly(t *testing.T) {
	first := Policy{Scope: PerUser, Ordering: FirstAssigned}.orderBy("ts")
	assert.Equal(t, "CASE WHEN ts IS NULL THEN 0 ELSE 1 END ASC, ts ASC, variation_id ASC", first)

	latest := Policy{Scope: PerUser, Ordering: LatestEventDate}.orderBy("ts")
	assert.Equal(t, "event_date DESC, CASE WHEN ts IS NULL THEN 0 ELSE 1 END DESC, ts DESC, variation_id ASC", latest)

	lowest := Policy{Scope: PerUser, Ordering: LowestVariation}.orderBy("ts")
	assert.Equal(t, "variation_id ASC", lowest)
}

func TestCTE_RequiresDayForPerUserDay(t *testing.T) {
	w := seed(t)
	_, err := Policy{Scope: PerUserDay, Ordering: FirstAssigned}.CTE(w.NewQuery(), Table{Name: "assignment"}, "exp", time.Time{})
	assert.Error(t, err)

	_, err = Policy{Scope: PerUser, Ordering: FirstAssigned}.CTE(w.NewQuery(), Table{Name: "assignment; --"}, "exp", time.Time{})
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	w := seed(t)

	records, err := Load(context.Background(), w, Table{Name: "assignment"}, "exp_new_ui")
	require.NoError(t, err)
	require.Len(t, records, len(sample))

	p := Policy{Scope: PerUser, Ordering: LatestEventDate}
	assert.Equal(t, Deduplicate(sample, p), Deduplicate(records, p))
}
