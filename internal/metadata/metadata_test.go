package metadata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varmetrics/varmetrics/internal/experiment"
)

func growthBookServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	pages := map[string]any{
		"0": map[string]any{
			"experiments": []map[string]any{
				{"id": "exp_1", "trackingKey": "exp_new_ui", "tags": []string{"new_ui"},
					"phases": []map[string]string{
						{"dateStarted": "2023-12-01T00:00:00Z", "dateEnded": "2023-12-05T00:00:00Z"},
						{"dateStarted": "2024-01-01T08:30:00Z", "dateEnded": "2024-01-10T21:00:00Z"},
					}},
				{"id": "exp_2", "tags": []string{"draft"}, "phases": []map[string]string{}},
			},
			"hasMore": true, "nextOffset": 2,
		},
		"2": map[string]any{
			"experiments": []map[string]any{
				{"id": "exp_3", "tags": []string{"live"},
					"phases": []map[string]string{{"dateStarted": "2024-02-01T00:00:00Z"}}},
			},
			"hasMore": false,
		},
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "/api/v1/experiments", r.URL.Path)
		page, ok := pages[r.URL.Query().Get("offset")]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(page)
	}))
}

func TestGrowthBook_Lookup(t *testing.T) {
	srv := growthBookServer(t, nil)
	defer srv.Close()

	gb := NewGrowthBook(srv.URL, "secret", http.DefaultClient)
	gb.now = func() time.Time { return time.Date(2024, 2, 9, 15, 0, 0, 0, time.UTC) }

	d, err := gb.Lookup(context.Background(), "new_ui")
	require.NoError(t, err)
	assert.Equal(t, "exp_new_ui", d.Name)
	assert.Equal(t, time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC), d.PhaseStart)
	assert.Equal(t, time.Date(2024, 1, 10, 21, 0, 0, 0, time.UTC), d.PhaseEnd)

	live, err := gb.Lookup(context.Background(), "live")
	require.NoError(t, err)
	assert.Equal(t, "exp_3", live.Name, "falls back to id without a tracking key")
	assert.Equal(t, 9, live.PhaseEnd.Day(), "open phase ends now")

	_, err = gb.Lookup(context.Background(), "draft")
	assert.ErrorIs(t, err, experiment.ErrNotFound)
}

func TestGrowthBook_Unauthorized(t *testing.T) {
	srv := growthBookServer(t, nil)
	defer srv.Close()

	_, err := NewGrowthBook(srv.URL, "wrong", http.DefaultClient).Lookup(context.Background(), "new_ui")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestResolverOverGrowthBook(t *testing.T) {
	srv := growthBookServer(t, nil)
	defer srv.Close()

	r := experiment.NewResolver(NewGrowthBook(srv.URL, "secret", http.DefaultClient))
	w, err := r.Resolve(context.Background(), "new_ui")
	require.NoError(t, err)
	assert.Equal(t, "exp_new_ui", w.ExperimentID)
	assert.Equal(t, 9, w.SpanDays())
}

func TestFile(t *testing.T) {
	f, err := ParseFile([]byte(`
experiments:
  - tag: new_ui
    name: exp_new_ui
    start: "2024-01-01"
    end: "2024-01-10"
`))
	require.NoError(t, err)

	d, err := f.Lookup(context.Background(), "new_ui")
	require.NoError(t, err)
	assert.Equal(t, "exp_new_ui", d.Name)
	assert.Equal(t, "2024-01-10", d.PhaseEnd.Format(experiment.DateLayout))

	_, err = f.Lookup(context.Background(), "other")
	assert.ErrorIs(t, err, experiment.ErrNotFound)

	all, err := f.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, []string{"new_ui"}, all[0].Tags)

	_, err = ParseFile([]byte("experiments:\n  - tag: \"bad-tag\"\n    start: \"2024-01-01\"\n"))
	assert.Error(t, err)
}

func TestCached(t *testing.T) {
	var calls int32
	srv := growthBookServer(t, &calls)
	defer srv.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewCached(NewGrowthBook(srv.URL, "secret", http.DefaultClient), client, time.Minute, nil)
	ctx := context.Background()

	first, err := c.Lookup(ctx, "new_ui")
	require.NoError(t, err)
	fetches := atomic.LoadInt32(&calls)

	second, err := c.Lookup(ctx, "new_ui")
	require.NoError(t, err)
	assert.Equal(t, fetches, atomic.LoadInt32(&calls), "second lookup served from redis")
	assert.True(t, first.PhaseStart.Equal(second.PhaseStart))
	assert.Equal(t, first.Name, second.Name)

	_, err = c.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, experiment.ErrNotFound)
	assert.False(t, mr.Exists(cacheKey("missing")))

	require.NoError(t, c.Invalidate(ctx, "new_ui"))
	_, err = c.Lookup(ctx, "new_ui")
	require.NoError(t, err)
	assert.Greater(t, atomic.LoadInt32(&calls), fetches)
}

func TestCached_RedisDown(t *testing.T) {
	srv := growthBookServer(t, nil)
	defer srv.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	c := NewCached(NewGrowthBook(srv.URL, "secret", http.DefaultClient), client, time.Minute, nil)
	d, err := c.Lookup(context.Background(), "new_ui")
	require.NoError(t, err)
	assert.Equal(t, "exp_new_ui", d.Name)
}
