// Package metadata looks up experiment phases by tag.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/varmetrics/varmetrics/internal/experiment"
	"github.com/varmetrics/varmetrics/internal/pkg/httpretry"
)

const DefaultGrowthBookURL = "https://api.growthbook.io"

// GrowthBook reads experiments from the GrowthBook REST API.
type GrowthBook struct {
	baseURL  string
	apiKey   string
	client   httpretry.HTTPDoer
	pageSize int
	now      func() time.Time
}

func NewGrowthBook(baseURL, apiKey string, client httpretry.HTTPDoer) *GrowthBook {
	if baseURL == "" {
		baseURL = DefaultGrowthBookURL
	}
	if client == nil {
		client = httpretry.New(nil, 3)
	}
	return &GrowthBook{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		client:   client,
		pageSize: 100,
		now:      time.Now,
	}
}

type gbPhase struct {
	DateStarted string `json:"dateStarted"`
	DateEnded   string `json:"dateEnded"`
}

type gbExperiment struct {
	ID          string    `json:"id"`
	TrackingKey string    `json:"trackingKey"`
	Name        string    `json:"name"`
	Tags        []string  `json:"tags"`
	Archived    bool      `json:"archived"`
	Phases      []gbPhase `json:"phases"`
}

type gbPage struct {
	Experiments []gbExperiment `json:"experiments"`
	HasMore     bool           `json:"hasMore"`
	NextOffset  *int           `json:"nextOffset"`
}

// Lookup returns the experiment carrying tag. When several do, the one whose
// latest phase started last wins.
func (g *GrowthBook) Lookup(ctx context.Context, tag string) (*experiment.Details, error) {
	all, err := g.List(ctx)
	if err != nil {
		return nil, err
	}

	var best *experiment.Details
	for i := range all {
		d := &all[i]
		if !hasTag(d.Tags, tag) {
			continue
		}
		if best == nil || d.PhaseStart.After(best.PhaseStart) {
			best = d
		}
	}
	if best == nil {
		return nil, experiment.ErrNotFound
	}
	return best, nil
}

// List pages through every experiment that has at least one phase.
func (g *GrowthBook) List(ctx context.Context) ([]experiment.Details, error) {
	var out []experiment.Details
	offset := 0

	for {
		page, err := g.fetch(ctx, offset)
		if err != nil {
			return nil, err
		}
		for _, e := range page.Experiments {
			d, ok := g.convert(e)
			if ok {
				out = append(out, d)
			}
		}

		if !page.HasMore {
			return out, nil
		}
		next := offset + len(page.Experiments)
		if page.NextOffset != nil {
			next = *page.NextOffset
		}
		if next <= offset {
			return nil, fmt.Errorf("growthbook pagination stalled at offset %d", offset)
		}
		offset = next
	}
}

func (g *GrowthBook) fetch(ctx context.Context, offset int) (*gbPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(g.pageSize))
	q.Set("offset", strconv.Itoa(offset))
	endpoint := g.baseURL + "/api/v1/experiments?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build growthbook request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch experiments: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("growthbook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page gbPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode experiments: %w", err)
	}
	return &page, nil
}

// convert keeps the latest phase. A phase without an end date is still running
// and ends today.
func (g *GrowthBook) convert(e gbExperiment) (experiment.Details, bool) {
	if len(e.Phases) == 0 {
		return experiment.Details{}, false
	}
	phase := e.Phases[len(e.Phases)-1]

	start, err := parseTimestamp(phase.DateStarted)
	if err != nil {
		return experiment.Details{}, false
	}
	end := g.now().UTC()
	if phase.DateEnded != "" {
		if end, err = parseTimestamp(phase.DateEnded); err != nil {
			return experiment.Details{}, false
		}
	}

	name := e.TrackingKey
	if name == "" {
		name = e.ID
	}
	return experiment.Details{
		ID:         e.ID,
		Name:       name,
		Tags:       e.Tags,
		PhaseStart: start,
		PhaseEnd:   end,
	}, true
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", experiment.DateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
