package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/varmetrics/varmetrics/internal/experiment"
)

const DefaultCacheTTL = 10 * time.Minute

// Cached keeps lookups in Redis. Misses are not cached, so a newly tagged
// experiment shows up on the next run. Redis errors fall through to the source.
type Cached struct {
	next   experiment.Lookup
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCached(next experiment.Lookup, client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{next: next, client: client, ttl: ttl, logger: logger}
}

func cacheKey(tag string) string {
	return "varmetrics:experiment:" + tag
}

func (c *Cached) Lookup(ctx context.Context, tag string) (*experiment.Details, error) {
	raw, err := c.client.Get(ctx, cacheKey(tag)).Bytes()
	switch {
	case err == nil:
		var d experiment.Details
		if err := json.Unmarshal(raw, &d); err == nil {
			return &d, nil
		}
		c.logger.Warn("discarding corrupt metadata cache entry", zap.String("tag", tag))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("metadata cache unavailable", zap.String("tag", tag), zap.Error(err))
	}

	d, err := c.next.Lookup(ctx, tag)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(d); err == nil {
		if err := c.client.Set(ctx, cacheKey(tag), data, c.ttl).Err(); err != nil {
			c.logger.Warn("failed to cache metadata", zap.String("tag", tag), zap.Error(err))
		}
	}
	return d, nil
}

// Invalidate forgets the cached experiment for tag.
func (c *Cached) Invalidate(ctx context.Context, tag string) error {
	return c.client.Del(ctx, cacheKey(tag)).Err()
}
