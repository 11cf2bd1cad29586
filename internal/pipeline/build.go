package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/varmetrics/varmetrics/internal/config"
	"github.com/varmetrics/varmetrics/internal/experiment"
	"github.com/varmetrics/varmetrics/internal/formula"
	"github.com/varmetrics/varmetrics/internal/materialize"
	"github.com/varmetrics/varmetrics/internal/metadata"
	"github.com/varmetrics/varmetrics/internal/pkg/distlock"
	"github.com/varmetrics/varmetrics/internal/pkg/httpretry"
	"github.com/varmetrics/varmetrics/internal/telemetry"
	"github.com/varmetrics/varmetrics/internal/warehouse"
)

// New opens the warehouse, metadata source and optional Redis client
// described by cfg. Callers must Close the returned context.
func New(cfg *config.Config, logger *zap.Logger) (*Context, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Warehouse.DSN == "" {
		return nil, fmt.Errorf("warehouse dsn is required (set warehouse.dsn or VARMETRICS_WAREHOUSE_DSN)")
	}

	registry, err := formula.NewRegistry(cfg.Jobs.FormulaOverrides())
	if err != nil {
		return nil, err
	}

	c := &Context{
		Tables:      cfg.Sources.Tables(),
		Registry:    registry,
		Metrics:     telemetry.New(),
		Logger:      logger,
		Workers:     cfg.Executor.Workers,
		PrepareMode: cfg.Jobs.PrepareMode,
	}

	// Open warehouse
	w, err := warehouse.Open(cfg.Warehouse.Options())
	if err != nil {
		return nil, err
	}
	c.onClose(w.Close)
	c.Warehouse = w
	c.Materializer = materialize.New(w)
	c.Ledger = materialize.NewLedger(w)

	// Redis backs the metadata cache and the run lock when configured
	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.onClose(rdb.Close)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}
	c.Locker = distlock.NewLocker(rdb, w.DB(), w.Dialect().Name, cfg.Redis.LockTTL())

	source, err := NewMetadataSource(cfg.Metadata, rdb, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Resolver = experiment.NewResolver(source)

	return c, nil
}

// NewMetadataSource builds the configured experiment lookup, cached in Redis
// when a client is given.
func NewMetadataSource(cfg config.MetadataConfig, rdb *redis.Client, logger *zap.Logger) (experiment.Lookup, error) {
	var source experiment.Lookup
	switch cfg.Source {
	case "file":
		if cfg.File == "" {
			return nil, fmt.Errorf("metadata.file is required for the file source")
		}
		f, err := metadata.LoadFile(cfg.File)
		if err != nil {
			return nil, err
		}
		// a local file needs no cache
		return f, nil
	case "growthbook", "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("growthbook api key is required (set metadata.api_key or VARMETRICS_GROWTHBOOK_API_KEY)")
		}
		client := httpretry.New(nil, cfg.MaxRetries, httpretry.WithLogger(logger))
		source = metadata.NewGrowthBook(cfg.GrowthBookURL, cfg.APIKey, client)
	default:
		return nil, fmt.Errorf("unknown metadata source %q", cfg.Source)
	}

	if rdb != nil {
		source = metadata.NewCached(source, rdb, cfg.CacheTTL(), logger)
	}
	return source, nil
}
