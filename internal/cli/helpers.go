package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/varmetrics/varmetrics/internal/config"
	"github.com/varmetrics/varmetrics/internal/experiment"
	"github.com/varmetrics/varmetrics/internal/logging"
	"github.com/varmetrics/varmetrics/internal/pipeline"
	"github.com/varmetrics/varmetrics/internal/warehouse"
)

// loadConfig reads the config file and environment and applies CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// withPipeline builds the pipeline context, executes the function, and handles cleanup.
func withPipeline(fn func(context.Context, *config.Config, *pipeline.Context) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	pc, err := pipeline.New(cfg, logger)
	if err != nil {
		return err
	}
	defer pc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, cfg, pc)
}

// withWarehouse opens only the warehouse, for commands that read report tables.
func withWarehouse(fn func(context.Context, *config.Config, *warehouse.Warehouse) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Warehouse.DSN == "" {
		return fmt.Errorf("warehouse dsn is required (set warehouse.dsn or VARMETRICS_WAREHOUSE_DSN)")
	}

	w, err := warehouse.Open(cfg.Warehouse.Options())
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, cfg, w)
}

func newLogger(cfg *config.Config) *zap.Logger {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// parseDays parses comma separated or repeated YYYY-MM-DD values.
func parseDays(values []string) ([]time.Time, error) {
	var days []time.Time
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			d, err := experiment.ParseDay(part)
			if err != nil {
				return nil, err
			}
			days = append(days, d)
		}
	}
	return days, nil
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(10 * time.Millisecond).String()
}
