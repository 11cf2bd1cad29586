package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/varmetrics/varmetrics/internal/config"
	"github.com/varmetrics/varmetrics/internal/pipeline"
	"github.com/varmetrics/varmetrics/internal/scheduler"
	"github.com/varmetrics/varmetrics/internal/server"
)

var (
	serveListen string
	serveToken  string
	serveCron   string
	serveTags   []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daily schedule and the HTTP API",
	Long: `Run every scheduled tag on a cron schedule and serve the HTTP API.

The server provides:
  - Health check endpoint (/healthz)
  - Prometheus metrics (/metrics)
  - Run ledger, schedule status and manual triggers (/api/...)

Example:
  varmetrics serve --cron "0 3 * * *" --tags new_ui,checkout_v2`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (default: schedule.listen)")
	serveCmd.Flags().StringVar(&serveToken, "token", getEnvOrDefault("VARMETRICS_API_TOKEN", ""), "bearer token for the /api endpoints")
	serveCmd.Flags().StringVar(&serveCron, "cron", "", "cron schedule (default: schedule.cron)")
	serveCmd.Flags().StringSliceVar(&serveTags, "tags", nil, "tags to run on schedule (default: schedule.tags)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	return withPipeline(func(ctx context.Context, cfg *config.Config, pc *pipeline.Context) error {
		if serveListen != "" {
			cfg.Schedule.Listen = serveListen
		}
		if serveCron != "" {
			cfg.Schedule.Cron = serveCron
		}
		if len(serveTags) > 0 {
			cfg.Schedule.Tags = serveTags
		}

		formulas, err := selectFormulas(pc.Registry, cfg, "", nil)
		if err != nil {
			return err
		}

		run := func(ctx context.Context, tag string) (*pipeline.Summary, error) {
			summary, err := pc.Run(ctx, pipeline.Request{Tag: tag, Formulas: formulas})
			if pushErr := pc.Metrics.Push(context.WithoutCancel(ctx), cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); pushErr != nil {
				pc.Logger.Warn("failed to push metrics", zap.Error(pushErr))
			}
			return summary, err
		}

		// Scheduler is optional; without it the API is read-only
		var sched *scheduler.Scheduler
		if cfg.Schedule.Cron != "" {
			if len(cfg.Schedule.Tags) == 0 {
				return fmt.Errorf("schedule.cron is set but no tags are scheduled")
			}
			sched, err = scheduler.New(cfg.Schedule.Cron, cfg.Schedule.Tags, run, pc.Logger)
			if err != nil {
				return err
			}
			if err := sched.Start(); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
			defer sched.Stop()
		}

		if err := pc.Ledger.Ensure(ctx); err != nil {
			return err
		}

		srv := server.New(pc.Ledger, pc.Metrics, sched, cfg.Schedule.Listen, serveToken, pc.Logger)
		return srv.Start(ctx)
	})
}
