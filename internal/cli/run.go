package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/varmetrics/varmetrics/internal/config"
	"github.com/varmetrics/varmetrics/internal/formula"
	"github.com/varmetrics/varmetrics/internal/pipeline"
)

// errIncomplete makes the process exit non-zero after the summary is printed.
var errIncomplete = errors.New("one or more metrics did not complete")

var (
	runMetrics []string
	runSuite   string
	runWorkers int
	runDays    []string
	runStrict  bool
)

var runCmd = &cobra.Command{
	Use:   "run <tag>",
	Short: "Compute metrics for an experiment tag",
	Long: `Resolve the experiment behind a tag and rebuild its report tables.

Each metric is a separate job. A failed day is logged and the rest of the
window still runs; rerun just the failed days with --days.

Examples:
  varmetrics run new_ui
  varmetrics run new_ui --suite business
  varmetrics run new_ui --metrics arpu,arppu --workers 8
  varmetrics run new_ui --metrics arpu --days 2024-01-05`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&runMetrics, "metrics", "m", nil, "metrics to run (default: the configured suite)")
	cmd.Flags().StringVar(&runSuite, "suite", "", "suite to run: business, engagement or all")
	cmd.Flags().IntVarP(&runWorkers, "workers", "w", 0, "concurrent day units per metric")
	cmd.Flags().StringSliceVar(&runDays, "days", nil, "recompute only these days (YYYY-MM-DD), replacing their rows")
	cmd.Flags().BoolVar(&runStrict, "strict", false, "fail when the tag has no experiment")
}

func runRun(cmd *cobra.Command, args []string) error {
	tag := args[0]

	days, err := parseDays(runDays)
	if err != nil {
		return err
	}

	return withPipeline(func(ctx context.Context, cfg *config.Config, pc *pipeline.Context) error {
		if runWorkers > 0 {
			pc.Workers = runWorkers
		}

		formulas, err := selectFormulas(pc.Registry, cfg, runSuite, runMetrics)
		if err != nil {
			return err
		}

		summary, err := pc.Run(ctx, pipeline.Request{Tag: tag, Formulas: formulas, Days: days})
		if err != nil {
			return fmt.Errorf("failed to run %s: %w", tag, err)
		}

		printSummary(cmd.OutOrStdout(), summary)

		if err := pc.Metrics.Push(context.WithoutCancel(ctx), cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
			pc.Logger.Warn("failed to push metrics", zap.Error(err))
		}

		if summary.Skipped {
			if runStrict {
				return fmt.Errorf("no experiment found for tag %q", tag)
			}
			return nil
		}
		if !summary.OK() {
			return errIncomplete
		}
		return nil
	})
}

// selectFormulas applies, in order: explicit metrics, an explicit suite, the
// configured enabled list, the configured suite.
func selectFormulas(r *formula.Registry, cfg *config.Config, suite string, metrics []string) ([]formula.Formula, error) {
	if len(metrics) > 0 {
		return r.Select("", metrics)
	}
	if suite != "" {
		return r.Select(suite, nil)
	}
	return r.Select(cfg.Jobs.Suite, cfg.Jobs.Enabled)
}

func printSummary(out io.Writer, s *pipeline.Summary) {
	if s.Skipped {
		fmt.Fprintf(out, "No experiment found for tag %s, nothing to do.\n", s.Tag)
		return
	}

	fmt.Fprintf(out, "Experiment: %s\n", s.Window.ExperimentID)
	fmt.Fprintf(out, "Window:     %s\n", s.Window.String())
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tTABLE\tSTATUS\tDAYS\tFAILED\tROWS\tDURATION")
	for _, r := range s.Results {
		days, failed, rows := 0, 0, 0
		if r.Report != nil {
			days = len(r.Report.Days)
			failed = len(r.Report.Failed)
			rows = r.Report.Rows
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.Metric,
			r.Table,
			r.Status,
			days,
			failed,
			rows,
			formatDuration(r.Duration),
		)
	}
	w.Flush()

	// Details for anything that did not complete
	for _, r := range s.Results {
		if r.Err != nil {
			fmt.Fprintf(out, "\n%s: %v\n", r.Metric, r.Err)
		}
		if r.Report == nil {
			continue
		}
		for _, ue := range r.Report.Failed {
			fmt.Fprintf(out, "  failed %s\n", ue.Error())
		}
		if n := len(r.Report.Skipped); n > 0 {
			fmt.Fprintf(out, "  %s: %d day(s) not started\n", r.Metric, n)
		}
	}

	fmt.Fprintf(out, "\nTotal time: %s\n", formatDuration(s.Elapsed))
}
