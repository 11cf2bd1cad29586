package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/varmetrics/varmetrics/internal/config"
	"github.com/varmetrics/varmetrics/internal/materialize"
	"github.com/varmetrics/varmetrics/internal/warehouse"
)

func newRunsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [tag]",
		Short: "Show the run ledger",
		Long: `List recorded metric runs, newest first, optionally for one tag.

Examples:
  varmetrics runs
  varmetrics runs new_ui --limit 50`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag := ""
			if len(args) == 1 {
				tag = args[0]
			}

			return withWarehouse(func(ctx context.Context, cfg *config.Config, wh *warehouse.Warehouse) error {
				ledger := materialize.NewLedger(wh)
				if err := ledger.Ensure(ctx); err != nil {
					return err
				}

				runs, err := ledger.List(ctx, tag, limit)
				if err != nil {
					return fmt.Errorf("failed to list runs: %w", err)
				}

				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs recorded yet.")
					return nil
				}
				printRuns(out, runs)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to show (0 for all)")
	return cmd
}

func init() {
	rootCmd.AddCommand(newRunsCmd())
}

func printRuns(out io.Writer, runs []materialize.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tTAG\tMETRIC\tSTATUS\tDAYS\tFAILED\tROWS\tDURATION\tRUN ID")
	for _, r := range runs {
		duration := "-"
		if !r.FinishedAt.IsZero() {
			duration = formatDuration(r.FinishedAt.Sub(r.StartedAt))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Tag,
			r.Metric,
			r.Status,
			r.DaysTotal,
			r.DaysFailed,
			r.RowsWritten,
			duration,
			r.ID,
		)
	}
	w.Flush()
}
