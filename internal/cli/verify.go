package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/varmetrics/varmetrics/internal/config"
	"github.com/varmetrics/varmetrics/internal/experiment"
	"github.com/varmetrics/varmetrics/internal/formula"
	"github.com/varmetrics/varmetrics/internal/materialize"
	"github.com/varmetrics/varmetrics/internal/pipeline"
	"github.com/varmetrics/varmetrics/internal/report"
)

var (
	verifyMetrics []string
	verifySuite   string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <tag>",
	Short: "Check report tables for missing days",
	Long: `Compare each report table of a tag against the analysis days of the
experiment window. A day is missing when it has no rows and short when it
has fewer rows than the experiment has variations. Country breakdowns only
have rows where the day's cohort has users, so they are judged by the last
recorded run instead. Any table whose last run did not complete is
incomplete.

Exits non-zero when any table is incomplete, so the missing days can be
rerun with 'varmetrics run <tag> --metrics <metric> --days <days>'.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringSliceVarP(&verifyMetrics, "metrics", "m", nil, "metrics to verify (default: the configured suite)")
	verifyCmd.Flags().StringVar(&verifySuite, "suite", "", "suite to verify")
	rootCmd.AddCommand(verifyCmd)
}

// tableCheck is the coverage of one report table.
type tableCheck struct {
	Metric   string
	Table    string
	Expected int
	Missing  []string
	Short    []string
	Status   materialize.RunStatus
	Err      error
}

func (c tableCheck) ok() bool {
	if c.Err != nil || len(c.Missing) > 0 || len(c.Short) > 0 {
		return false
	}
	switch c.Status {
	case materialize.StatusComplete, materialize.StatusSkipped, "":
		return true
	}
	return false
}

// checkCoverage compares per-day row counts with the expected days. Country
// breakdowns only need one row per variation per day.
func checkCoverage(days []time.Time, counts map[string]int64, variations int) (missing, short []string) {
	for _, d := range days {
		key := d.Format(experiment.DateLayout)
		n := counts[key]
		switch {
		case n == 0:
			missing = append(missing, key)
		case int(n) < variations:
			short = append(short, key)
		}
	}
	return missing, short
}

func verifyFormula(ctx context.Context, pc *pipeline.Context, tag string, w experiment.Window, variations []string, f formula.Formula) tableCheck {
	check := tableCheck{Metric: f.Name(), Table: report.TableName(f.Name(), tag)}

	rng, err := experiment.NewRange(w, f.Trimming())
	if errors.Is(err, experiment.ErrWindowTooShort) {
		check.Status = materialize.StatusSkipped
		return check
	}
	if err != nil {
		check.Err = err
		return check
	}
	check.Expected = rng.Len()

	if !pc.Materializer.Exists(ctx, check.Table, f.Schema()) {
		check.Err = fmt.Errorf("table does not exist")
		return check
	}

	run, err := pc.Ledger.Latest(ctx, tag, f.Name())
	switch {
	case err == nil:
		check.Status = run.Status
	case !errors.Is(err, materialize.ErrNotFound):
		check.Err = err
		return check
	}

	if f.Schema().Breakdown == report.BreakdownCountry {
		if run == nil {
			check.Err = fmt.Errorf("no recorded run")
		}
		return check
	}

	counts, err := pc.Materializer.CountByDate(ctx, check.Table)
	if err != nil {
		check.Err = err
		return check
	}
	check.Missing, check.Short = checkCoverage(rng.Days, counts, len(variations))
	return check
}

func runVerify(cmd *cobra.Command, args []string) error {
	tag := args[0]

	return withPipeline(func(ctx context.Context, cfg *config.Config, pc *pipeline.Context) error {
		formulas, err := selectFormulas(pc.Registry, cfg, verifySuite, verifyMetrics)
		if err != nil {
			return err
		}

		w, err := pc.Resolver.Resolve(ctx, tag)
		if err != nil {
			return err
		}

		variations, err := pc.Warehouse.Variations(ctx, pc.Tables.Assignment.Name, w.ExperimentID)
		if err != nil {
			return err
		}

		// Ledger may not exist yet on a fresh warehouse
		if err := pc.Ledger.Ensure(ctx); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Experiment: %s (%s), %d variations\n\n", w.ExperimentID, w.String(), len(variations))

		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "METRIC\tTABLE\tEXPECTED\tMISSING\tSHORT\tLAST RUN\tRESULT")

		var checks []tableCheck
		incomplete := false
		for _, f := range formulas {
			c := verifyFormula(ctx, pc, tag, w, variations, f)
			checks = append(checks, c)

			result := "ok"
			if !c.ok() {
				result = "INCOMPLETE"
				incomplete = true
			}
			status := string(c.Status)
			if status == "" {
				status = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				c.Metric, c.Table, c.Expected, len(c.Missing), len(c.Short), status, result)
		}
		tw.Flush()

		for _, c := range checks {
			if c.Err != nil {
				fmt.Fprintf(out, "\n%s: %v\n", c.Metric, c.Err)
				continue
			}
			if days := append(append([]string(nil), c.Missing...), c.Short...); len(days) > 0 {
				fmt.Fprintf(out, "\n%s: rerun with --metrics %s --days %s\n", c.Metric, c.Metric, strings.Join(days, ","))
			} else if !c.ok() {
				fmt.Fprintf(out, "\n%s: last run is %s, rerun with --metrics %s\n", c.Metric, c.Status, c.Metric)
			}
		}

		if incomplete {
			return errIncomplete
		}
		return nil
	})
}

