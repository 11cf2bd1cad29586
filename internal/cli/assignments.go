package cli

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/varmetrics/varmetrics/internal/assignment"
	"github.com/varmetrics/varmetrics/internal/config"
	"github.com/varmetrics/varmetrics/internal/experiment"
	"github.com/varmetrics/varmetrics/internal/pipeline"
)

var (
	assignScope    string
	assignOrdering string
	assignMetric   string
	assignDay      string
)

var assignmentsCmd = &cobra.Command{
	Use:   "assignments <tag>",
	Short: "Count deduplicated assignments per variation",
	Long: `Load every raw assignment of the experiment behind a tag, deduplicate
them with a policy and print how many users each variation keeps.

The policy comes from --metric, or from --scope and --ordering.

Examples:
  varmetrics assignments new_ui
  varmetrics assignments new_ui --metric arpu --day 2024-01-05
  varmetrics assignments new_ui --scope per-user --ordering first-assigned`,
	Args: cobra.ExactArgs(1),
	RunE: runAssignments,
}

func init() {
	assignmentsCmd.Flags().StringVar(&assignScope, "scope", string(assignment.PerUserDay), "dedup scope: per-user or per-user-day")
	assignmentsCmd.Flags().StringVar(&assignOrdering, "ordering", string(assignment.LatestEventDate), "dedup ordering: latest-event-date, first-assigned or lowest-variation")
	assignmentsCmd.Flags().StringVar(&assignMetric, "metric", "", "use the dedup policy of this metric")
	assignmentsCmd.Flags().StringVar(&assignDay, "day", "", "only count this day (YYYY-MM-DD, per-user-day scope)")
	rootCmd.AddCommand(assignmentsCmd)
}

// VariationCount is the deduplicated population of one variation.
type VariationCount struct {
	VariationID string
	Users       int
}

// countAssignments deduplicates records and tallies them per variation. A
// non-zero day keeps only scope keys on that day.
func countAssignments(records []assignment.Record, p assignment.Policy, day time.Time) []VariationCount {
	dedup := assignment.Deduplicate(records, p)
	if !day.IsZero() {
		for k := range dedup {
			if !k.EventDate.Equal(day) {
				delete(dedup, k)
			}
		}
	}

	var out []VariationCount
	for v, n := range assignment.CountByVariation(dedup) {
		out = append(out, VariationCount{VariationID: v, Users: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariationID < out[j].VariationID })
	return out
}

func runAssignments(cmd *cobra.Command, args []string) error {
	tag := args[0]

	policy := assignment.Policy{Scope: assignment.Scope(assignScope), Ordering: assignment.Ordering(assignOrdering)}

	var day time.Time
	if assignDay != "" {
		var err error
		if day, err = experiment.ParseDay(assignDay); err != nil {
			return err
		}
	}

	return withPipeline(func(ctx context.Context, cfg *config.Config, pc *pipeline.Context) error {
		if assignMetric != "" {
			f, err := pc.Registry.Lookup(assignMetric)
			if err != nil {
				return err
			}
			policy = f.Dedup()
		}
		if err := policy.Validate(); err != nil {
			return err
		}
		if !day.IsZero() && policy.Scope != assignment.PerUserDay {
			return fmt.Errorf("--day needs the %s scope", assignment.PerUserDay)
		}

		w, err := pc.Resolver.Resolve(ctx, tag)
		if err != nil {
			return err
		}

		records, err := assignment.Load(ctx, pc.Warehouse, pc.Tables.Assignment, w.ExperimentID)
		if err != nil {
			return err
		}

		counts := countAssignments(records, policy, day)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Experiment: %s\n", w.ExperimentID)
		fmt.Fprintf(out, "Policy:     %s\n", policy)
		fmt.Fprintf(out, "Raw rows:   %d\n\n", len(records))

		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "VARIATION\tUSERS")
		total := 0
		for _, c := range counts {
			fmt.Fprintf(tw, "%s\t%d\n", c.VariationID, c.Users)
			total += c.Users
		}
		fmt.Fprintf(tw, "TOTAL\t%d\n", total)
		tw.Flush()
		return nil
	})
}
