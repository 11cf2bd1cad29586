package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/varmetrics/varmetrics/internal/formula"
)

var listSuite string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available metrics",
	Long:  `List every metric with its family, trimming policy, dedup policy and suites.`,
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listSuite, "suite", "", "only list metrics of this suite")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry, err := formula.NewRegistry(cfg.Jobs.FormulaOverrides())
	if err != nil {
		return err
	}

	formulas, err := registry.Select(listSuite, nil)
	if err != nil {
		return err
	}

	membership := suiteMembership()

	// Print table
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tFAMILY\tTRIMMING\tDEDUP\tBREAKDOWN\tSUITE")
	for _, f := range formulas {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			f.Name(),
			f.Family(),
			f.Trimming(),
			f.Dedup(),
			f.Schema().Breakdown,
			membership[f.Name()],
		)
	}
	w.Flush()
	return nil
}

func suiteMembership() map[string]string {
	out := make(map[string]string)
	suites := []string{formula.SuiteBusiness, formula.SuiteEngagement}
	sort.Strings(suites)
	for _, suite := range suites {
		members, _ := formula.SuiteMembers(suite)
		for _, m := range members {
			out[m] = suite
		}
	}
	return out
}
