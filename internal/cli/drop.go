package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/varmetrics/varmetrics/internal/config"
	"github.com/varmetrics/varmetrics/internal/experiment"
	"github.com/varmetrics/varmetrics/internal/formula"
	"github.com/varmetrics/varmetrics/internal/materialize"
	"github.com/varmetrics/varmetrics/internal/report"
	"github.com/varmetrics/varmetrics/internal/warehouse"
)

func newDropCmd() *cobra.Command {
	var (
		yes     bool
		metrics []string
	)

	cmd := &cobra.Command{
		Use:   "drop <tag>",
		Short: "Drop the report tables of a tag",
		Long: `Drop every existing tbl_report_<metric>_<tag> table of a tag, or only
those of --metrics. Asks for confirmation unless --yes is set.

Examples:
  varmetrics drop old_test
  varmetrics drop old_test --metrics arpu,arppu --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag := args[0]
			if err := experiment.ValidateTag(tag); err != nil {
				return err
			}

			return withWarehouse(func(ctx context.Context, cfg *config.Config, wh *warehouse.Warehouse) error {
				registry, err := formula.NewRegistry(cfg.Jobs.FormulaOverrides())
				if err != nil {
					return err
				}
				formulas, err := registry.Select(formula.SuiteAll, metrics)
				if err != nil {
					return err
				}

				m := materialize.New(wh)
				tables := existingTables(ctx, m, tag, formulas)

				out := cmd.OutOrStdout()
				if len(tables) == 0 {
					fmt.Fprintf(out, "No report tables found for %s.\n", tag)
					return nil
				}

				for _, table := range tables {
					fmt.Fprintf(out, "  %s\n", table)
				}
				if !yes {
					ok, err := confirm(fmt.Sprintf("Drop %d table(s)", len(tables)))
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(out, "Aborted.")
						return nil
					}
				}

				for _, table := range tables {
					if err := m.Drop(ctx, table); err != nil {
						return err
					}
				}
				fmt.Fprintf(out, "Dropped %d table(s)\n", len(tables))
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.Flags().StringSliceVarP(&metrics, "metrics", "m", nil, "only drop these metrics' tables")
	return cmd
}

func init() {
	rootCmd.AddCommand(newDropCmd())
}

// existingTables lists the report tables of tag that can be read with their
// metric's schema.
func existingTables(ctx context.Context, m *materialize.Materializer, tag string, formulas []formula.Formula) []string {
	var tables []string
	for _, f := range formulas {
		table := report.TableName(f.Name(), tag)
		if m.Exists(ctx, table, f.Schema()) {
			tables = append(tables, table)
		}
	}
	return tables
}

// confirm asks a yes/no question on the terminal.
func confirm(label string) (bool, error) {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}

	_, err := prompt.Run()
	if errors.Is(err, promptui.ErrAbort) {
		return false, nil
	}
	if errors.Is(err, promptui.ErrInterrupt) {
		return false, fmt.Errorf("cancelled")
	}
	if err != nil {
		return false, fmt.Errorf("prompt failed: %w", err)
	}
	return true, nil
}
