package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/varmetrics/varmetrics/internal/config"
	"github.com/varmetrics/varmetrics/internal/export"
	"github.com/varmetrics/varmetrics/internal/formula"
	"github.com/varmetrics/varmetrics/internal/materialize"
	"github.com/varmetrics/varmetrics/internal/report"
	"github.com/varmetrics/varmetrics/internal/warehouse"
)

var showLimit int

var showCmd = &cobra.Command{
	Use:   "show <tag> <metric>",
	Short: "Show a report table",
	Long: `Print the rows of tbl_report_<metric>_<tag> ordered by day and variation.

Example:
  varmetrics show new_ui arpu --limit 20`,
	Args: cobra.ExactArgs(2),
	RunE: runShow,
}

func init() {
	showCmd.Flags().IntVarP(&showLimit, "limit", "n", 100, "maximum rows to print (0 for all)")
	rootCmd.AddCommand(showCmd)
}

// reportTable resolves a metric and tag to the table name and its schema.
func reportTable(cfg *config.Config, metric, tag string) (string, report.Schema, error) {
	registry, err := formula.NewRegistry(cfg.Jobs.FormulaOverrides())
	if err != nil {
		return "", report.Schema{}, err
	}
	f, err := registry.Lookup(metric)
	if err != nil {
		return "", report.Schema{}, err
	}
	return report.TableName(f.Name(), tag), f.Schema(), nil
}

func runShow(cmd *cobra.Command, args []string) error {
	tag, metric := args[0], args[1]

	return withWarehouse(func(ctx context.Context, cfg *config.Config, wh *warehouse.Warehouse) error {
		table, schema, err := reportTable(cfg, metric, tag)
		if err != nil {
			return err
		}

		m := materialize.New(wh)
		if !m.Exists(ctx, table, schema) {
			return fmt.Errorf("table '%s' not found, run 'varmetrics run %s' first", table, tag)
		}

		rows, err := m.Read(ctx, table, schema, showLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(rows) == 0 {
			fmt.Fprintf(out, "%s is empty.\n", table)
			return nil
		}

		header := export.Header(schema)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, strings.ToUpper(strings.Join(header, "\t")))
		for _, r := range rows {
			fmt.Fprintln(w, strings.Join(rowCells(schema, r), "\t"))
		}
		w.Flush()
		return nil
	})
}

func rowCells(s report.Schema, r report.Row) []string {
	cells := []string{r.EventDate.Format("2006-01-02"), r.VariationID}
	if s.Breakdown == report.BreakdownCountry {
		cells = append(cells, r.Country)
	}
	for _, c := range s.Values {
		v := export.FormatValue(r.Values[c.Name])
		if v == "" {
			v = "-"
		}
		cells = append(cells, v)
	}
	return cells
}
