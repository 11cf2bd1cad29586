package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/varmetrics/varmetrics/internal/experiment"
	"github.com/varmetrics/varmetrics/internal/pipeline"
)

var experimentsCmd = &cobra.Command{
	Use:   "experiments",
	Short: "List experiments known to the metadata source",
	Long:  `List experiments with their tags and the phase window a run would use.`,
	Args:  cobra.NoArgs,
	RunE:  runExperiments,
}

func init() {
	rootCmd.AddCommand(experimentsCmd)
}

type experimentLister interface {
	List(ctx context.Context) ([]experiment.Details, error)
}

func runExperiments(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Sync()

	// No Redis here: listing always reads the source directly
	lookup, err := pipeline.NewMetadataSource(cfg.Metadata, nil, logger)
	if err != nil {
		return err
	}
	src, ok := lookup.(experimentLister)
	if !ok {
		return fmt.Errorf("metadata source %q cannot list experiments", cfg.Metadata.Source)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	all, err := src.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list experiments: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(all) == 0 {
		fmt.Fprintln(out, "No experiments found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXPERIMENT\tTAGS\tSTART\tEND\tDAYS")
	for _, d := range all {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			d.Name,
			strings.Join(d.Tags, ","),
			d.PhaseStart.Format(experiment.DateLayout),
			d.PhaseEnd.Format(experiment.DateLayout),
			experiment.DaysBetween(d.PhaseStart, d.PhaseEnd)+1,
		)
	}
	w.Flush()
	return nil
}
