package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "varmetrics",
	Short: "Daily per-variation experiment metrics",
	Long: `varmetrics computes day-by-day, per-variation business and engagement
metrics for A/B experiments and materializes each metric as a report table
named tbl_report_<metric>_<tag>.

Running with a tag and no subcommand runs every enabled metric for it
(same as 'varmetrics run <tag>').`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runRun(cmd, args)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getEnvOrDefault("VARMETRICS_CONFIG", "varmetrics.yaml"), "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json or console)")

	// the bare-tag form accepts the run flags too
	addRunFlags(rootCmd)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
