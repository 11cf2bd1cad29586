package cli

import (
	"bytes"
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/varmetrics/varmetrics/internal/config"
	"github.com/varmetrics/varmetrics/internal/export"
	"github.com/varmetrics/varmetrics/internal/materialize"
	"github.com/varmetrics/varmetrics/internal/warehouse"
)

var (
	exportFormat string
	exportS3     bool
	exportBucket string
)

var exportCmd = &cobra.Command{
	Use:   "export <tag> <metric>",
	Short: "Export a report table",
	Long: `Export a report table in CSV or JSON format, to stdout or to S3.

Examples:
  varmetrics export new_ui arpu --format csv > arpu-new_ui.csv
  varmetrics export new_ui arpu --format json
  varmetrics export new_ui arpu --s3 --bucket s3://reports/varmetrics`,
	Args: cobra.ExactArgs(2),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "output format (csv or json)")
	exportCmd.Flags().BoolVar(&exportS3, "s3", false, "upload to S3 instead of writing to stdout")
	exportCmd.Flags().StringVar(&exportBucket, "bucket", "", "s3://bucket/prefix (default: export.bucket from config)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	tag, metric := args[0], args[1]

	format, err := export.ParseFormat(exportFormat)
	if err != nil {
		return err
	}

	return withWarehouse(func(ctx context.Context, cfg *config.Config, wh *warehouse.Warehouse) error {
		table, schema, err := reportTable(cfg, metric, tag)
		if err != nil {
			return err
		}

		m := materialize.New(wh)
		if !m.Exists(ctx, table, schema) {
			return fmt.Errorf("table '%s' not found", table)
		}

		rows, err := m.Read(ctx, table, schema, 0)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", table, err)
		}

		if !exportS3 {
			return export.Write(cmd.OutOrStdout(), format, table, schema, rows)
		}

		// Upload
		bucket, prefix := cfg.Export.Bucket, cfg.Export.Prefix
		if exportBucket != "" {
			if bucket, prefix, err = export.ParseS3URL(exportBucket); err != nil {
				return err
			}
		}
		if bucket == "" {
			return fmt.Errorf("no bucket configured (set export.bucket or --bucket)")
		}

		var buf bytes.Buffer
		if err := export.Write(&buf, format, table, schema, rows); err != nil {
			return err
		}

		uploader, err := export.NewS3Uploader(ctx, cfg.Export.Region, bucket, prefix)
		if err != nil {
			return err
		}
		url, err := uploader.Upload(ctx, table+"."+string(format), &buf, format.ContentType())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d rows to %s\n", len(rows), url)
		return nil
	})
}
