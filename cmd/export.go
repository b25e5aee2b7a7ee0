package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lehigh-university-libraries/photoqa/internal/export"
	"github.com/spf13/cobra"
)

func newExportCmd(opts *rootOptions) *cobra.Command {
	var batchID, format, output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a batch with its questions and answers",
		Example: `  # Nested YAML to stdout
  photoqa export --batch 3f2c...

  # One Parquet row per photo
  photoqa export --batch 3f2c... --format parquet --output batch.parquet`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchID == "" {
				return errors.New("--batch is required")
			}
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.batches().Get(cmd.Context(), batchID)
			if err != nil {
				return fmt.Errorf("failed to load batch %s: %w", batchID, err)
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer file.Close()
				w = file
			} else if f == export.FormatParquet {
				return errors.New("--output is required for parquet exports")
			}

			if err := export.Write(w, report, f); err != nil {
				return err
			}
			if output != "" && output != "-" {
				slog.Info("Batch exported", "batch_id", batchID, "format", f, "output", output, "photos", len(report.Photos))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&batchID, "batch", "b", "", "Batch id to export")
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "Output format: yaml or parquet")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout for yaml)")

	return cmd
}
