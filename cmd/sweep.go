package cmd

import (
	"fmt"
	"time"

	"github.com/lehigh-university-libraries/photoqa/internal/retention"
	"github.com/spf13/cobra"
)

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete batches older than the retention window once",
		Example: `  # Use RETENTION_WINDOW (default 168h)
  photoqa sweep

  # Delete everything older than two days
  photoqa sweep --window 48h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if window > 0 {
				cfg.Retention.Window = window
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			deleted, err := retention.NewSweeper(a.store, a.files, cfg.Retention.Window).Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d batches older than %s\n", deleted, cfg.Retention.Window)
			return err
		},
	}

	cmd.Flags().DurationVarP(&window, "window", "w", 0, "Retention window (overrides RETENTION_WINDOW)")

	return cmd
}
