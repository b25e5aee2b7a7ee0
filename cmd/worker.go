package cmd

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
)

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume pipeline tasks from Kafka",
		Long: `Runs the photo pipeline against tasks published to Kafka by "photoqa serve".

Several workers may share the consumer group; tasks for one batch are keyed by
batch id and stay on one partition.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cfg.Queue.Backend != "kafka" {
				return errors.New(`worker requires QUEUE_BACKEND=kafka; the memory queue runs inside "photoqa serve"`)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			proc, err := a.processor()
			if err != nil {
				return err
			}

			slog.Info("Worker started", "brokers", cfg.Queue.Brokers, "topic", cfg.Queue.Topic, "group_id", cfg.Queue.GroupID)
			if err := a.kafka.Consume(ctx, proc.Handle); err != nil && ctx.Err() == nil {
				return err
			}
			slog.Info("Worker stopped")
			return nil
		},
	}
}
