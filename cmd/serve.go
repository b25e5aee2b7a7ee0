package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/lehigh-university-libraries/photoqa/internal/handlers"
	"github.com/lehigh-university-libraries/photoqa/internal/images"
	"github.com/lehigh-university-libraries/photoqa/internal/retention"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	var noSweep bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the upload API and the background pipeline",
		Long: `Starts the HTTP API for uploading photo batches and querying their progress.

With the memory queue the pipeline workers run inside this process. With the
kafka queue this process only publishes tasks; run "photoqa worker" to consume them.
The retention sweeper runs here unless --no-sweep is set.`,
		Example: `  # Start server on the configured address (default :8080)
  photoqa serve

  # Start server on a custom address
  photoqa serve --addr :3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if addr != "" {
				cfg.Addr = addr
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			workersDone := make(chan struct{})
			if a.memory != nil {
				proc, err := a.processor()
				if err != nil {
					return err
				}
				go func() {
					defer close(workersDone)
					a.memory.Run(ctx, proc.Handle)
				}()
			} else {
				close(workersDone)
			}

			if !noSweep {
				sweeper := retention.NewSweeper(a.store, a.files, cfg.Retention.Window)
				go sweeper.Run(ctx, cfg.Retention.SweepInterval)
			}

			handler := handlers.New(a.batches(), images.NewFetcher())
			server := &http.Server{
				Addr:              cfg.Addr,
				Handler:           handler.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			// Start server in goroutine
			serverErr := make(chan error, 1)
			go func() {
				slog.Info("photoqa API available", "addr", cfg.Addr, "queue", cfg.Queue.Backend, "database", cfg.Database.Driver)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			// Wait for context cancellation (Ctrl+C) or server error
			select {
			case <-ctx.Done():
				slog.Info("Shutting down server...")
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("Server shutdown failed", "err", err)
					return err
				}
				cancel()
				<-workersDone
				slog.Info("Server stopped")
				return nil
			case err := <-serverErr:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Address to listen on (overrides PHOTOQA_ADDR)")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "Do not run the retention sweeper in this process")

	return cmd
}
