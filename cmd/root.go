package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/lehigh-university-libraries/photoqa/internal/config"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "photoqa",
		Short: "Answer photographed questions by racing several LLM providers",
		Long: `photoqa accepts batches of photos of written questions, extracts the
question text with OCR and asks every configured LLM provider for a solution,
keeping the first successful answer.

Photos are processed one at a time per batch by a background pipeline backed
by an in-process queue or Kafka.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if opts.logLevel != "" {
				cfg.LogLevel = opts.logLevel
			}
			setupLogger(cfg)
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: DEBUG, INFO, WARN or ERROR (overrides LOG_LEVEL)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newWorkerCmd(opts))
	cmd.AddCommand(newSweepCmd(opts))
	cmd.AddCommand(newExportCmd(opts))
	cmd.AddCommand(newEvalCmd(opts))

	return cmd
}

func setupLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}
