package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/lehigh-university-libraries/photoqa/internal/eval"
	"github.com/lehigh-university-libraries/photoqa/internal/eval/dataset"
	"github.com/lehigh-university-libraries/photoqa/internal/eval/metrics"
	"github.com/lehigh-university-libraries/photoqa/internal/eval/results"
	"github.com/spf13/cobra"
)

func newEvalCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluation tools",
		Long: `Evaluation tools for measuring OCR accuracy against labelled photos.

Results are written as YAML under evals/ so runs with different engines can be compared.`,
	}

	cmd.AddCommand(newEvalOCRCmd(opts))

	return cmd
}

func newEvalOCRCmd(opts *rootOptions) *cobra.Command {
	var datasetPath, outputDir string
	var sampleSize, concurrency int

	cmd := &cobra.Command{
		Use:   "ocr",
		Short: "Score the configured OCR engine by character error rate",
		Long: `Runs the configured OCR engine on every {image_path, expected_text} item of a
JSONL or Parquet dataset and reports character error rate statistics.

Relative image paths are resolved against the dataset's directory.`,
		Example: `  # Score tesseract on the first 50 samples
  photoqa eval ocr --dataset questions.jsonl --sample 50

  # Score a vision model
  OCR_ENGINE=vision OCR_VISION_MODEL=llava photoqa eval ocr --dataset questions.parquet`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg

			loader := dataset.NewLoader(datasetPath)
			var samples []dataset.Sample
			var err error
			if sampleSize > 0 {
				slog.Info("Loading sample from dataset", "limit", sampleSize)
				samples, err = loader.LoadSample(sampleSize)
			} else {
				slog.Info("Loading full dataset")
				samples, err = loader.Load()
			}
			if err != nil {
				return fmt.Errorf("failed to load dataset: %w", err)
			}
			slog.Info("Dataset loaded", "samples", len(samples))

			extractor, err := newOCRService(cfg)
			if err != nil {
				return err
			}

			evalResults := eval.NewRunner(extractor, concurrency).Run(cmd.Context(), samples, loader.Dir())
			agg := metrics.AggregateEvaluationResults(evalResults, cfg.OCR.Engine)

			path, err := results.SaveToYAML(outputDir, results.EvalConfig{
				Engine:      cfg.OCR.Engine,
				Preprocess:  cfg.OCR.Preprocess,
				DatasetPath: datasetPath,
				SampleSize:  len(samples),
			}, agg, evalResults)
			if err != nil {
				return fmt.Errorf("failed to save results: %w", err)
			}

			printSummary(cmd, agg)
			absPath, _ := filepath.Abs(path)
			fmt.Fprintf(cmd.OutOrStdout(), "\nEvaluation results saved to: %s\n", absPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&datasetPath, "dataset", "d", "", "Path to a JSONL or Parquet dataset (required)")
	cmd.Flags().IntVarP(&sampleSize, "sample", "n", 0, "Number of samples to evaluate (0 = all)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 2, "Number of images processed at once")
	cmd.Flags().StringVarP(&outputDir, "output", "o", results.DefaultDir, "Directory for the YAML results")
	_ = cmd.MarkFlagRequired("dataset")

	return cmd
}

func printSummary(cmd *cobra.Command, agg *metrics.AggregateResults) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\n========================================")
	fmt.Fprintln(out, "OCR EVALUATION SUMMARY")
	fmt.Fprintln(out, "========================================")
	fmt.Fprintf(out, "Engine:          %s\n", agg.Engine)
	fmt.Fprintf(out, "Samples:         %d (%d succeeded, %d failed)\n", agg.TotalRecords, agg.SuccessCount, agg.FailureCount)
	fmt.Fprintf(out, "Mean CER:        %.4f\n", agg.MeanCER)
	fmt.Fprintf(out, "Median CER:      %.4f\n", agg.MedianCER)
	fmt.Fprintf(out, "Min / Max CER:   %.4f / %.4f\n", agg.MinCER, agg.MaxCER)
	fmt.Fprintf(out, "Avg time/sample: %s\n", agg.AverageProcessingTime)
}
