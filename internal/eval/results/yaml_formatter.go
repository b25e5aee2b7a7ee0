package results

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lehigh-university-libraries/photoqa/internal/eval/metrics"
	"gopkg.in/yaml.v3"
)

// DefaultDir is where evaluation runs are written
const DefaultDir = "evals"

// EvalConfig represents the configuration section of the eval YAML
type EvalConfig struct {
	Engine      string `yaml:"engine"`
	Preprocess  bool   `yaml:"preprocess"`
	DatasetPath string `yaml:"datasetpath"`
	SampleSize  int    `yaml:"samplesize"`
	Timestamp   string `yaml:"timestamp"`
}

type EvalSummary struct {
	Total     int     `yaml:"total"`
	Succeeded int     `yaml:"succeeded"`
	Failed    int     `yaml:"failed"`
	MeanCER   float64 `yaml:"meancer"`
	MedianCER float64 `yaml:"mediancer"`
	MinCER    float64 `yaml:"mincer"`
	MaxCER    float64 `yaml:"maxcer"`
	AvgTimeMS int64   `yaml:"avgtimems"`
}

// EvalResult represents a single evaluation result
type EvalResult struct {
	ImagePath     string  `yaml:"imagepath"`
	ExpectedText  string  `yaml:"expectedtext"`
	ExtractedText string  `yaml:"extractedtext"`
	CER           float64 `yaml:"cer"`
	Error         string  `yaml:"error,omitempty"`
}

// EvalSpec represents the complete evaluation file
type EvalSpec struct {
	Config  EvalConfig   `yaml:"config"`
	Summary EvalSummary  `yaml:"summary"`
	Results []EvalResult `yaml:"results"`
}

// SaveToYAML writes the run to <dir>/<engine>-<timestamp>.yaml and returns the path
func SaveToYAML(dir string, cfg EvalConfig, agg *metrics.AggregateResults, results []metrics.EvaluationResult) (string, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create evals directory: %w", err)
	}

	if cfg.Timestamp == "" {
		cfg.Timestamp = time.Now().Format("2006-01-02_15-04-05")
	}

	spec := EvalSpec{
		Config: cfg,
		Summary: EvalSummary{
			Total:     agg.TotalRecords,
			Succeeded: agg.SuccessCount,
			Failed:    agg.FailureCount,
			MeanCER:   agg.MeanCER,
			MedianCER: agg.MedianCER,
			MinCER:    agg.MinCER,
			MaxCER:    agg.MaxCER,
			AvgTimeMS: agg.AverageProcessingTime.Milliseconds(),
		},
		Results: make([]EvalResult, 0, len(results)),
	}

	for _, r := range results {
		spec.Results = append(spec.Results, EvalResult{
			ImagePath:     r.ImagePath,
			ExpectedText:  r.ExpectedText,
			ExtractedText: r.ExtractedText,
			CER:           r.CER,
			Error:         r.Error,
		})
	}

	filename := filepath.Join(dir, fmt.Sprintf("%s-%s.yaml", cfg.Engine, cfg.Timestamp))

	data, err := yaml.Marshal(&spec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write YAML file: %w", err)
	}

	return filename, nil
}
