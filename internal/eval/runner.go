// Package eval scores an OCR engine against a labelled photo dataset.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lehigh-university-libraries/photoqa/internal/eval/dataset"
	"github.com/lehigh-university-libraries/photoqa/internal/eval/metrics"
)

// Extractor is satisfied by *ocr.Service
type Extractor interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
}

type Runner struct {
	extractor   Extractor
	concurrency int
}

func NewRunner(extractor Extractor, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{extractor: extractor, concurrency: concurrency}
}

// Run extracts every sample and returns results in sample order
func (r *Runner) Run(ctx context.Context, samples []dataset.Sample, dir string) []metrics.EvaluationResult {
	results := make([]metrics.EvaluationResult, len(samples))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, r.concurrency)

	for i, sample := range samples {
		wg.Add(1)
		go func(idx int, sample dataset.Sample) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			slog.Info("Processing sample", "image", sample.ImagePath, "progress", fmt.Sprintf("%d/%d", idx+1, len(samples)))
			results[idx] = r.processSample(ctx, sample, dir)
		}(i, sample)
	}

	wg.Wait()
	return results
}

func (r *Runner) processSample(ctx context.Context, sample dataset.Sample, dir string) (result metrics.EvaluationResult) {
	result = metrics.EvaluationResult{
		ImagePath:    sample.ImagePath,
		ExpectedText: sample.ExpectedText,
	}

	start := time.Now()
	defer func() { result.ProcessingTime = time.Since(start) }()

	image, err := os.ReadFile(sample.ResolveImagePath(dir))
	if err != nil {
		result.Error = fmt.Sprintf("failed to read image: %v", err)
		return result
	}

	text, err := r.extractor.ExtractText(ctx, image)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.ExtractedText = text
	result.CER = metrics.CharacterErrorRate(sample.ExpectedText, text)
	return result
}
