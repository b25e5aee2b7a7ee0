package metrics

import (
	"sort"
	"time"
)

// EvaluationResult is the OCR outcome for one sample
type EvaluationResult struct {
	ImagePath      string
	ExpectedText   string
	ExtractedText  string
	CER            float64
	ProcessingTime time.Duration
	Error          string
}

// AggregateResults summarizes CER over the successful samples
type AggregateResults struct {
	TotalRecords int
	SuccessCount int
	FailureCount int

	MeanCER   float64
	MedianCER float64
	MinCER    float64
	MaxCER    float64

	AverageProcessingTime time.Duration
	TotalProcessingTime   time.Duration

	EvaluationDate time.Time
	Engine         string
}

// AggregateEvaluationResults aggregates multiple evaluation results
func AggregateEvaluationResults(results []EvaluationResult, engine string) *AggregateResults {
	agg := &AggregateResults{
		TotalRecords:   len(results),
		EvaluationDate: time.Now(),
		Engine:         engine,
	}

	scores := make([]float64, 0, len(results))
	for _, r := range results {
		agg.TotalProcessingTime += r.ProcessingTime
		if r.Error != "" {
			agg.FailureCount++
			continue
		}
		agg.SuccessCount++
		scores = append(scores, r.CER)
	}

	if len(results) > 0 {
		agg.AverageProcessingTime = agg.TotalProcessingTime / time.Duration(len(results))
	}
	if len(scores) == 0 {
		return agg
	}

	sort.Float64s(scores)
	agg.MinCER = scores[0]
	agg.MaxCER = scores[len(scores)-1]
	agg.MeanCER = calculateAverage(scores)
	agg.MedianCER = median(scores)

	return agg
}

func calculateAverage(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// median expects sorted input
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
