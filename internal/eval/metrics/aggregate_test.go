package metrics

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCharacterErrorRate(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		actual   string
		want     float64
	}{
		{"exact match", "What is 2+2?", "What is 2+2?", 0},
		{"whitespace ignored", "What is\n2+2?", "  What  is 2+2? ", 0},
		{"one substitution", "abcd", "abcx", 0.25},
		{"missing text", "abcd", "", 1},
		{"both empty", "", "", 0},
		{"empty reference", "", "noise", 1},
		{"unicode runes", "∫x dx", "∫y dx", 0.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CharacterErrorRate(tt.expected, tt.actual); !almostEqual(got, tt.want) {
				t.Errorf("Expected %.3f, got %.3f", tt.want, got)
			}
		})
	}
}

func TestAggregateEvaluationResults(t *testing.T) {
	results := []EvaluationResult{
		{ImagePath: "a.png", CER: 0.1, ProcessingTime: 2 * time.Second},
		{ImagePath: "b.png", CER: 0.4, ProcessingTime: 4 * time.Second},
		{ImagePath: "c.png", CER: 0.2, ProcessingTime: 3 * time.Second},
		{ImagePath: "d.png", CER: 0.3, ProcessingTime: 1 * time.Second},
		{ImagePath: "e.png", Error: "OCR extraction failed", ProcessingTime: 2 * time.Second},
	}

	agg := AggregateEvaluationResults(results, "tesseract")

	if agg.TotalRecords != 5 || agg.SuccessCount != 4 || agg.FailureCount != 1 {
		t.Errorf("Unexpected counts %+v", agg)
	}
	if !almostEqual(agg.MeanCER, 0.25) {
		t.Errorf("Expected mean 0.25, got %f", agg.MeanCER)
	}
	if !almostEqual(agg.MedianCER, 0.25) {
		t.Errorf("Expected median 0.25, got %f", agg.MedianCER)
	}
	if !almostEqual(agg.MinCER, 0.1) || !almostEqual(agg.MaxCER, 0.4) {
		t.Errorf("Expected min 0.1 max 0.4, got %f %f", agg.MinCER, agg.MaxCER)
	}
	if agg.TotalProcessingTime != 12*time.Second || agg.AverageProcessingTime != 2400*time.Millisecond {
		t.Errorf("Unexpected timing %v %v", agg.TotalProcessingTime, agg.AverageProcessingTime)
	}
	if agg.Engine != "tesseract" {
		t.Errorf("Expected engine tesseract, got %s", agg.Engine)
	}
}

func TestAggregateAllFailed(t *testing.T) {
	agg := AggregateEvaluationResults([]EvaluationResult{{Error: "boom"}}, "vision")
	if agg.SuccessCount != 0 || agg.MeanCER != 0 || agg.MedianCER != 0 {
		t.Errorf("Expected zero stats, got %+v", agg)
	}
}

func TestMedianOdd(t *testing.T) {
	if got := median([]float64{0.1, 0.5, 0.9}); got != 0.5 {
		t.Errorf("Expected 0.5, got %f", got)
	}
}
