// Package export writes batch reports to YAML or Parquet.
package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/photoqa/internal/models"
	"github.com/parquet-go/parquet-go"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatYAML    Format = "yaml"
	FormatParquet Format = "parquet"
)

// ParseFormat accepts yaml, yml and parquet
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "yaml", "yml":
		return FormatYAML, nil
	case "parquet":
		return FormatParquet, nil
	}
	return "", fmt.Errorf("unsupported export format %q (supported: yaml, parquet)", s)
}

// Row is one photo of a batch with its latest successful answer
type Row struct {
	BatchID         string    `parquet:"batch_id"`
	BatchStatus     string    `parquet:"batch_status"`
	PhotoID         string    `parquet:"photo_id"`
	Order           int64     `parquet:"order"`
	Filename        string    `parquet:"filename"`
	QuestionStatus  string    `parquet:"question_status"`
	ExtractedText   string    `parquet:"extracted_text"`
	ErrorMessage    string    `parquet:"error_message"`
	AnswerProvider  *string   `parquet:"answer_provider,optional"`
	AnswerModel     *string   `parquet:"answer_model,optional"`
	AnswerContent   *string   `parquet:"answer_content,optional"`
	TokensUsed      *int64    `parquet:"tokens_used,optional"`
	ResponseSeconds *float64  `parquet:"response_seconds,optional"`
	Attempts        int64     `parquet:"attempts"`
	UploadedAt      time.Time `parquet:"uploaded_at"`
}

// Rows flattens a report, one row per photo in order
func Rows(report *models.BatchReport) []Row {
	rows := make([]Row, 0, len(report.Photos))
	for _, p := range report.Photos {
		row := Row{
			BatchID:     report.ID,
			BatchStatus: string(report.Status),
			PhotoID:     p.ID,
			Order:       int64(p.Order),
			Filename:    p.Filename,
			UploadedAt:  p.UploadedAt.UTC(),
		}
		if q := p.Question; q != nil {
			row.QuestionStatus = string(q.Status)
			row.ExtractedText = q.ExtractedText
			row.ErrorMessage = q.ErrorMessage
			row.Attempts = int64(len(q.Answers))
			if a := q.LatestAnswer; a != nil {
				row.AnswerProvider = &a.Provider
				row.AnswerModel = &a.Model
				row.AnswerContent = &a.Content
				if a.TokensUsed != nil {
					tokens := int64(*a.TokensUsed)
					row.TokensUsed = &tokens
				}
				row.ResponseSeconds = a.ResponseTime
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// Write encodes report in the given format
func Write(w io.Writer, report *models.BatchReport, format Format) error {
	switch format {
	case FormatYAML:
		return WriteYAML(w, report)
	case FormatParquet:
		return WriteParquet(w, report)
	}
	return fmt.Errorf("unsupported export format %q", format)
}

type yamlExport struct {
	ExportedAt time.Time           `yaml:"exported_at"`
	Batch      *models.BatchReport `yaml:"batch"`
}

// WriteYAML writes the nested report
func WriteYAML(w io.Writer, report *models.BatchReport) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(yamlExport{ExportedAt: time.Now().UTC(), Batch: report}); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	return enc.Close()
}

// WriteParquet writes the flattened rows
func WriteParquet(w io.Writer, report *models.BatchReport) error {
	writer := parquet.NewGenericWriter[Row](w)
	if _, err := writer.Write(Rows(report)); err != nil {
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}
