package dataset

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// Loader reads OCR evaluation samples from JSONL or Parquet
type Loader struct {
	datasetPath string
}

func NewLoader(datasetPath string) *Loader {
	return &Loader{
		datasetPath: datasetPath,
	}
}

// Dir is the directory relative image paths are resolved against
func (l *Loader) Dir() string {
	return filepath.Dir(l.datasetPath)
}

// Load reads every sample
func (l *Loader) Load() ([]Sample, error) {
	return l.LoadSample(0)
}

// LoadSample reads at most limit samples, all of them when limit <= 0
func (l *Loader) LoadSample(limit int) ([]Sample, error) {
	ext := strings.ToLower(filepath.Ext(l.datasetPath))

	switch ext {
	case ".parquet":
		return l.loadParquet(limit)
	case ".jsonl", ".json":
		return l.loadJSONL(limit)
	default:
		return nil, fmt.Errorf("unsupported file format: %s (supported: .parquet, .jsonl)", ext)
	}
}

func full(records []Sample, limit int) bool {
	return limit > 0 && len(records) >= limit
}

func (l *Loader) loadJSONL(limit int) ([]Sample, error) {
	slog.Debug("Opening JSONL file", "path", l.datasetPath)

	file, err := os.Open(l.datasetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file: %w", err)
	}
	defer file.Close()

	var records []Sample
	scanner := bufio.NewScanner(file)

	const maxCapacity = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)

	lineNum := 0
	for !full(records, limit) && scanner.Scan() {
		lineNum++
		line := scanner.Bytes()

		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var record Sample
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("failed to parse JSON at line %d: %w", lineNum, err)
		}
		if record.ImagePath == "" {
			return nil, fmt.Errorf("missing image_path at line %d", lineNum)
		}

		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading dataset: %w", err)
	}

	slog.Debug("Finished reading JSONL file", "total_records", len(records), "total_lines", lineNum)

	return records, nil
}

func (l *Loader) loadParquet(limit int) ([]Sample, error) {
	slog.Debug("Opening Parquet file", "path", l.datasetPath, "sample_limit", limit)

	file, err := os.Open(l.datasetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet: %w", err)
	}

	slog.Debug("Parquet file opened successfully", "num_rows", pf.NumRows(), "num_row_groups", len(pf.RowGroups()))

	reader := parquet.NewGenericReader[Sample](pf)
	defer reader.Close()

	var records []Sample
	rows := make([]Sample, 128)

	for !full(records, limit) {
		n, err := reader.Read(rows)
		if n > 0 {
			if limit > 0 && n > limit-len(records) {
				n = limit - len(records)
			}
			records = append(records, rows[:n]...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
	}

	slog.Debug("Finished reading Parquet file", "total_records", len(records))

	return records, nil
}
