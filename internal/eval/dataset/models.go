package dataset

import "path/filepath"

// Sample is one labelled photo used to score OCR
type Sample struct {
	ImagePath    string `json:"image_path" parquet:"image_path"`
	ExpectedText string `json:"expected_text" parquet:"expected_text"`
}

// ResolveImagePath returns ImagePath, joined with dir when relative
func (s *Sample) ResolveImagePath(dir string) string {
	if filepath.IsAbs(s.ImagePath) || dir == "" {
		return s.ImagePath
	}
	return filepath.Join(dir, s.ImagePath)
}
