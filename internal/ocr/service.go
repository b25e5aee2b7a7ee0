package ocr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/disintegration/imaging"
)

// NoTextFound is stored as the extracted text when the engine recognized nothing
const NoTextFound = "No text could be extracted from this image."

// Engine turns image bytes into text
type Engine interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// Error wraps any failure of the extraction step
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return "OCR extraction failed: " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Service handles OCR extraction from images
type Service struct {
	engine     Engine
	preprocess bool
}

// NewService creates a new OCR service
func NewService(engine Engine, preprocess bool) *Service {
	return &Service{engine: engine, preprocess: preprocess}
}

// ExtractText returns the text printed in image, or NoTextFound
func (s *Service) ExtractText(ctx context.Context, image []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = &Error{Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if len(image) == 0 {
		return "", &Error{Err: fmt.Errorf("image is empty")}
	}

	input := image
	if s.preprocess {
		prepared, perr := Preprocess(image)
		if perr != nil {
			slog.Warn("image preprocessing failed, using original", "err", perr)
		} else {
			input = prepared
		}
	}

	raw, err := s.engine.Recognize(ctx, input)
	if err != nil {
		return "", &Error{Err: err}
	}

	text = strings.TrimSpace(raw)
	if text == "" {
		return NoTextFound, nil
	}

	slog.Debug("Extracted OCR text", "length", len(text))
	return text, nil
}

// Preprocess converts the image to high-contrast grayscale PNG
func Preprocess(image []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(image), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	img = imaging.AdjustContrast(imaging.Grayscale(img), 20)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
