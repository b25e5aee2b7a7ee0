// Package tesseract runs the Tesseract OCR engine through gosseract.
package tesseract

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

// Engine recognizes text with a fresh Tesseract client per call; gosseract clients are not goroutine safe.
type Engine struct {
	languages []string
}

func New(languages ...string) *Engine {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Engine{languages: languages}
}

func (e *Engine) Recognize(ctx context.Context, image []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(e.languages...); err != nil {
		return "", fmt.Errorf("failed to set languages: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		return "", fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return "", fmt.Errorf("failed to load image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("failed to recognize text: %w", err)
	}
	return text, nil
}
