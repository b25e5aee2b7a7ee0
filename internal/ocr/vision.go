package ocr

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/lehigh-university-libraries/photoqa/internal/providers"
)

// ImageCompleter is implemented by vision-capable provider clients (openai, ollama)
type ImageCompleter interface {
	Name() string
	Model() string
	CompleteWithImage(ctx context.Context, prompt string, image []byte, mimeType string) (providers.Completion, error)
}

// Vision extracts text by asking a vision LLM to transcribe the photo
type Vision struct {
	client ImageCompleter
}

func NewVision(client ImageCompleter) *Vision {
	return &Vision{client: client}
}

func (v *Vision) Recognize(ctx context.Context, image []byte) (string, error) {
	completion, err := v.client.CompleteWithImage(ctx, buildOCRPrompt(), image, http.DetectContentType(image))
	if err != nil {
		return "", err
	}
	slog.Info("Extracted OCR text", "provider", v.client.Name(), "model", v.client.Model(), "length", len(completion.Text))
	return completion.Text, nil
}

func buildOCRPrompt() string {
	return `You are performing OCR (Optical Character Recognition) on a photo of a question, such as a homework or exam problem.

Your task is to extract ALL visible text from the image exactly as it appears, preserving:
- Line breaks and formatting
- Mathematical notation, numbers and symbols
- Punctuation
- Order of text elements, including numbered or lettered answer choices

INSTRUCTIONS:
1. Read the image carefully from top to bottom
2. Transcribe every piece of visible text
3. Do not solve the question
4. Do not add any interpretation, commentary, or explanations
5. If text is partially obscured or unclear, transcribe what you can see and use [?] for illegible portions
6. If the image contains no text, return an empty response

OUTPUT FORMAT:
Provide ONLY the extracted text. Do not include phrases like "Here is the text:" or "The image contains:".`
}
