package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/lehigh-university-libraries/photoqa/internal/providers"
	"google.golang.org/api/option"
)

// Gemini is a provider for Google Gemini
type Gemini struct {
	apiKey      string
	model       string
	temperature float32
	opts        []option.ClientOption
}

// New returns a new Gemini provider
func New(apiKey, model string, opts ...option.ClientOption) *Gemini {
	return &Gemini{
		apiKey:      apiKey,
		model:       model,
		temperature: 0.7,
		opts:        opts,
	}
}

func (g *Gemini) Name() string  { return "gemini" }
func (g *Gemini) Model() string { return g.model }

// Complete generates content for the given prompt
func (g *Gemini) Complete(ctx context.Context, prompt string) (providers.Completion, error) {
	if g.apiKey == "" {
		return providers.Completion{}, fmt.Errorf("gemini API key not set")
	}

	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(g.apiKey)}, g.opts...)...)
	if err != nil {
		return providers.Completion{}, fmt.Errorf("failed to create new gemini client: %w", err)
	}
	defer client.Close()

	model := client.GenerativeModel(g.model)
	model.SetTemperature(g.temperature)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return providers.Completion{}, fmt.Errorf("failed to generate content: %w", err)
	}

	text, err := responseText(resp)
	if err != nil {
		return providers.Completion{}, err
	}

	completion := providers.Completion{Text: text}
	if resp.UsageMetadata != nil {
		tokens := int(resp.UsageMetadata.TotalTokenCount)
		completion.TokensUsed = &tokens
	}
	return completion, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates returned from Gemini")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("empty content returned from Gemini")
	}

	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("unexpected response format from Gemini")
	}
	return b.String(), nil
}
