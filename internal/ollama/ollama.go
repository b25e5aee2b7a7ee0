package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/photoqa/internal/providers"
)

const DefaultURL = "http://localhost:11434"

// Client is a provider for a local Ollama server
type Client struct {
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

// New returns a new Ollama client
func New(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		temperature: 0.7,
		httpClient:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (o *Client) Name() string  { return "ollama" }
func (o *Client) Model() string { return o.model }

// Complete generates a response for the given prompt
func (o *Client) Complete(ctx context.Context, prompt string) (providers.Completion, error) {
	return o.generate(ctx, map[string]interface{}{
		"model":  o.model,
		"prompt": prompt,
		"stream": false,
		"options": map[string]interface{}{
			"temperature": o.temperature,
		},
	})
}

// CompleteWithImage generates a response for a prompt and one base64-encoded image
func (o *Client) CompleteWithImage(ctx context.Context, prompt string, image []byte, _ string) (providers.Completion, error) {
	return o.generate(ctx, map[string]interface{}{
		"model":  o.model,
		"prompt": prompt,
		"images": []string{base64.StdEncoding.EncodeToString(image)},
		"stream": false,
		"options": map[string]interface{}{
			"temperature": 0.0,
		},
	})
}

func (o *Client) generate(ctx context.Context, body map[string]interface{}) (providers.Completion, error) {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return providers.Completion{}, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewBuffer(requestBody))
	if err != nil {
		return providers.Completion{}, fmt.Errorf("failed to create new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return providers.Completion{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return providers.Completion{}, &providers.StatusError{Provider: "ollama", Code: resp.StatusCode, Body: string(b)}
	}

	var response struct {
		Response        string `json:"response"`
		PromptEvalCount int    `json:"prompt_eval_count"`
		EvalCount       int    `json:"eval_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return providers.Completion{}, fmt.Errorf("failed to decode response body: %w", err)
	}

	completion := providers.Completion{Text: response.Response}
	if total := response.PromptEvalCount + response.EvalCount; total > 0 {
		completion.TokensUsed = &total
	}
	return completion, nil
}
