package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/photoqa/internal/providers"
)

const (
	DefaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

// Client is a provider for the Anthropic Messages API
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
}

// New returns a new Anthropic client
func New(apiKey, model string) *Client {
	return &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    DefaultBaseURL,
		maxTokens:  1000,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// WithBaseURL points the client at a different endpoint
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

func (c *Client) Name() string  { return "anthropic" }
func (c *Client) Model() string { return c.model }

func (c *Client) Complete(ctx context.Context, prompt string) (providers.Completion, error) {
	requestBody, err := json.Marshal(map[string]interface{}{
		"model":      c.model,
		"max_tokens": c.maxTokens,
		"messages": []map[string]string{
			{
				"role":    "user",
				"content": prompt,
			},
		},
	})
	if err != nil {
		return providers.Completion{}, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewBuffer(requestBody))
	if err != nil {
		return providers.Completion{}, fmt.Errorf("failed to create new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return providers.Completion{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return providers.Completion{}, &providers.StatusError{Provider: "anthropic", Code: resp.StatusCode, Body: string(b)}
	}

	var response struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return providers.Completion{}, fmt.Errorf("failed to decode response body: %w", err)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return providers.Completion{}, fmt.Errorf("no text content returned from Anthropic")
	}

	tokens := response.Usage.InputTokens + response.Usage.OutputTokens
	return providers.Completion{Text: text.String(), TokensUsed: &tokens}, nil
}
