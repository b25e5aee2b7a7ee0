package openai

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

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	GroqBaseURL    = "https://api.groq.com/openai/v1"
)

// Config configures a client for OpenAI or any OpenAI-compatible API (Groq)
type Config struct {
	Name        string
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	HTTPClient  *http.Client
}

// Client talks to the chat completions endpoint
type Client struct {
	cfg Config
}

// New returns a new OpenAI-compatible client
func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg}
}

// NewGroq returns a client for Groq's OpenAI-compatible endpoint
func NewGroq(apiKey, model string) *Client {
	return New(Config{Name: "groq", APIKey: apiKey, Model: model, BaseURL: GroqBaseURL})
}

func (c *Client) Name() string  { return c.cfg.Name }
func (c *Client) Model() string { return c.cfg.Model }

// Complete sends a single user message
func (c *Client) Complete(ctx context.Context, prompt string) (providers.Completion, error) {
	return c.send(ctx, map[string]interface{}{
		"model": c.cfg.Model,
		"messages": []map[string]string{
			{
				"role":    "user",
				"content": prompt,
			},
		},
		"temperature": c.cfg.Temperature,
		"max_tokens":  c.cfg.MaxTokens,
	})
}

// CompleteWithImage sends a prompt together with an inline image
func (c *Client) CompleteWithImage(ctx context.Context, prompt string, image []byte, mimeType string) (providers.Completion, error) {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return c.send(ctx, map[string]interface{}{
		"model": c.cfg.Model,
		"messages": []map[string]interface{}{
			{
				"role": "user",
				"content": []map[string]interface{}{
					{
						"type": "text",
						"text": prompt,
					},
					{
						"type": "image_url",
						"image_url": map[string]string{
							"url": "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image),
						},
					},
				},
			},
		},
		"max_tokens":  2000,
		"temperature": 0.0,
	})
}

func (c *Client) send(ctx context.Context, body map[string]interface{}) (providers.Completion, error) {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return providers.Completion{}, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewBuffer(requestBody))
	if err != nil {
		return providers.Completion{}, fmt.Errorf("failed to create new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return providers.Completion{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return providers.Completion{}, &providers.StatusError{Provider: c.cfg.Name, Code: resp.StatusCode, Body: string(b)}
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage *struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return providers.Completion{}, fmt.Errorf("failed to decode response body: %w", err)
	}

	if len(response.Choices) == 0 {
		return providers.Completion{}, fmt.Errorf("no choices returned from %s", c.cfg.Name)
	}

	completion := providers.Completion{Text: response.Choices[0].Message.Content}
	if response.Usage != nil {
		tokens := response.Usage.TotalTokens
		completion.TokensUsed = &tokens
	}
	return completion, nil
}
