// Package textgen wraps the text-generation provider's chat completion API.
package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"storyforge/internal/config"
	"storyforge/internal/services"
)

const defaultHTTPTimeout = 120 * time.Second

// Client issues chat completion requests against an OpenRouter-compatible endpoint.
type Client struct {
	cfg        config.TextGen
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a text-generation client from provider settings.
func NewClient(cfg config.TextGen, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate produces text for the resolved prompt using the tier's text
// model. Failures come back classified; the client never retries.
func (c *Client) Generate(ctx context.Context, prompt, systemPrompt string, tier config.Tier) (string, error) {
	const op = "textgen generate"
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", services.Invalid(op, "prompt required")
	}
	if c.cfg.APIKey == "" {
		return "", services.Invalid(op, "api key required")
	}
	if tier.TextModel == "" {
		return "", services.Invalid(op, "tier has no text model")
	}

	var messages []chatMessage
	if systemPrompt = strings.TrimSpace(systemPrompt); systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	payload := chatRequest{
		Model:       tier.TextModel,
		Messages:    messages,
		MaxTokens:   tier.MaxTokens,
		Temperature: tier.Temperature,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%s: encode body: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("%s: new request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", services.FromTransport(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", services.FromTransport(op, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", services.FromStatus(op, resp.StatusCode, string(body))
	}

	var completion chatResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", op, err)
	}
	if completion.Error != nil {
		return "", &services.Failure{Op: op, Kind: services.KindProviderError, Message: completion.Error.Message}
	}
	if len(completion.Choices) == 0 {
		return "", &services.Failure{Op: op, Kind: services.KindProviderError, Message: "empty choices"}
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return "", &services.Failure{Op: op, Kind: services.KindProviderError, Message: "empty content"}
	}
	return content, nil
}
