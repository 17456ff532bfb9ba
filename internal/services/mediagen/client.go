// Package mediagen wraps the media-generation provider's prediction API.
//
// The provider runs asynchronously: a prediction is created, polled until it
// reaches a terminal state, and its output downloaded. The client exposes
// that as a single blocking call.
package mediagen

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

	"storyforge/internal/config"
	"storyforge/internal/services"
)

// Kind selects the type of media to produce.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

const (
	defaultHTTPTimeout    = 60 * time.Second
	defaultPollSeconds    = 3
	defaultPredictTimeout = 600
)

// Reference is supporting material attached to a generation request,
// passed to the provider as a data URI.
type Reference struct {
	Data     []byte
	MimeType string
}

// Result is the downloaded output of a finished prediction.
type Result struct {
	Data     []byte
	MimeType string
	Model    string
}

// Client drives predictions against a Replicate-compatible endpoint.
type Client struct {
	cfg        config.MediaGen
	httpClient *http.Client
	pollDelay  time.Duration
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

// WithPollDelay overrides the delay between status polls.
func WithPollDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollDelay = d
		}
	}
}

// NewClient constructs a media-generation client from provider settings.
func NewClient(cfg config.MediaGen, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	poll := defaultPollSeconds
	if cfg.PollSeconds > 0 {
		poll = cfg.PollSeconds
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		pollDelay:  time.Duration(poll) * time.Second,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type predictionRequest struct {
	Input predictionInput `json:"input"`
}

type predictionInput struct {
	Prompt string   `json:"prompt"`
	Images []string `json:"image_input,omitempty"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

// ModelFor returns the tier's model slug for the requested media kind.
func ModelFor(tier config.Tier, kind Kind) (string, error) {
	var model string
	switch kind {
	case KindImage:
		model = tier.ImageModel
	case KindVideo:
		model = tier.VideoModel
	case KindAudio:
		model = tier.AudioModel
	default:
		return "", services.Invalid("mediagen model", fmt.Sprintf("unknown media kind %q", kind))
	}
	if model == "" {
		return "", services.Invalid("mediagen model", fmt.Sprintf("tier has no %s model", kind))
	}
	return model, nil
}

// Generate creates a prediction, waits for it to finish, and downloads the
// first output. The deadline covers the whole exchange including polling.
func (c *Client) Generate(ctx context.Context, prompt string, kind Kind, tier config.Tier, refs []Reference) (*Result, error) {
	const op = "mediagen generate"
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, services.Invalid(op, "prompt required")
	}
	if c.cfg.APIKey == "" {
		return nil, services.Invalid(op, "api key required")
	}
	model, err := ModelFor(tier, kind)
	if err != nil {
		return nil, err
	}

	predictTimeout := defaultPredictTimeout
	if c.cfg.PredictTimeout > 0 {
		predictTimeout = c.cfg.PredictTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(predictTimeout)*time.Second)
	defer cancel()

	input := predictionInput{Prompt: prompt}
	for _, ref := range refs {
		input.Images = append(input.Images, dataURI(ref))
	}

	created, err := c.createPrediction(ctx, model, predictionRequest{Input: input})
	if err != nil {
		return nil, err
	}

	finished, err := c.waitForPrediction(ctx, created)
	if err != nil {
		return nil, err
	}

	outputURL, err := firstOutputURL(finished.Output)
	if err != nil {
		return nil, &services.Failure{Op: op, Kind: services.KindProviderError, Message: err.Error()}
	}

	data, mimeType, err := c.download(ctx, outputURL)
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, MimeType: mimeType, Model: model}, nil
}

func (c *Client) createPrediction(ctx context.Context, model string, body predictionRequest) (*prediction, error) {
	const op = "mediagen create"
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode body: %w", op, err)
	}

	url := fmt.Sprintf("%s/models/%s/predictions", c.cfg.BaseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("%s: new request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	return c.doPrediction(op, req)
}

func (c *Client) waitForPrediction(ctx context.Context, p *prediction) (*prediction, error) {
	const op = "mediagen poll"
	current := p
	for {
		switch current.Status {
		case "succeeded":
			return current, nil
		case "failed", "canceled":
			message := current.Error
			if message == "" {
				message = "prediction " + current.Status
			}
			return nil, &services.Failure{Op: op, Kind: services.KindProviderError, Message: message}
		}

		select {
		case <-ctx.Done():
			return nil, services.FromTransport(op, ctx.Err())
		case <-time.After(c.pollDelay):
		}

		url := current.URLs.Get
		if url == "" {
			url = fmt.Sprintf("%s/predictions/%s", c.cfg.BaseURL, current.ID)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: new request: %w", op, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		current, err = c.doPrediction(op, req)
		if err != nil {
			return nil, err
		}
	}
}

func (c *Client) doPrediction(op string, req *http.Request) (*prediction, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, services.FromTransport(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, services.FromTransport(op, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, services.FromStatus(op, resp.StatusCode, string(body))
	}

	var p prediction
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return &p, nil
}

func (c *Client) download(ctx context.Context, url string) ([]byte, string, error) {
	const op = "mediagen download"
	if c.cfg.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.DownloadTimeout)*time.Second)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%s: new request: %w", op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", services.FromTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", services.FromStatus(op, resp.StatusCode, "output download failed")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", services.FromTransport(op, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// firstOutputURL handles both output shapes the provider uses: a single URL
// string or a list of URL strings.
func firstOutputURL(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("prediction has no output")
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return single, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 && many[0] != "" {
		return many[0], nil
	}
	return "", fmt.Errorf("unrecognized prediction output shape")
}

func dataURI(ref Reference) string {
	mimeType := ref.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(ref.Data)
}
