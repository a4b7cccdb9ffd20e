// Package upstream calls the hosted image model that turns a pet photo and a
// prompt into a hero image.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://fal.run"
	DefaultModel   = "fal-ai/flux/dev/image-to-image"
	DefaultTimeout = 2 * time.Minute
)

// ErrNoImages is returned when the model answers 2xx without an image.
var ErrNoImages = errors.New("upstream returned no images")

// StatusError carries a non-2xx response from the model endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

type FalClient struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	log        *slog.Logger
}

type FalConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

func NewFalClient(cfg FalConfig, log *slog.Logger) *FalClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &FalClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      strings.Trim(cfg.Model, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}
}

type falRequest struct {
	Prompt    string `json:"prompt"`
	ImageURL  string `json:"image_url"`
	NumImages int    `json:"num_images"`
}

type falResponse struct {
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
}

// Generate requests exactly one image for prompt and returns the image URLs
// the model produced. It does not retry.
func (c *FalClient) Generate(ctx context.Context, prompt, sourceImageURL string) ([]string, error) {
	body, err := json.Marshal(falRequest{Prompt: prompt, ImageURL: sourceImageURL, NumImages: 1})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+c.model, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Key "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	var out falResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	urls := make([]string, 0, len(out.Images))
	for _, img := range out.Images {
		if img.URL != "" {
			urls = append(urls, img.URL)
		}
	}
	if len(urls) == 0 {
		return nil, ErrNoImages
	}
	c.log.Debug("model call finished", "model", c.model, "duration_ms", time.Since(start).Milliseconds())
	return urls, nil
}
