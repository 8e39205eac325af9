// Package provider implements the fal.ai image generation client. Requests
// either return images inline or a request id the client polls until the
// generation completes, fails, or the attempt budget runs out.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	appconfig "app/internal/config"
)

// ErrGenerationTimeout is returned when the poll attempt budget is exhausted
// before the provider reports a terminal status.
var ErrGenerationTimeout = errors.New("generation timed out")

// ImageData is one generated image in a provider response.
type ImageData struct {
	URL  string `json:"url"`
	Seed *int64 `json:"seed,omitempty"`
}

// GenerationResult is the provider's response payload for a generation
// request or a poll of one.
type GenerationResult struct {
	Images    []ImageData       `json:"images,omitempty"`
	Seed      *int64            `json:"seed,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Status    string            `json:"status,omitempty"`
	Error     string            `json:"error,omitempty"`
	Result    *GenerationResult `json:"result,omitempty"`
}

// Client is a fal.ai API client with a bounded poll loop for deferred
// results.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	maxAttempts  int
	pollInterval time.Duration
}

// NewClient builds a client from application config.
func NewClient(cfg *appconfig.Config) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		baseURL:      cfg.FalBaseURL,
		apiKey:       cfg.FalAPIKey,
		maxAttempts:  cfg.FalPollMaxAttempts,
		pollInterval: time.Duration(cfg.FalPollIntervalSec) * time.Second,
	}
}

// GenerateImage submits one generation request and returns its result,
// polling first if the provider deferred the work.
func (c *Client) GenerateImage(ctx context.Context, prompt, modelID string, parameters map[string]any) (*GenerationResult, error) {
	payload := map[string]any{
		"prompt":                prompt,
		"image_size":            "square",
		"num_inference_steps":   28,
		"guidance_scale":        3.5,
		"num_images":            1,
		"enable_safety_checker": true,
		"output_format":         "png",
	}
	for k, v := range parameters {
		payload[k] = v
	}

	result, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/models/%s/generate", modelID), payload)
	if err != nil {
		return nil, err
	}
	switch {
	case len(result.Images) > 0:
		return result, nil
	case result.RequestID != "":
		return c.pollForResult(ctx, result.RequestID)
	default:
		return nil, fmt.Errorf("unexpected response from fal.ai for model %s", modelID)
	}
}

func (c *Client) pollForResult(ctx context.Context, requestID string) (*GenerationResult, error) {
	endpoint := fmt.Sprintf("/requests/%s", requestID)
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		result, err := c.do(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		switch result.Status {
		case "completed":
			if result.Result != nil {
				return result.Result, nil
			}
			return result, nil
		case "failed":
			msg := result.Error
			if msg == "" {
				msg = "unknown error"
			}
			return nil, fmt.Errorf("generation failed: %s", msg)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
	return nil, fmt.Errorf("request %s: %w", requestID, ErrGenerationTimeout)
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload any) (*GenerationResult, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fal.ai request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fal.ai request failed: status %d: %s", resp.StatusCode, string(b))
	}

	var result GenerationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode fal.ai response: %w", err)
	}
	return &result, nil
}
