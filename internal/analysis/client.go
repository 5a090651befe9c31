// Package analysis is the client for the external audio analyzer service.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/masteringready/masteringready/internal/config"
)

// Result is the analyzer's verdict on one uploaded mix.
type Result struct {
	Score    float64         `json:"score"`
	Verdict  string          `json:"verdict"`
	Metrics  json.RawMessage `json:"metrics,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

// Client talks to the analyzer over HTTP. The analyzer holds the DSP; this
// side only forwards audio and interprets the JSON verdict.
type Client struct {
	baseURL string
	wsURL   string
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates an analyzer client. The timeout bounds the whole
// request, including reading the response body.
func NewClient(cfg config.AnalyzerConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: cfg.URL,
		wsURL:   cfg.WSURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "analyzer"),
	}
}

// WSURL returns the analyzer's websocket endpoint for live progress.
func (c *Client) WSURL() string { return c.wsURL }

// Analyze submits audio to the analyzer and returns its verdict. The audio
// arrives as an already-read body because the HTTP layer enforces the upload
// size limit before we get here.
func (c *Client) Analyze(ctx context.Context, audio []byte, contentType string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(audio))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analyzer request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("analyzer returned %d: %s", resp.StatusCode, body)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode analyzer response: %w", err)
	}

	c.logger.Debug("analysis complete", "score", result.Score, "elapsed", time.Since(start))
	return &result, nil
}

// Healthy reports whether the analyzer responds to its health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode < 400
}
