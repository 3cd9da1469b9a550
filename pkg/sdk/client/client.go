// Package client is a Go client for the ingestion API.
//
// Chunk sends are retried with exponential backoff on transport errors and
// 5xx responses. Retrying is safe because the server treats a replayed chunk
// index as a duplicate and appends nothing.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nicktill/tinysense/pkg/codec"
	"github.com/nicktill/tinysense/pkg/config"
	"github.com/nicktill/tinysense/pkg/pipeline"
)

// ErrInvalidConfig is returned by New for an unusable server URL
var ErrInvalidConfig = errors.New("invalid client config")

// StatusError is a non-2xx response from the server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// retryable reports whether sending the same request again can succeed.
// 507 means the server is out of disk, which retries will not fix.
func (e *StatusError) retryable() bool {
	return e.StatusCode >= 500 && e.StatusCode != http.StatusInsufficientStorage
}

// Config holds configuration for the client
type Config struct {
	// ServerURL is the base URL, e.g. http://localhost:8080
	ServerURL string

	// Timeout per HTTP request (default: config.ClientTimeout)
	Timeout time.Duration

	// MaxRetries for chunk sends (default: config.ClientMaxRetries, negative disables)
	MaxRetries int

	// RetryBackoff is the first retry delay, doubled per attempt (default: config.ClientRetryBackoff)
	RetryBackoff time.Duration
}

// Client talks to the ingestion endpoints.
type Client struct {
	baseURL      string
	client       *http.Client
	maxRetries   int
	retryBackoff time.Duration
}

// New creates a client
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		cfg.ServerURL = config.DefaultServerURL
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: server URL %q", ErrInvalidConfig, cfg.ServerURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.ClientTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = config.ClientMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = config.ClientRetryBackoff
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.ServerURL, "/"),
		client:       &http.Client{Timeout: cfg.Timeout},
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
	}, nil
}

// Start opens a measurement and returns its id.
func (c *Client) Start(ctx context.Context, req pipeline.StartRequest) (string, error) {
	var resp pipeline.StartResponse
	if err := c.post(ctx, "/api/ingest/start", req, &resp); err != nil {
		return "", err
	}
	return resp.MeasurementID, nil
}

// SendChunk uploads samples as chunk index of the measurement, encoded as
// f32le-base64.
func (c *Client) SendChunk(ctx context.Context, measurementID string, index int, samples []float32) (*pipeline.ChunkResult, error) {
	req := pipeline.ChunkRequest{
		MeasurementID: measurementID,
		ChunkIndex:    index,
		Encoding:      codec.EncodingF32LEBase64,
		DataBase64:    codec.EncodeBase64(samples),
	}

	var result pipeline.ChunkResult
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		err = c.post(ctx, "/api/ingest/chunk", req, &result)
		if err == nil {
			return &result, nil
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.retryable() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("chunk %d failed after %d attempts: %w", index, c.maxRetries+1, err)
}

// Complete closes the measurement. totalChunks and sampleCount are what the
// device believes it sent; the server flags but accepts a mismatch.
func (c *Client) Complete(ctx context.Context, measurementID string, totalChunks int, sampleCount int64) (*pipeline.CompleteResult, error) {
	var result pipeline.CompleteResult
	err := c.post(ctx, "/api/ingest/complete", pipeline.CompleteRequest{
		MeasurementID: measurementID,
		TotalChunks:   int64(totalChunks),
		SampleCount:   sampleCount,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Fail marks the measurement as failed.
func (c *Client) Fail(ctx context.Context, measurementID, reason string) error {
	return c.post(ctx, "/api/ingest/fail", pipeline.FailRequest{
		MeasurementID: measurementID,
		Reason:        reason,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) != nil {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: apiErr.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
