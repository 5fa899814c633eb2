package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/segmentio/encoding/json"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a partner answers 429.
var ErrRateLimited = errors.New("rate limited")

// StatusError is a non-2xx answer from a partner API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying later could succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500
}

type HTTPConfig struct {
	BaseURL        string
	RateLimiter    *rate.Limiter
	RequestTimeout time.Duration
}

func DefaultHTTPConfig(baseURL string, requestsPerSecond float64) *HTTPConfig {
	return &HTTPConfig{
		BaseURL:        baseURL,
		RateLimiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 10),
		RequestTimeout: 10 * time.Second,
	}
}

// HTTPClient is the paced JSON GET helper shared by connectors.
type HTTPClient struct {
	config *HTTPConfig
	client *http.Client
	logger *slog.Logger
}

func NewHTTPClient(config *HTTPConfig, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		logger: logger,
	}
}

// GetJSON waits for the limiter, requests BaseURL+path with query and headers,
// and decodes a 200 body into out.
func (c *HTTPClient) GetJSON(ctx context.Context, path string, query url.Values, headers map[string]string, out any) error {
	if err := c.config.RateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	u := c.config.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn("Rate limited", "path", path)
		return ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		return &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
