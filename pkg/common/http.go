// Package common holds the shared HTTP plumbing used by every exchange
// adapter: one paced, timeout-bounded client with JSON decoding helpers and
// error types that let callers tell transport failures from undecodable
// responses.
package common

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quantboard/marketdata/pkg/logging"
	"github.com/quantboard/marketdata/pkg/ratelimit"
)

const userAgent = "quantboard-marketdata/1.0"

// HTTPClient defines the interface for making rate-limited HTTP requests.
//
// The client deliberately performs no retries: a failed exchange request is
// handled by failing over to another exchange, and retrying the same
// exchange inside one resolution attempt would only delay that.
type HTTPClient interface {
	// Do executes an HTTP request after pacing it through the rate limiter
	Do(ctx context.Context, req *http.Request) (*http.Response, error)

	// Get is a convenience method for making GET requests
	Get(ctx context.Context, url string) (*http.Response, error)

	// GetJSON performs a GET request and decodes the 200 response body into
	// out. Non-200 responses yield a *StatusError and undecodable bodies a
	// *DecodeError.
	GetJSON(ctx context.Context, url string, out interface{}) error

	// SetRateLimit updates the pacing configuration
	SetRateLimit(limit ratelimit.Rate) error
}

// ClientConfig holds configuration for the HTTP client
type ClientConfig struct {
	Timeout   time.Duration
	RateLimit ratelimit.Rate

	// Verbose logs every request with its status and duration at debug
	// level.
	Verbose bool

	// Optional logger
	Logger logging.Logger
}

// DefaultConfig returns a default client configuration: a 5 second timeout
// and 10 requests per second.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Timeout: 5 * time.Second,
		RateLimit: ratelimit.Rate{
			Limit:    10,
			Interval: time.Second,
		},
	}
}

// StatusError reports a response that arrived with a non-200 status.
type StatusError struct {
	URL    string
	Code   int
	Status string
}

// Error implements the error interface
func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

// DecodeError reports a 200 response whose body could not be decoded.
type DecodeError struct {
	URL string
	Err error
}

// Error implements the error interface
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.URL, e.Err)
}

// Unwrap returns the underlying error
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// client implements the HTTPClient interface
type client struct {
	config     *ClientConfig
	httpClient *http.Client
	pacer      ratelimit.Pacer
	logger     logging.Logger
}

// NewHTTPClient creates a new HTTP client with the given configuration.
// A nil config uses DefaultConfig.
func NewHTTPClient(config *ClientConfig) HTTPClient {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	return &client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		pacer:  ratelimit.NewPacer(config.RateLimit),
		logger: logging.OrNop(config.Logger),
	}
}

// Do implements HTTPClient interface
func (c *client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait error: %w", err)
	}

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request error: %w", err)
	}

	if c.config.Verbose {
		c.logger.Debug("http request",
			logging.String("method", req.Method),
			logging.String("url", req.URL.String()),
			logging.Int("status", resp.StatusCode),
			logging.Duration("elapsed", time.Since(start)),
		)
	}
	return resp, nil
}

// Get implements HTTPClient interface
func (c *client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	return c.Do(ctx, req)
}

// GetJSON implements HTTPClient interface
func (c *client) GetJSON(ctx context.Context, url string, out interface{}) error {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	return decodeJSON(url, resp, out)
}

// decodeJSON turns a response into out, classifying non-200 statuses as
// *StatusError and undecodable bodies as *DecodeError. Shared with the debug
// client so both report identical errors.
func decodeJSON(url string, resp *http.Response, out interface{}) error {
	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: url, Code: resp.StatusCode, Status: resp.Status}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DecodeError{URL: url, Err: err}
	}
	return nil
}

// SetRateLimit implements HTTPClient interface
func (c *client) SetRateLimit(limit ratelimit.Rate) error {
	return c.pacer.SetLimit(limit)
}
