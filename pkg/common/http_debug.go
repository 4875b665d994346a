package common

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/quantboard/marketdata/pkg/logging"
	"github.com/quantboard/marketdata/pkg/ratelimit"
)

// DebugClientConfig holds configuration for the HTTP debug client
type DebugClientConfig struct {
	// Inherits the base client configuration
	*ClientConfig

	// Debug-specific settings
	LogRequestBody  bool
	LogResponseBody bool

	// Maximum size of request/response body to log (to avoid massive logs)
	MaxBodyLogSize int
}

// DefaultDebugConfig returns a default debug client configuration
func DefaultDebugConfig() *DebugClientConfig {
	return &DebugClientConfig{
		ClientConfig:    DefaultConfig(),
		LogRequestBody:  true,
		LogResponseBody: true,
		MaxBodyLogSize:  4096, // 4KB max by default
	}
}

// NewDebugHTTPClient creates an HTTP client that logs a full wire-level dump
// of every request and response at debug level. It behaves exactly like the
// client from NewHTTPClient otherwise, so the two are interchangeable behind
// the HTTPClient interface:
//
//	client := common.NewDebugHTTPClient(nil)
//	var ticker struct {
//	    Price string `json:"lastPrice"`
//	}
//	err := client.GetJSON(ctx, "https://api.binance.com/api/v3/ticker/24hr?symbol=BTCUSDT", &ticker)
//
// When no logger is configured a development-mode debug logger is installed,
// since a client that dumps traffic nobody can see is useless.
func NewDebugHTTPClient(config *DebugClientConfig) HTTPClient {
	if config == nil {
		config = DefaultDebugConfig()
	}
	if config.ClientConfig == nil {
		config.ClientConfig = DefaultConfig()
	}
	if config.MaxBodyLogSize <= 0 {
		config.MaxBodyLogSize = DefaultDebugConfig().MaxBodyLogSize
	}
	if config.Logger == nil {
		config.Logger = logging.NewZapLogger(
			logging.WithLogLevel(logging.DEBUG),
			logging.WithDevelopmentMode(),
		)
	}

	return &debugClient{
		client: NewHTTPClient(config.ClientConfig).(*client),
		config: config,
	}
}

// debugClient implements the HTTPClient interface with additional debug logging
type debugClient struct {
	client *client
	config *DebugClientConfig
}

// Do implements HTTPClient interface with debug logging
func (c *debugClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	start := time.Now()

	c.logRequest(req)

	resp, err := c.client.Do(ctx, req)

	duration := time.Since(start)
	if err != nil {
		c.client.logger.Error("http request failed",
			logging.String("method", req.Method),
			logging.String("url", req.URL.String()),
			logging.Duration("duration", duration),
			logging.Error(err))
		return nil, err
	}

	c.logResponse(req, resp, duration)
	return resp, nil
}

// Get implements HTTPClient interface
func (c *debugClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	return c.Do(ctx, req)
}

// GetJSON implements HTTPClient interface
func (c *debugClient) GetJSON(ctx context.Context, url string, out interface{}) error {
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

// SetRateLimit implements HTTPClient interface
func (c *debugClient) SetRateLimit(limit ratelimit.Rate) error {
	return c.client.SetRateLimit(limit)
}

// logRequest logs a wire-level dump of the outgoing request. The body, when
// present and requested, is read and restored so the request still carries it.
func (c *debugClient) logRequest(req *http.Request) {
	logger := c.client.logger

	var reqDump []byte
	var err error

	if c.config.LogRequestBody && req.Body != nil {
		bodyBytes, bodyErr := io.ReadAll(req.Body)
		if bodyErr != nil {
			logger.Warn("failed to read request body for logging", logging.Error(bodyErr))
		} else {
			reqDump, err = httputil.DumpRequestOut(req, false)
			if err == nil {
				reqDump = append(reqDump, c.truncate(bodyBytes)...)
			}
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	} else {
		reqDump, err = httputil.DumpRequestOut(req, false)
	}

	if err != nil {
		logger.Warn("failed to dump request for logging", logging.Error(err))
	}

	logger.Debug("http request",
		logging.String("method", req.Method),
		logging.String("url", req.URL.String()),
		logging.String("host", req.Host),
		logging.String("dump", string(reqDump)))
}

// logResponse logs a wire-level dump of the response. The body is read and
// restored so callers can still consume it.
func (c *debugClient) logResponse(req *http.Request, resp *http.Response, duration time.Duration) {
	logger := c.client.logger

	var respDump []byte
	var err error

	if c.config.LogResponseBody && resp.Body != nil {
		bodyBytes, bodyErr := io.ReadAll(resp.Body)
		if bodyErr != nil {
			logger.Warn("failed to read response body for logging", logging.Error(bodyErr))
		} else {
			respDump, err = httputil.DumpResponse(resp, false)
			if err == nil {
				respDump = append(respDump, c.truncate(bodyBytes)...)
			}
			resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	} else {
		respDump, err = httputil.DumpResponse(resp, false)
	}

	if err != nil {
		logger.Warn("failed to dump response for logging", logging.Error(err))
	}

	logger.Debug("http response",
		logging.String("method", req.Method),
		logging.String("url", req.URL.String()),
		logging.Int("status", resp.StatusCode),
		logging.Duration("duration", duration),
		logging.String("dump", string(respDump)))
}

func (c *debugClient) truncate(body []byte) []byte {
	if len(body) <= c.config.MaxBodyLogSize {
		return body
	}
	c.client.logger.Debug("body truncated for logging",
		logging.Int("original_size", len(body)),
		logging.Int("logged_size", c.config.MaxBodyLogSize))
	return body[:c.config.MaxBodyLogSize]
}
