package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/cutover/internal/config"
	"github.com/fyrsmithlabs/cutover/internal/execution"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxRetries  = 2
	defaultBaseBackoff = 200 * time.Millisecond

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 16 << 20
)

// Config configures a Client.
type Config struct {
	// System names the backend in logs and errors.
	System execution.System

	// BaseURL is the backend root. Execute posts to BaseURL/execute and
	// Health gets BaseURL/health.
	BaseURL string

	// Token is sent as a bearer token when set.
	Token config.Secret

	// Timeout bounds each HTTP attempt. Defaults to 30s.
	Timeout time.Duration

	// RequestsPerSecond throttles outgoing requests. Zero disables throttling.
	RequestsPerSecond float64

	// MaxRetries is the number of retries for transport errors, 429 and 5xx
	// responses. Negative disables retries; zero uses the default of 2.
	MaxRetries int
}

// Client is an execution.Executor backed by a generation service speaking
// JSON over HTTP. It also implements Health, which rollback validation uses
// as its legacy probe.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	system     execution.System
	baseURL    string
	token      config.Secret
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	logger     *zap.Logger
}

// NewClient returns a client for cfg.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s backend url required", cfg.System)
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("%s backend url must be http or https: %q", cfg.System, cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	switch {
	case retries == 0:
		retries = defaultMaxRetries
	case retries < 0:
		retries = 0
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		system:  cfg.System,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter:    limiter,
		maxRetries: retries,
		logger:     logger.With(zap.String("system", string(cfg.System))),
	}, nil
}

// Execute posts req to the backend and decodes the result. A non-2xx
// response that is not retried is an error; a decoded result with
// success=false is returned as is.
func (c *Client) Execute(ctx context.Context, req *execution.RequestDescriptor) (*execution.ExecutionResult, error) {
	if req == nil {
		return nil, errors.New("request is required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			c.logger.Debug("retrying backend request",
				zap.Int("attempt", attempt),
				zap.String("routing.key", req.Key),
				zap.Error(lastErr))
		}

		res, err := c.doExecute(ctx, body)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s backend: max retries exceeded: %w", c.system, lastErr)
}

func (c *Client) doExecute(ctx context.Context, body []byte) (*execution.ExecutionResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &retryableError{err: fmt.Errorf("%s backend request failed: %w", c.system, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if err := statusError(c.system, resp.StatusCode, data); err != nil {
		return nil, err
	}

	var res execution.ExecutionResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", c.system, err)
	}
	if res.DurationMs == 0 {
		res.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	}
	// The router owns migration annotations.
	res.Migration = nil
	return &res, nil
}

// Health reports whether the backend answers GET /health with a 2xx.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s health check failed: %w", c.system, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s unhealthy (%d): %s", c.system, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

func (c *Client) authorize(r *http.Request) {
	if c.token.IsSet() {
		r.Header.Set("Authorization", "Bearer "+c.token.Value())
	}
}

func statusError(system execution.System, code int, body []byte) error {
	switch {
	case code == http.StatusTooManyRequests:
		return &retryableError{err: fmt.Errorf("%s backend rate limited (429)", system)}
	case code >= 500:
		return &retryableError{err: fmt.Errorf("%s backend server error (%d): %s", system, code, truncate(body))}
	case code < 200 || code > 299:
		return fmt.Errorf("%s backend error (%d): %s", system, code, truncate(body))
	}
	return nil
}

func truncate(body []byte) string {
	const maxLen = 512
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

// retryableError marks failures worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
