package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/cutover/internal/execution"
	"github.com/fyrsmithlabs/cutover/internal/rollback"
)

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cutover api: %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL, e.g. "http://127.0.0.1:8470".
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	return call[HealthResponse](ctx, c, http.MethodGet, "/health", nil)
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return call[StatusResponse](ctx, c, http.MethodGet, "/api/v1/status", nil)
}

func (c *Client) Routing(ctx context.Context) (*RoutingView, error) {
	return call[RoutingView](ctx, c, http.MethodGet, "/api/v1/routing", nil)
}

func (c *Client) UpdateRouting(ctx context.Context, req RoutingUpdateRequest) (*RoutingView, error) {
	return call[RoutingView](ctx, c, http.MethodPatch, "/api/v1/routing", req)
}

func (c *Client) Breaker(ctx context.Context) (*BreakerResponse, error) {
	return call[BreakerResponse](ctx, c, http.MethodGet, "/api/v1/breaker", nil)
}

func (c *Client) TripBreaker(ctx context.Context) (*BreakerResponse, error) {
	return call[BreakerResponse](ctx, c, http.MethodPost, "/api/v1/breaker/trip", nil)
}

func (c *Client) ResetBreaker(ctx context.Context) (*BreakerResponse, error) {
	return call[BreakerResponse](ctx, c, http.MethodPost, "/api/v1/breaker/reset", nil)
}

func (c *Client) Recommendation(ctx context.Context) (*rollback.Recommendation, error) {
	return call[rollback.Recommendation](ctx, c, http.MethodGet, "/api/v1/rollback/recommendation", nil)
}

func (c *Client) History(ctx context.Context) ([]rollback.Record, error) {
	var out HistoryResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/rollback/history", nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *Client) Validate(ctx context.Context) (*rollback.ValidationReport, error) {
	return call[rollback.ValidationReport](ctx, c, http.MethodGet, "/api/v1/rollback/validate", nil)
}

func (c *Client) EmergencyRollback(ctx context.Context, reason, operator string) (*rollback.Record, error) {
	req := EmergencyRollbackRequest{Reason: reason, Operator: operator}
	return call[rollback.Record](ctx, c, http.MethodPost, "/api/v1/rollback/emergency", req)
}

func (c *Client) AutomaticRollback(ctx context.Context, dryRun bool) (*rollback.Record, error) {
	return call[rollback.Record](ctx, c, http.MethodPost, "/api/v1/rollback/automatic", AutomaticRollbackRequest{DryRun: dryRun})
}

func (c *Client) Recover(ctx context.Context) (*rollback.RecoveryReport, error) {
	return call[rollback.RecoveryReport](ctx, c, http.MethodPost, "/api/v1/rollback/recover", nil)
}

func (c *Client) ClearRollback(ctx context.Context, operator string) (*rollback.Record, error) {
	return call[rollback.Record](ctx, c, http.MethodPost, "/api/v1/rollback/clear", ClearRollbackRequest{Operator: operator})
}

func (c *Client) Execute(ctx context.Context, req *execution.RequestDescriptor) (*execution.ExecutionResult, error) {
	return call[execution.ExecutionResult](ctx, c, http.MethodPost, "/api/v1/execute", req)
}

// call performs a request and decodes the response into a new T.
func call[T any](ctx context.Context, c *Client, method, path string, body interface{}) (*T, error) {
	var out T
	if err := c.do(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends body as JSON and decodes a 2xx response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			apiErr.Message = e.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
