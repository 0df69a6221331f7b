package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/cutover/internal/execution"
	"github.com/fyrsmithlabs/cutover/internal/logging"
	"github.com/fyrsmithlabs/cutover/internal/migration"
	"github.com/fyrsmithlabs/cutover/internal/rollback"
	"github.com/fyrsmithlabs/cutover/internal/routing"
)

type testEnv struct {
	server   *Server
	ctrl     *routing.Controller
	manager  *rollback.Manager
	router   *migration.Router
	logger   *logging.TestLogger
	legacy   execution.ExecutorFunc
	failNext bool
}

func okResult(artifacts int) *execution.ExecutionResult {
	return &execution.ExecutionResult{Success: true, ArtifactCount: artifacts}
}

// setupTestServer wires real routing, rollback and migration components
// behind a server. Legacy succeeds unless env.failNext is set.
func setupTestServer(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{logger: logging.NewTestLogger()}

	ctrl, err := routing.NewController(routing.DefaultConfig())
	require.NoError(t, err)
	env.ctrl = ctrl

	rcfg := rollback.DefaultConfig()
	rcfg.GracePeriod = 0
	manager, err := rollback.New(context.Background(), ctrl, rollback.NewMemoryStore(), rcfg)
	require.NoError(t, err)
	t.Cleanup(manager.Close)
	env.manager = manager

	legacy := execution.ExecutorFunc(func(_ context.Context, _ *execution.RequestDescriptor) (*execution.ExecutionResult, error) {
		if env.failNext {
			return nil, errors.New("legacy unavailable")
		}
		return okResult(2), nil
	})
	replacement := execution.ExecutorFunc(func(_ context.Context, _ *execution.RequestDescriptor) (*execution.ExecutionResult, error) {
		return okResult(2), nil
	})
	router, err := migration.NewRouter(ctrl, legacy, replacement, migration.DefaultConfig(), nil)
	require.NoError(t, err)
	env.router = router

	cfg := &Config{Host: "127.0.0.1", Port: 0, Version: "test"}
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := NewServer(Dependencies{Routing: ctrl, Rollback: manager, Router: router}, env.logger.Logger, cfg)
	require.NoError(t, err)
	env.server = srv
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNewServer_Validation(t *testing.T) {
	env := setupTestServer(t, nil)
	logger := logging.NewTestLogger().Logger

	tests := []struct {
		name string
		deps Dependencies
		log  *logging.Logger
	}{
		{"missing routing", Dependencies{Rollback: env.manager, Router: env.router}, logger},
		{"missing rollback", Dependencies{Routing: env.ctrl, Router: env.router}, logger},
		{"missing router", Dependencies{Routing: env.ctrl, Rollback: env.manager}, logger},
		{"missing logger", Dependencies{Routing: env.ctrl, Rollback: env.manager, Router: env.router}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServer(tt.deps, tt.log, nil)
			assert.Error(t, err)
		})
	}
}

func TestServer_Addr(t *testing.T) {
	env := setupTestServer(t, func(c *Config) { c.Port = 9000 })
	assert.Equal(t, "127.0.0.1:9000", env.server.Addr())
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t, nil)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, rollback.StateActive, health.State)
	assert.Equal(t, routing.BreakerClosed, health.Breaker)
	assert.Nil(t, health.Telemetry)

	env.ctrl.TripBreaker()
	health = decode[HealthResponse](t, env.do(t, http.MethodGet, "/health", nil))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, routing.BreakerOpen, health.Breaker)
}

func TestStatus(t *testing.T) {
	env := setupTestServer(t, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[StatusResponse](t, rec)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, rollback.StateActive, status.Rollback.State)
	assert.Equal(t, 0, status.Routing.NewSystemPercentage)
	assert.Equal(t, "5s", status.Routing.CanaryTimeout)
	assert.Equal(t, []string{}, status.Routing.ForcedIdentifiers)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRequestID(t *testing.T) {
	env := setupTestServer(t, nil)

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestRateLimit(t *testing.T) {
	env := setupTestServer(t, func(c *Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/status", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodGet, "/api/v1/status", nil).Code)

	// Health checks are not limited.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code)
}

func TestRequestLogging(t *testing.T) {
	env := setupTestServer(t, nil)

	env.do(t, http.MethodGet, "/api/v1/status", nil)
	env.logger.AssertLogged(t, zapcore.DebugLevel, "http request")
	env.logger.AssertField(t, "http request", "uri", "/api/v1/status")

	env.do(t, http.MethodPost, "/api/v1/rollback/emergency", map[string]string{"reason": "x"})
	env.logger.AssertLogged(t, zapcore.WarnLevel, "http request")
	env.logger.AssertField(t, "http request", "status", int64(http.StatusBadRequest))
}
