package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/cutover/internal/execution"
	"github.com/fyrsmithlabs/cutover/internal/logging"
	"github.com/fyrsmithlabs/cutover/internal/migration"
	"github.com/fyrsmithlabs/cutover/internal/rollback"
	"github.com/fyrsmithlabs/cutover/internal/routing"
	"github.com/fyrsmithlabs/cutover/internal/telemetry"
)

// RoutingControl is the part of routing.Controller exposed to operators.
type RoutingControl interface {
	BreakerState() routing.BreakerState
	TripBreaker()
	ResetBreaker()
	UpdateConfig(u routing.Update) error
	Config() routing.Config
	Performance() routing.PerformanceSnapshot
}

// RollbackControl is the part of rollback.Manager exposed to operators.
type RollbackControl interface {
	State() rollback.State
	Status() rollback.Status
	History() []rollback.Record
	RecommendRollback() rollback.Recommendation
	ExecuteEmergencyRollback(ctx context.Context, reason, operator string) (*rollback.Record, error)
	ExecuteAutomaticRollback(ctx context.Context, dryRun bool) (*rollback.Record, error)
	AttemptRecovery(ctx context.Context) (*rollback.RecoveryReport, error)
	ClearRollback(ctx context.Context, operator string) (*rollback.Record, error)
	ValidateRollbackSuccess(ctx context.Context) rollback.ValidationReport
}

// RequestRouter serves migrated traffic.
type RequestRouter interface {
	execution.Executor
	Stats() migration.Stats
}

// Dependencies are the components behind the API. Telemetry may be nil.
type Dependencies struct {
	Routing   RoutingControl
	Rollback  RollbackControl
	Router    RequestRouter
	Telemetry *telemetry.Telemetry
	Metrics   *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string

	// RateLimit is requests per second per client on /api/v1; 0 disables.
	RateLimit float64
	RateBurst int
}

// Server exposes the operator API, /health and /metrics.
type Server struct {
	echo   *echo.Echo
	deps   Dependencies
	logger *logging.Logger
	config *Config
}

// NewServer creates a new HTTP server.
func NewServer(deps Dependencies, logger *logging.Logger, cfg *Config) (*Server, error) {
	if deps.Routing == nil {
		return nil, fmt.Errorf("routing controller cannot be nil")
	}
	if deps.Rollback == nil {
		return nil, fmt.Errorf("rollback manager cannot be nil")
	}
	if deps.Router == nil {
		return nil, fmt.Errorf("migration router cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 8470}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()

	s := &Server{echo: e, deps: deps, logger: logger, config: cfg}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	if deps.Metrics != nil {
		e.Use(deps.Metrics.MetricsMiddleware())
	}
	e.Use(s.requestContext)

	s.registerRoutes()
	return s, nil
}

// requestContext puts the request ID into the request context and logs the
// outcome of every request.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		ctx := req.Context()
		id := c.Response().Header().Get(echo.HeaderXRequestID)
		if logging.ValidateID(id) == nil {
			ctx = logging.WithRequestID(ctx, id)
		}
		ctx = logging.WithLogger(ctx, s.logger)
		c.SetRequest(req.WithContext(ctx))

		err := next(c)
		if err != nil {
			// Let echo write the response so the logged status is final.
			c.Error(err)
		}

		status := c.Response().Status
		fields := []zap.Field{
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		}
		switch {
		case status >= http.StatusInternalServerError:
			s.logger.Error(ctx, "http request", append(fields, zap.Error(err))...)
		case status >= http.StatusBadRequest:
			s.logger.Warn(ctx, "http request", append(fields, zap.Error(err))...)
		default:
			s.logger.Debug(ctx, "http request", fields...)
		}
		return nil
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	if s.config.RateLimit > 0 {
		burst := s.config.RateBurst
		if burst < 1 {
			burst = 1
		}
		v1.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(s.config.RateLimit),
				Burst:     burst,
				ExpiresIn: 3 * time.Minute,
			}),
		}))
	}

	v1.GET("/status", s.handleStatus)

	v1.GET("/routing", s.handleGetRouting)
	v1.PATCH("/routing", s.handleUpdateRouting)

	v1.GET("/breaker", s.handleGetBreaker)
	v1.POST("/breaker/trip", s.handleTripBreaker)
	v1.POST("/breaker/reset", s.handleResetBreaker)

	rb := v1.Group("/rollback")
	rb.GET("/recommendation", s.handleRecommendation)
	rb.GET("/history", s.handleHistory)
	rb.GET("/validate", s.handleValidate)
	rb.POST("/emergency", s.handleEmergency)
	rb.POST("/automatic", s.handleAutomatic)
	rb.POST("/recover", s.handleRecover)
	rb.POST("/clear", s.handleClear)

	v1.POST("/execute", s.handleExecute)
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", s.Addr()))
	if err := s.echo.Start(s.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
