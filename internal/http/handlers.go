package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cutover/internal/execution"
	"github.com/fyrsmithlabs/cutover/internal/logging"
	"github.com/fyrsmithlabs/cutover/internal/rollback"
	"github.com/fyrsmithlabs/cutover/internal/routing"
)

// handleHealth reports degraded while a rollback holds or the breaker is open.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:  "ok",
		State:   s.deps.Rollback.State(),
		Breaker: s.deps.Routing.BreakerState().State,
	}
	if resp.State != rollback.StateActive || resp.Breaker == routing.BreakerOpen {
		resp.Status = "degraded"
	}
	if s.deps.Telemetry != nil {
		h := s.deps.Telemetry.Health()
		resp.Telemetry = &h
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Version:  s.config.Version,
		Rollback: s.deps.Rollback.Status(),
		Routing:  s.routingView(),
		Router:   s.deps.Router.Stats(),
	})
}

func (s *Server) routingView() RoutingView {
	return newRoutingView(s.deps.Routing.Config(), s.deps.Routing.BreakerState(), s.deps.Routing.Performance())
}

func (s *Server) handleGetRouting(c echo.Context) error {
	return c.JSON(http.StatusOK, s.routingView())
}

// handleUpdateRouting applies a partial routing change. While a rollback holds
// the override can only be set to forceLegacy.
func (s *Server) handleUpdateRouting(c echo.Context) error {
	var req RoutingUpdateRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	update, err := req.toUpdate()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if state := s.deps.Rollback.State(); state != rollback.StateActive {
		if update.ManualOverride != nil && *update.ManualOverride != routing.OverrideForceLegacy {
			return echo.NewHTTPError(http.StatusConflict,
				"manual override is held at forceLegacy while rollback state is "+string(state))
		}
	}

	if err := s.deps.Routing.UpdateConfig(update); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	logging.FromContext(c.Request().Context()).Info(c.Request().Context(), "routing config updated",
		zap.Int("new_system_percentage", s.deps.Routing.Config().NewSystemPercentage),
		zap.String("manual_override", string(s.deps.Routing.Config().ManualOverride)))
	return c.JSON(http.StatusOK, s.routingView())
}

func (r RoutingUpdateRequest) toUpdate() (routing.Update, error) {
	var u routing.Update
	u.NewSystemPercentage = r.NewSystemPercentage
	u.ForcedIdentifiers = r.ForcedIdentifiers
	u.CanaryEnabled = r.CanaryEnabled
	u.CanarySampleRate = r.CanarySampleRate
	u.ErrorThreshold = r.ErrorThreshold
	u.FallbackOnError = r.FallbackOnError
	u.CanaryStreakThreshold = r.CanaryStreakThreshold
	u.DegradationFactor = r.DegradationFactor
	u.MinPerformanceSamples = r.MinPerformanceSamples

	var err error
	if u.CanaryTimeout, err = parseDuration(r.CanaryTimeout); err != nil {
		return u, err
	}
	if u.ErrorWindow, err = parseDuration(r.ErrorWindow); err != nil {
		return u, err
	}
	if u.CircuitRecoveryTimeout, err = parseDuration(r.CircuitRecoveryTimeout); err != nil {
		return u, err
	}
	if r.ManualOverride != nil {
		o, err := routing.ParseOverride(*r.ManualOverride)
		if err != nil {
			return u, err
		}
		u.ManualOverride = &o
	}
	return u, nil
}

func parseDuration(s *string) (*time.Duration, error) {
	if s == nil {
		return nil, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(*s))
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Server) handleGetBreaker(c echo.Context) error {
	return c.JSON(http.StatusOK, BreakerResponse{Breaker: s.deps.Routing.BreakerState()})
}

func (s *Server) handleTripBreaker(c echo.Context) error {
	s.deps.Routing.TripBreaker()
	ctx := c.Request().Context()
	logging.FromContext(ctx).Warn(ctx, "circuit breaker tripped by operator")
	return c.JSON(http.StatusOK, BreakerResponse{Breaker: s.deps.Routing.BreakerState()})
}

// handleResetBreaker refuses while a rollback holds the breaker open.
func (s *Server) handleResetBreaker(c echo.Context) error {
	if state := s.deps.Rollback.State(); state != rollback.StateActive {
		return echo.NewHTTPError(http.StatusConflict,
			"breaker is held open while rollback state is "+string(state))
	}
	s.deps.Routing.ResetBreaker()
	ctx := c.Request().Context()
	logging.FromContext(ctx).Info(ctx, "circuit breaker reset by operator")
	return c.JSON(http.StatusOK, BreakerResponse{Breaker: s.deps.Routing.BreakerState()})
}

func (s *Server) handleRecommendation(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Rollback.RecommendRollback())
}

func (s *Server) handleHistory(c echo.Context) error {
	records := s.deps.Rollback.History()
	if records == nil {
		records = []rollback.Record{}
	}
	return c.JSON(http.StatusOK, HistoryResponse{Records: records})
}

func (s *Server) handleValidate(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Rollback.ValidateRollbackSuccess(c.Request().Context()))
}

// rollbackContext detaches a state transition from the operator's connection.
// Manager.Close still interrupts the drain on shutdown.
func rollbackContext(c echo.Context) context.Context {
	return context.WithoutCancel(c.Request().Context())
}

func (s *Server) handleEmergency(c echo.Context) error {
	var req EmergencyRollbackRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := logging.ValidateID(req.Operator); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid operator: "+err.Error())
	}
	ctx := logging.WithOperator(rollbackContext(c), req.Operator)

	record, err := s.deps.Rollback.ExecuteEmergencyRollback(ctx, req.Reason, req.Operator)
	if err != nil {
		return apiError(err)
	}
	logging.FromContext(ctx).Warn(ctx, "emergency rollback executed",
		zap.String("rollback.id", record.ID),
		zap.String("final_state", string(record.FinalState)))
	return c.JSON(http.StatusOK, record)
}

func (s *Server) handleAutomatic(c echo.Context) error {
	var req AutomaticRollbackRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	record, err := s.deps.Rollback.ExecuteAutomaticRollback(rollbackContext(c), req.DryRun)
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, record)
}

func (s *Server) handleRecover(c echo.Context) error {
	report, err := s.deps.Rollback.AttemptRecovery(rollbackContext(c))
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleClear(c echo.Context) error {
	var req ClearRollbackRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := logging.ValidateID(req.Operator); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid operator: "+err.Error())
	}
	ctx := logging.WithOperator(rollbackContext(c), req.Operator)

	record, err := s.deps.Rollback.ClearRollback(ctx, req.Operator)
	if err != nil {
		return apiError(err)
	}
	logging.FromContext(ctx).Info(ctx, "rollback cleared", zap.String("rollback.id", record.ID))
	return c.JSON(http.StatusOK, record)
}

// handleExecute routes one request through the migration router.
func (s *Server) handleExecute(c echo.Context) error {
	var req execution.RequestDescriptor
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Key) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key is required")
	}
	ctx := logging.WithRoutingKey(c.Request().Context(), req.Key)

	result, err := s.deps.Router.Execute(ctx, &req)
	if err != nil {
		return executeError(err)
	}
	return c.JSON(http.StatusOK, result)
}
