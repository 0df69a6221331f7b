package http

import (
	"sort"

	"github.com/fyrsmithlabs/cutover/internal/migration"
	"github.com/fyrsmithlabs/cutover/internal/rollback"
	"github.com/fyrsmithlabs/cutover/internal/routing"
	"github.com/fyrsmithlabs/cutover/internal/telemetry"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	State     rollback.State          `json:"rollback_state"`
	Breaker   routing.BreakerStatus   `json:"breaker"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Version  string          `json:"version"`
	Rollback rollback.Status `json:"rollback"`
	Routing  RoutingView     `json:"routing"`
	Router   migration.Stats `json:"router"`
}

// RoutingView is the JSON form of routing.Config.
type RoutingView struct {
	NewSystemPercentage    int                         `json:"new_system_percentage"`
	ForcedIdentifiers      []string                    `json:"forced_identifiers"`
	CanaryEnabled          bool                        `json:"canary_enabled"`
	CanarySampleRate       int                         `json:"canary_sample_rate"`
	CanaryTimeout          string                      `json:"canary_timeout"`
	ErrorThreshold         int                         `json:"error_threshold"`
	ErrorWindow            string                      `json:"error_window"`
	CircuitRecoveryTimeout string                      `json:"circuit_recovery_timeout"`
	FallbackOnError        bool                        `json:"fallback_on_error"`
	ManualOverride         routing.Override            `json:"manual_override"`
	CanaryStreakThreshold  int                         `json:"canary_streak_threshold"`
	DegradationFactor      float64                     `json:"degradation_factor"`
	MinPerformanceSamples  int                         `json:"min_performance_samples"`
	Breaker                routing.BreakerState        `json:"breaker"`
	Performance            routing.PerformanceSnapshot `json:"performance"`
}

func newRoutingView(cfg routing.Config, breaker routing.BreakerState, perf routing.PerformanceSnapshot) RoutingView {
	ids := make([]string, 0, len(cfg.ForcedIdentifiers))
	for id := range cfg.ForcedIdentifiers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return RoutingView{
		NewSystemPercentage:    cfg.NewSystemPercentage,
		ForcedIdentifiers:      ids,
		CanaryEnabled:          cfg.CanaryEnabled,
		CanarySampleRate:       cfg.CanarySampleRate,
		CanaryTimeout:          cfg.CanaryTimeout.String(),
		ErrorThreshold:         cfg.ErrorThreshold,
		ErrorWindow:            cfg.ErrorWindow.String(),
		CircuitRecoveryTimeout: cfg.CircuitRecoveryTimeout.String(),
		FallbackOnError:        cfg.FallbackOnError,
		ManualOverride:         cfg.ManualOverride,
		CanaryStreakThreshold:  cfg.CanaryStreakThreshold,
		DegradationFactor:      cfg.DegradationFactor,
		MinPerformanceSamples:  cfg.MinPerformanceSamples,
		Breaker:                breaker,
		Performance:            perf,
	}
}

// RoutingUpdateRequest is the body of PATCH /api/v1/routing. Absent fields
// are left unchanged. Durations use Go duration syntax ("30s", "5m").
type RoutingUpdateRequest struct {
	NewSystemPercentage    *int      `json:"new_system_percentage,omitempty" validate:"omitempty,min=0,max=100"`
	ForcedIdentifiers      *[]string `json:"forced_identifiers,omitempty" validate:"omitempty,dive,max=256"`
	CanaryEnabled          *bool     `json:"canary_enabled,omitempty"`
	CanarySampleRate       *int      `json:"canary_sample_rate,omitempty" validate:"omitempty,min=0,max=100"`
	CanaryTimeout          *string   `json:"canary_timeout,omitempty" validate:"omitempty,duration"`
	ErrorThreshold         *int      `json:"error_threshold,omitempty" validate:"omitempty,min=1"`
	ErrorWindow            *string   `json:"error_window,omitempty" validate:"omitempty,duration"`
	CircuitRecoveryTimeout *string   `json:"circuit_recovery_timeout,omitempty" validate:"omitempty,duration"`
	FallbackOnError        *bool     `json:"fallback_on_error,omitempty"`
	ManualOverride         *string   `json:"manual_override,omitempty" validate:"omitempty,oneof=none forceLegacy forceReplacement force_legacy force_replacement"`
	CanaryStreakThreshold  *int      `json:"canary_streak_threshold,omitempty" validate:"omitempty,min=1"`
	DegradationFactor      *float64  `json:"degradation_factor,omitempty" validate:"omitempty,gt=1"`
	MinPerformanceSamples  *int      `json:"min_performance_samples,omitempty" validate:"omitempty,min=1"`
}

// EmergencyRollbackRequest is the body of POST /api/v1/rollback/emergency.
type EmergencyRollbackRequest struct {
	Reason   string `json:"reason" validate:"required,max=1024"`
	Operator string `json:"operator" validate:"required,max=128"`
}

// AutomaticRollbackRequest is the body of POST /api/v1/rollback/automatic.
type AutomaticRollbackRequest struct {
	DryRun bool `json:"dry_run"`
}

// ClearRollbackRequest is the body of POST /api/v1/rollback/clear.
type ClearRollbackRequest struct {
	Operator string `json:"operator" validate:"required,max=128"`
}

// BreakerResponse wraps a breaker snapshot.
type BreakerResponse struct {
	Breaker routing.BreakerState `json:"breaker"`
}

// HistoryResponse is the body of GET /api/v1/rollback/history.
type HistoryResponse struct {
	Records []rollback.Record `json:"records"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Message string `json:"message"`
}
