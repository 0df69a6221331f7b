package rollback

import (
	"slices"
	"time"

	"github.com/fyrsmithlabs/cutover/internal/routing"
)

// State is the rollback lifecycle state.
type State string

const (
	StateActive          State = "active"
	StateRollbackPending State = "rollbackPending"
	StateRollingBack     State = "rollingBack"
	StateRolledBack      State = "rolledBack"
	StateRollbackFailed  State = "rollbackFailed"
	StateRecovering      State = "recovering"
	StateRecoveryFailed  State = "recoveryFailed"
)

// Transient reports whether the state only exists while an operation runs.
func (s State) Transient() bool {
	switch s {
	case StateRollbackPending, StateRollingBack, StateRecovering:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateActive, StateRollbackPending, StateRollingBack, StateRolledBack,
		StateRollbackFailed, StateRecovering, StateRecoveryFailed:
		return true
	}
	return false
}

func (s State) gaugeValue() int {
	switch s {
	case StateActive:
		return 0
	case StateRollbackPending:
		return 1
	case StateRollingBack:
		return 2
	case StateRolledBack:
		return 3
	case StateRollbackFailed:
		return 4
	case StateRecovering:
		return 5
	case StateRecoveryFailed:
		return 6
	}
	return -1
}

// Trigger names the cause of a record.
type Trigger string

const (
	TriggerCircuitBreaker   Trigger = "circuit_breaker_open"
	TriggerErrorRate        Trigger = "error_threshold_exceeded"
	TriggerCanaryRegression Trigger = "canary_regression"
	TriggerPerformance      Trigger = "performance_degradation"
	TriggerManual           Trigger = "manual"
	TriggerRecovery         Trigger = "recovery"
	TriggerClear            Trigger = "clear"
)

// Type distinguishes operator actions from automatic ones.
type Type string

const (
	TypeManual    Type = "manual"
	TypeAutomatic Type = "automatic"
)

// Step names, in execution order.
const (
	StepSetForceLegacy = "set_force_legacy"
	StepTripBreaker    = "trip_circuit_breaker"
	StepDrainInFlight  = "drain_in_flight"
	StepValidate       = "validate"

	StepClearOverride = "clear_manual_override"
	StepResetBreaker  = "reset_circuit_breaker"
)

// RollbackSteps is the step plan of a rollback.
var RollbackSteps = []string{StepSetForceLegacy, StepTripBreaker, StepDrainInFlight, StepValidate}

// Record is one entry of the rollback history.
type Record struct {
	ID             string    `json:"id"`
	Trigger        Trigger   `json:"trigger"`
	Type           Type      `json:"type"`
	Reason         string    `json:"reason"`
	Operator       *string   `json:"operator,omitempty"`
	StepsCompleted []string  `json:"steps_completed"`
	Errors         []string  `json:"errors,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	FinalState     State     `json:"final_state"`
	DryRun         bool      `json:"dry_run,omitempty"`
}

// isRollback reports whether the record is a rollback rather than a recovery
// or a clear.
func (r Record) isRollback() bool {
	return r.Trigger != TriggerRecovery && r.Trigger != TriggerClear && !r.DryRun
}

func (r Record) clone() Record {
	out := r
	out.StepsCompleted = slices.Clone(r.StepsCompleted)
	out.Errors = slices.Clone(r.Errors)
	if r.Operator != nil {
		op := *r.Operator
		out.Operator = &op
	}
	return out
}

// Signal is one scored input of a recommendation.
type Signal struct {
	Trigger Trigger `json:"trigger"`
	Score   float64 `json:"score"`
	Detail  string  `json:"detail"`
}

// Recommendation is the outcome of scoring the routing signals.
type Recommendation struct {
	Recommended bool     `json:"recommended"`
	Score       float64  `json:"score"`
	Trigger     Trigger  `json:"trigger,omitempty"`
	Reasons     []string `json:"reasons,omitempty"`
	Signals     []Signal `json:"signals,omitempty"`
}

// Check is one validation check.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// ValidationReport is the result of ValidateRollbackSuccess.
type ValidationReport struct {
	Valid  bool    `json:"valid"`
	Checks []Check `json:"checks"`
}

// Err returns a *ValidationError naming the failed checks, or nil.
func (v ValidationReport) Err() error {
	if v.Valid {
		return nil
	}
	var failed []string
	for _, c := range v.Checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	return &ValidationError{Failed: failed}
}

// RecoveryReport is the result of AttemptRecovery.
type RecoveryReport struct {
	Record     Record           `json:"record"`
	Validation ValidationReport `json:"validation"`
	State      State            `json:"state"`
}

// HealthIndicators are the raw signals behind a recommendation.
type HealthIndicators struct {
	ErrorThresholdExceeded bool                        `json:"error_threshold_exceeded"`
	CanaryStreak           int                         `json:"canary_streak"`
	PerformanceDegraded    bool                        `json:"performance_degraded"`
	ManualOverride         routing.Override            `json:"manual_override"`
	NewSystemPercentage    int                         `json:"new_system_percentage"`
	Performance            routing.PerformanceSnapshot `json:"performance"`
}

// Status is the operator view of the rollback manager.
type Status struct {
	State            State                `json:"state"`
	IsRolledBack     bool                 `json:"is_rolled_back"`
	LastRollback     *Record              `json:"last_rollback,omitempty"`
	RollbacksToday   int                  `json:"rollbacks_today"`
	Breaker          routing.BreakerState `json:"breaker"`
	Recommendation   Recommendation       `json:"recommendation"`
	HealthIndicators HealthIndicators     `json:"health_indicators"`
}

// Snapshot is the persisted manager state.
type Snapshot struct {
	CurrentState    State     `json:"current_state"`
	RollbackHistory []Record  `json:"rollback_history"`
	LastUpdated     time.Time `json:"last_updated"`
}

// DefaultSnapshot is what a missing or corrupt snapshot loads as.
func DefaultSnapshot() Snapshot {
	return Snapshot{CurrentState: StateActive, RollbackHistory: []Record{}}
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.RollbackHistory = make([]Record, len(s.RollbackHistory))
	for i, r := range s.RollbackHistory {
		out.RollbackHistory[i] = r.clone()
	}
	return out
}
