package routing

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/fyrsmithlabs/cutover/internal/execution"
)

// Override forces every request to one system regardless of percentage.
type Override string

const (
	OverrideNone             Override = "none"
	OverrideForceLegacy      Override = "forceLegacy"
	OverrideForceReplacement Override = "forceReplacement"
)

// ParseOverride accepts the camelCase names plus snake_case spellings.
func ParseOverride(s string) (Override, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "")) {
	case "", "none":
		return OverrideNone, nil
	case "forcelegacy":
		return OverrideForceLegacy, nil
	case "forcereplacement":
		return OverrideForceReplacement, nil
	default:
		return OverrideNone, fmt.Errorf("unknown manual override %q", s)
	}
}

// BreakerStatus is the circuit breaker state.
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "halfOpen"
)

// gaugeValue maps the status to the cutover_breaker_state gauge.
func (s BreakerStatus) gaugeValue() int {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

// BreakerState is a consistent snapshot of the circuit breaker.
// OpenedAt is non-nil iff State is BreakerOpen.
type BreakerState struct {
	State       BreakerStatus `json:"state"`
	ErrorCount  int           `json:"error_count"`
	LastErrorAt *time.Time    `json:"last_error_at,omitempty"`
	OpenedAt    *time.Time    `json:"opened_at,omitempty"`

	// ForcedOpen marks a breaker tripped by an operator or a rollback. A forced
	// breaker stays open until ResetBreaker.
	ForcedOpen bool `json:"forced_open"`
}

// Config is the routing configuration owned by the Controller.
type Config struct {
	NewSystemPercentage    int
	ForcedIdentifiers      map[string]struct{}
	CanaryEnabled          bool
	CanarySampleRate       int
	CanaryTimeout          time.Duration
	ErrorThreshold         int
	ErrorWindow            time.Duration
	CircuitRecoveryTimeout time.Duration
	FallbackOnError        bool
	ManualOverride         Override

	// CanaryStreakThreshold is how many consecutive bad canaries count as a
	// regression signal.
	CanaryStreakThreshold int

	// DegradationFactor is the replacement/legacy average latency ratio above
	// which performance counts as degraded.
	DegradationFactor float64

	// MinPerformanceSamples is required on both sides before degradation is judged.
	MinPerformanceSamples int
}

// DefaultConfig returns a conservative configuration: all traffic on legacy.
func DefaultConfig() Config {
	return Config{
		NewSystemPercentage:    0,
		ForcedIdentifiers:      map[string]struct{}{},
		CanaryEnabled:          false,
		CanarySampleRate:       10,
		CanaryTimeout:          5 * time.Second,
		ErrorThreshold:         5,
		ErrorWindow:            time.Minute,
		CircuitRecoveryTimeout: 5 * time.Minute,
		FallbackOnError:        true,
		ManualOverride:         OverrideNone,
		CanaryStreakThreshold:  3,
		DegradationFactor:      1.5,
		MinPerformanceSamples:  10,
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	var errs []error
	if c.NewSystemPercentage < 0 || c.NewSystemPercentage > 100 {
		errs = append(errs, fmt.Errorf("new system percentage must be 0-100, got %d", c.NewSystemPercentage))
	}
	if c.CanarySampleRate < 0 || c.CanarySampleRate > 100 {
		errs = append(errs, fmt.Errorf("canary sample rate must be 0-100, got %d", c.CanarySampleRate))
	}
	if c.CanaryTimeout <= 0 {
		errs = append(errs, errors.New("canary timeout must be positive"))
	}
	if c.ErrorThreshold < 1 {
		errs = append(errs, fmt.Errorf("error threshold must be >= 1, got %d", c.ErrorThreshold))
	}
	if c.ErrorWindow <= 0 {
		errs = append(errs, errors.New("error window must be positive"))
	}
	if c.CircuitRecoveryTimeout <= 0 {
		errs = append(errs, errors.New("circuit recovery timeout must be positive"))
	}
	switch c.ManualOverride {
	case OverrideNone, OverrideForceLegacy, OverrideForceReplacement:
	default:
		errs = append(errs, fmt.Errorf("unknown manual override %q", c.ManualOverride))
	}
	if c.CanaryStreakThreshold < 1 {
		errs = append(errs, fmt.Errorf("canary streak threshold must be >= 1, got %d", c.CanaryStreakThreshold))
	}
	if c.DegradationFactor <= 1 {
		errs = append(errs, fmt.Errorf("degradation factor must be > 1, got %v", c.DegradationFactor))
	}
	if c.MinPerformanceSamples < 1 {
		errs = append(errs, fmt.Errorf("min performance samples must be >= 1, got %d", c.MinPerformanceSamples))
	}
	return errors.Join(errs...)
}

// clone copies c so callers cannot mutate the controller's identifier set.
func (c Config) clone() Config {
	c.ForcedIdentifiers = maps.Clone(c.ForcedIdentifiers)
	if c.ForcedIdentifiers == nil {
		c.ForcedIdentifiers = map[string]struct{}{}
	}
	return c
}

// IdentifierSet builds a forced-identifier set from a list.
func IdentifierSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

// Update is a partial configuration change. Nil fields are left untouched.
type Update struct {
	NewSystemPercentage    *int
	ForcedIdentifiers      *[]string
	CanaryEnabled          *bool
	CanarySampleRate       *int
	CanaryTimeout          *time.Duration
	ErrorThreshold         *int
	ErrorWindow            *time.Duration
	CircuitRecoveryTimeout *time.Duration
	FallbackOnError        *bool
	ManualOverride         *Override
	CanaryStreakThreshold  *int
	DegradationFactor      *float64
	MinPerformanceSamples  *int
}

// apply returns cfg with the update merged in.
func (u Update) apply(cfg Config) Config {
	cfg = cfg.clone()
	if u.NewSystemPercentage != nil {
		cfg.NewSystemPercentage = *u.NewSystemPercentage
	}
	if u.ForcedIdentifiers != nil {
		cfg.ForcedIdentifiers = IdentifierSet(*u.ForcedIdentifiers)
	}
	if u.CanaryEnabled != nil {
		cfg.CanaryEnabled = *u.CanaryEnabled
	}
	if u.CanarySampleRate != nil {
		cfg.CanarySampleRate = *u.CanarySampleRate
	}
	if u.CanaryTimeout != nil {
		cfg.CanaryTimeout = *u.CanaryTimeout
	}
	if u.ErrorThreshold != nil {
		cfg.ErrorThreshold = *u.ErrorThreshold
	}
	if u.ErrorWindow != nil {
		cfg.ErrorWindow = *u.ErrorWindow
	}
	if u.CircuitRecoveryTimeout != nil {
		cfg.CircuitRecoveryTimeout = *u.CircuitRecoveryTimeout
	}
	if u.FallbackOnError != nil {
		cfg.FallbackOnError = *u.FallbackOnError
	}
	if u.ManualOverride != nil {
		cfg.ManualOverride = *u.ManualOverride
	}
	if u.CanaryStreakThreshold != nil {
		cfg.CanaryStreakThreshold = *u.CanaryStreakThreshold
	}
	if u.DegradationFactor != nil {
		cfg.DegradationFactor = *u.DegradationFactor
	}
	if u.MinPerformanceSamples != nil {
		cfg.MinPerformanceSamples = *u.MinPerformanceSamples
	}
	return cfg
}

// ErrorContext describes where a recorded error came from.
type ErrorContext struct {
	System execution.System
	Key    string
	Canary bool
}

// PerformanceSample is one observed execution.
type PerformanceSample struct {
	System     execution.System
	DurationMs float64
	Success    bool
}

// SystemStats aggregates samples for one system.
type SystemStats struct {
	Count    int64   `json:"count"`
	Failures int64   `json:"failures"`
	AvgMs    float64 `json:"avg_ms"`
}

// PerformanceSnapshot holds stats for both systems.
type PerformanceSnapshot struct {
	Legacy      SystemStats `json:"legacy"`
	Replacement SystemStats `json:"replacement"`
}

// Signals is a consistent view of everything rollback decisions look at.
type Signals struct {
	Breaker                BreakerState
	Config                 Config
	ErrorThresholdExceeded bool
	CanaryStreak           int
	CanaryRegression       bool
	PerformanceDegraded    bool
	Performance            PerformanceSnapshot
}
