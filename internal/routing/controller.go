package routing

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cutover/internal/execution"
	"github.com/fyrsmithlabs/cutover/internal/metrics"
)

// Controller owns the routing configuration and the circuit breaker.
//
// Every read and write of the configuration, the breaker and the performance
// counters happens under one mutex, so concurrent callers never observe a torn
// {state, errorCount, lastErrorAt}.
//
// Thread Safety: Safe for concurrent use.
type Controller struct {
	mu      sync.Mutex
	config  Config
	breaker breaker
	perf    map[execution.System]*SystemStats
	streak  int

	now     func() time.Time
	sample  func() float64
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSampler overrides the canary sampler. f must return values in [0, 1).
func WithSampler(f func() float64) Option {
	return func(c *Controller) { c.sample = f }
}

// WithLogger sets the logger used for breaker transitions.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewController creates a controller with a closed breaker.
func NewController(cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid routing config: %w", err)
	}

	c := &Controller{
		config:  cfg.clone(),
		breaker: breaker{state: BreakerClosed},
		perf: map[execution.System]*SystemStats{
			execution.SystemLegacy:      {},
			execution.SystemReplacement: {},
		},
		now:     time.Now,
		sample:  rand.Float64,
		logger:  zap.NewNop(),
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics.SetBreakerState(BreakerClosed.gaugeValue())
	return c, nil
}

// ShouldUseReplacement decides whether a request goes to the replacement
// system. Rules are evaluated in order and the first match wins:
//  1. breaker open: legacy
//  2. manual override
//  3. forced identifier: replacement
//  4. 0% / 100%
//  5. stable hash of (key, attrs, UTC date) below the percentage
func (c *Controller) ShouldUseReplacement(key string, attrs map[string]string) bool {
	now := c.now()

	c.mu.Lock()
	tr := c.refreshLocked(now)
	decision := c.decideLocked(key, attrs, now)
	c.mu.Unlock()

	c.emit(tr)
	if decision {
		c.metrics.RecordDecision(string(execution.SystemReplacement))
	} else {
		c.metrics.RecordDecision(string(execution.SystemLegacy))
	}
	return decision
}

func (c *Controller) decideLocked(key string, attrs map[string]string, now time.Time) bool {
	if c.breaker.state == BreakerOpen {
		return false
	}
	switch c.config.ManualOverride {
	case OverrideForceLegacy:
		return false
	case OverrideForceReplacement:
		return true
	}
	if _, ok := c.config.ForcedIdentifiers[key]; ok {
		return true
	}
	switch c.config.NewSystemPercentage {
	case 0:
		return false
	case 100:
		return true
	}
	return Bucket(key, attrs, now) < c.config.NewSystemPercentage
}

// Bucket hashes the key, its attributes and the UTC calendar day into [0, 100).
// The same inputs on the same day always land in the same bucket.
func Bucket(key string, attrs map[string]string, now time.Time) int {
	h := xxhash.New()
	_, _ = h.WriteString(key)
	_, _ = h.WriteString("|")

	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, k := range names {
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("=")
		_, _ = h.WriteString(attrs[k])
		_, _ = h.WriteString(";")
	}

	_, _ = h.WriteString("|")
	_, _ = h.WriteString(now.UTC().Format(time.DateOnly))
	return int(h.Sum64() % 100)
}

// ShouldRunCanary samples canary runs independently of routing. The key is
// not part of the draw.
func (c *Controller) ShouldRunCanary(key string) bool {
	now := c.now()

	c.mu.Lock()
	tr := c.refreshLocked(now)
	enabled := c.config.CanaryEnabled && c.breaker.state != BreakerOpen
	rate := c.config.CanarySampleRate
	c.mu.Unlock()

	c.emit(tr)
	switch {
	case !enabled || rate <= 0:
		return false
	case rate >= 100:
		return true
	}
	return c.sample()*100 < float64(rate)
}

// RecordError counts a failure against the breaker and opens it once the
// threshold is reached inside the error window. An error while half-open
// reopens the breaker immediately.
func (c *Controller) RecordError(err error, ec ErrorContext) {
	now := c.now()

	c.mu.Lock()
	tr := c.refreshLocked(now)
	if t := c.breaker.recordError(now, c.config.ErrorThreshold, c.config.ErrorWindow); t != nil {
		tr = t
	}
	count := c.breaker.errorCount
	c.mu.Unlock()

	c.metrics.RecordError(string(ec.System))
	c.logger.Debug("error recorded",
		zap.String("system", string(ec.System)),
		zap.String("routing.key", ec.Key),
		zap.Bool("canary", ec.Canary),
		zap.Int("error_count", count),
		zap.Error(err))
	c.emit(tr)
}

// RecordSuccess closes a half-open breaker.
func (c *Controller) RecordSuccess() {
	now := c.now()

	c.mu.Lock()
	tr := c.refreshLocked(now)
	if t := c.breaker.recordSuccess(); t != nil {
		tr = t
	}
	c.mu.Unlock()

	c.emit(tr)
}

// BreakerState returns the breaker snapshot, moving open to half-open first if
// the recovery timeout has elapsed.
func (c *Controller) BreakerState() BreakerState {
	now := c.now()

	c.mu.Lock()
	tr := c.refreshLocked(now)
	snap := c.breaker.snapshot()
	c.mu.Unlock()

	c.emit(tr)
	return snap
}

// TripBreaker forces the breaker open until ResetBreaker.
func (c *Controller) TripBreaker() {
	now := c.now()

	c.mu.Lock()
	tr := c.breaker.trip(now)
	c.mu.Unlock()

	c.emit(tr)
}

// ResetBreaker closes the breaker and clears error history.
func (c *Controller) ResetBreaker() {
	c.mu.Lock()
	tr := c.breaker.reset()
	c.mu.Unlock()

	c.emit(tr)
}

// UpdateConfig merges a partial update. An invalid result is rejected and the
// current configuration is kept.
func (c *Controller) UpdateConfig(u Update) error {
	c.mu.Lock()
	next := u.apply(c.config)
	if err := next.Validate(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("invalid routing update: %w", err)
	}
	c.config = next
	c.mu.Unlock()

	c.logger.Info("routing config updated",
		zap.Int("new_system_percentage", next.NewSystemPercentage),
		zap.Bool("canary_enabled", next.CanaryEnabled),
		zap.Int("canary_sample_rate", next.CanarySampleRate),
		zap.String("manual_override", string(next.ManualOverride)),
		zap.Int("forced_identifiers", len(next.ForcedIdentifiers)))
	return nil
}

// Config returns a copy of the current configuration.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.clone()
}

// RecordPerformanceSample folds a sample into the per-system cumulative
// average: avg' = avg + (sample - avg) / n.
func (c *Controller) RecordPerformanceSample(s PerformanceSample) {
	c.mu.Lock()
	st, ok := c.perf[s.System]
	if !ok {
		st = &SystemStats{}
		c.perf[s.System] = st
	}
	st.Count++
	if !s.Success {
		st.Failures++
	}
	st.AvgMs += (s.DurationMs - st.AvgMs) / float64(st.Count)
	c.mu.Unlock()

	c.metrics.ObserveExecution(string(s.System), s.DurationMs/1000)
}

// Performance returns the per-system stats.
func (c *Controller) Performance() PerformanceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.performanceLocked()
}

func (c *Controller) performanceLocked() PerformanceSnapshot {
	return PerformanceSnapshot{
		Legacy:      *c.perf[execution.SystemLegacy],
		Replacement: *c.perf[execution.SystemReplacement],
	}
}

// RecordCanaryOutcome tracks consecutive bad canaries. A mismatch or a
// regression extends the streak; a clean match resets it.
func (c *Controller) RecordCanaryOutcome(match, regression bool) {
	c.mu.Lock()
	if !match || regression {
		c.streak++
	} else {
		c.streak = 0
	}
	c.mu.Unlock()

	switch {
	case regression:
		c.metrics.RecordCanary("regression")
	case !match:
		c.metrics.RecordCanary("mismatch")
	default:
		c.metrics.RecordCanary("match")
	}
}

// CanaryStreak returns the number of consecutive bad canaries.
func (c *Controller) CanaryStreak() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streak
}

// ErrorThresholdExceeded reports whether at least ErrorThreshold errors were
// recorded and the latest one is still inside the error window, regardless of
// the breaker state.
func (c *Controller) ErrorThresholdExceeded() bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorThresholdExceededLocked(now)
}

func (c *Controller) errorThresholdExceededLocked(now time.Time) bool {
	b := c.breaker
	return b.errorCount >= c.config.ErrorThreshold &&
		b.lastErrorAt != nil &&
		now.Sub(*b.lastErrorAt) <= c.config.ErrorWindow
}

// PerformanceDegraded reports whether the replacement's average latency is
// more than DegradationFactor times the legacy average, once both sides have
// MinPerformanceSamples samples.
func (c *Controller) PerformanceDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.performanceDegradedLocked()
}

func (c *Controller) performanceDegradedLocked() bool {
	legacy := c.perf[execution.SystemLegacy]
	repl := c.perf[execution.SystemReplacement]
	minSamples := int64(c.config.MinPerformanceSamples)
	if legacy.Count < minSamples || repl.Count < minSamples || legacy.AvgMs <= 0 {
		return false
	}
	return repl.AvgMs > legacy.AvgMs*c.config.DegradationFactor
}

// Signals returns everything the rollback manager scores, read under one lock.
func (c *Controller) Signals() Signals {
	now := c.now()

	c.mu.Lock()
	tr := c.refreshLocked(now)
	s := Signals{
		Breaker:                c.breaker.snapshot(),
		Config:                 c.config.clone(),
		ErrorThresholdExceeded: c.errorThresholdExceededLocked(now),
		CanaryStreak:           c.streak,
		CanaryRegression:       c.streak >= c.config.CanaryStreakThreshold,
		PerformanceDegraded:    c.performanceDegradedLocked(),
		Performance:            c.performanceLocked(),
	}
	c.mu.Unlock()

	c.emit(tr)
	return s
}

// refreshLocked applies the lazy open -> half-open transition.
func (c *Controller) refreshLocked(now time.Time) *transition {
	return c.breaker.refresh(now, c.config.CircuitRecoveryTimeout)
}

// emit logs and counts a transition outside the lock.
func (c *Controller) emit(tr *transition) {
	if tr == nil {
		return
	}
	c.metrics.SetBreakerState(tr.to.gaugeValue())
	c.metrics.RecordBreakerTransition(string(tr.to))

	fields := []zap.Field{
		zap.String("from", string(tr.from)),
		zap.String("to", string(tr.to)),
		zap.String("reason", tr.reason),
		zap.Int("error_count", tr.errorCount),
	}
	if tr.to == BreakerOpen {
		c.logger.Warn("circuit breaker opened", fields...)
		return
	}
	c.logger.Info("circuit breaker transition", fields...)
}
