package rollback

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cutover/internal/metrics"
	"github.com/fyrsmithlabs/cutover/internal/routing"
)

const instrumentationName = "github.com/fyrsmithlabs/cutover/internal/rollback"

// HistoryLimit is the number of records kept in memory and in the snapshot.
const HistoryLimit = 100

// recommendThreshold is the score a recommendation has to exceed.
const recommendThreshold = 0.6

// Signal scores. The highest applicable score wins.
const (
	scoreBreakerOpen  = 0.9
	scoreErrorRate    = 0.8
	scoreCanaryStreak = 0.7
	scorePerformance  = 0.6
)

// Controller is the subset of routing.Controller the manager drives.
type Controller interface {
	Signals() routing.Signals
	UpdateConfig(u routing.Update) error
	TripBreaker()
	ResetBreaker()
}

// Config configures the manager.
type Config struct {
	// AutoRollbackEnabled allows ExecuteAutomaticRollback to act.
	AutoRollbackEnabled bool

	// GracePeriod is how long drain_in_flight waits for requests already
	// routed to the replacement.
	GracePeriod time.Duration

	// MaxAutoRollbacksPerDay caps automatic rollbacks per UTC day. Zero
	// means no cap.
	MaxAutoRollbacksPerDay int
}

// DefaultConfig returns automatic rollback enabled with a 5s grace period and
// at most 3 automatic rollbacks a day.
func DefaultConfig() Config {
	return Config{
		AutoRollbackEnabled:    true,
		GracePeriod:            5 * time.Second,
		MaxAutoRollbacksPerDay: 3,
	}
}

// Manager runs the rollback state machine.
//
// State checks and transitions happen under one mutex and every snapshot is
// written while holding it, so the store sees a single writer. The steps of a
// rollback run outside the mutex; a concurrent attempt sees the in-progress
// state and is rejected with *RollbackStateError.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	state   State
	history []Record

	controller Controller
	store      StateStore
	probe      HealthProbe
	config     Config

	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHealthProbe sets the legacy health probe used by validation. Without
// one, the health check passes with a note.
func WithHealthProbe(p HealthProbe) Option {
	return func(m *Manager) { m.probe = p }
}

// New loads the persisted snapshot and returns a manager ready for traffic.
//
// A snapshot caught in a transient state (the process died mid-operation)
// loads as rollbackFailed. Any state other than active re-applies the
// rollback hold on the controller: force legacy and trip the breaker.
func New(ctx context.Context, ctrl Controller, store StateStore, cfg Config, opts ...Option) (*Manager, error) {
	if ctrl == nil {
		return nil, errors.New("routing controller is required")
	}
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if cfg.GracePeriod < 0 {
		return nil, fmt.Errorf("grace period must be >= 0, got %s", cfg.GracePeriod)
	}
	if cfg.MaxAutoRollbacksPerDay < 0 {
		return nil, fmt.Errorf("max automatic rollbacks per day must be >= 0, got %d", cfg.MaxAutoRollbacksPerDay)
	}

	m := &Manager{
		controller: ctrl,
		store:      store,
		config:     cfg,
		logger:     zap.NewNop(),
		metrics:    metrics.New(),
		tracer:     otel.Tracer(instrumentationName),
		now:        time.Now,
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	snap, err := store.Load(ctx)
	switch {
	case errors.Is(err, ErrCorruptSnapshot):
		m.logger.Warn("rollback snapshot is corrupt, starting from active", zap.Error(err))
		snap = DefaultSnapshot()
	case err != nil:
		return nil, fmt.Errorf("failed to load rollback snapshot: %w", err)
	}

	m.state = snap.CurrentState
	m.history = snap.RollbackHistory
	if !m.state.Valid() {
		m.logger.Warn("unknown rollback state in snapshot, starting from active",
			zap.String("state", string(m.state)))
		m.state = StateActive
	}
	if len(m.history) > HistoryLimit {
		m.history = m.history[len(m.history)-HistoryLimit:]
	}

	if m.state.Transient() {
		m.logger.Warn("rollback snapshot left in transient state, marking failed",
			zap.String("state", string(m.state)))
		m.state = StateRollbackFailed
		m.mu.Lock()
		if err := m.persistLocked(ctx); err != nil {
			m.logger.Error("failed to persist recovered rollback state", zap.Error(err))
		}
		m.mu.Unlock()
	}
	if m.state != StateActive {
		if err := m.hold(); err != nil {
			m.logger.Error("failed to re-apply rollback hold", zap.Error(err))
		}
		m.logger.Info("rollback hold re-applied from snapshot", zap.String("state", string(m.state)))
	}

	m.metrics.SetRollbackState(m.state.gaugeValue())
	return m, nil
}

// hold forces legacy and trips the breaker.
func (m *Manager) hold() error {
	legacy := routing.OverrideForceLegacy
	err := m.controller.UpdateConfig(routing.Update{ManualOverride: &legacy})
	m.controller.TripBreaker()
	return err
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns a copy of the history, oldest first.
func (m *Manager) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.history))
	for i, r := range m.history {
		out[i] = r.clone()
	}
	return out
}

// Close interrupts any drain in progress. Later operations fail with
// ErrClosed.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// RecommendRollback scores the routing signals. The highest score wins and a
// rollback is recommended only above 0.6, so degraded performance alone never
// recommends one.
func (m *Manager) RecommendRollback() Recommendation {
	return recommend(m.controller.Signals())
}

func recommend(s routing.Signals) Recommendation {
	var signals []Signal
	if s.Breaker.State == routing.BreakerOpen {
		signals = append(signals, Signal{
			Trigger: TriggerCircuitBreaker,
			Score:   scoreBreakerOpen,
			Detail:  fmt.Sprintf("circuit breaker is open after %d errors", s.Breaker.ErrorCount),
		})
	}
	if s.ErrorThresholdExceeded {
		signals = append(signals, Signal{
			Trigger: TriggerErrorRate,
			Score:   scoreErrorRate,
			Detail: fmt.Sprintf("%d errors within %s (threshold %d)",
				s.Breaker.ErrorCount, s.Config.ErrorWindow, s.Config.ErrorThreshold),
		})
	}
	if s.CanaryRegression {
		signals = append(signals, Signal{
			Trigger: TriggerCanaryRegression,
			Score:   scoreCanaryStreak,
			Detail:  fmt.Sprintf("%d consecutive failing canary comparisons", s.CanaryStreak),
		})
	}
	if s.PerformanceDegraded {
		signals = append(signals, Signal{
			Trigger: TriggerPerformance,
			Score:   scorePerformance,
			Detail: fmt.Sprintf("replacement averages %.1fms vs legacy %.1fms",
				s.Performance.Replacement.AvgMs, s.Performance.Legacy.AvgMs),
		})
	}

	rec := Recommendation{Signals: signals}
	for _, sig := range signals {
		rec.Reasons = append(rec.Reasons, sig.Detail)
		if sig.Score > rec.Score {
			rec.Score = sig.Score
			rec.Trigger = sig.Trigger
		}
	}
	rec.Recommended = rec.Score > recommendThreshold
	return rec
}

// ExecuteEmergencyRollback rolls back immediately on an operator's request.
// It fails only if the manager is not active; step failures land in the
// returned record with FinalState rollbackFailed.
func (m *Manager) ExecuteEmergencyRollback(ctx context.Context, reason, operator string) (*Record, error) {
	if reason == "" {
		reason = "emergency rollback"
	}
	return m.execute(ctx, TriggerManual, TypeManual, reason, operatorPtr(operator), nil)
}

// ExecuteAutomaticRollback rolls back when the signals recommend it, automatic
// rollback is enabled and the daily cap has not been reached. A dry run
// returns the planned steps without touching any state.
func (m *Manager) ExecuteAutomaticRollback(ctx context.Context, dryRun bool) (*Record, error) {
	if !dryRun && !m.config.AutoRollbackEnabled {
		return nil, ErrAutoRollbackDisabled
	}

	rec := m.RecommendRollback()
	if !rec.Recommended {
		return nil, fmt.Errorf("%w: score %.2f", ErrNotRecommended, rec.Score)
	}
	reason := strings.Join(rec.Reasons, "; ")

	if dryRun {
		m.mu.Lock()
		defer m.mu.Unlock()
		if err := m.checkStateLocked("rollback", StateActive); err != nil {
			return nil, err
		}
		if err := m.checkDailyLimitLocked(); err != nil {
			return nil, err
		}
		return &Record{
			ID:             uuid.NewString(),
			Trigger:        rec.Trigger,
			Type:           TypeAutomatic,
			Reason:         reason,
			StepsCompleted: slices.Clone(RollbackSteps),
			Timestamp:      m.now(),
			FinalState:     m.state,
			DryRun:         true,
		}, nil
	}

	return m.execute(ctx, rec.Trigger, TypeAutomatic, reason, nil, m.checkDailyLimitLocked)
}

// execute runs a rollback: active -> rollbackPending -> rollingBack ->
// rolledBack | rollbackFailed.
func (m *Manager) execute(ctx context.Context, trigger Trigger, typ Type, reason string, operator *string, precheck func() error) (*Record, error) {
	ctx, span := m.tracer.Start(ctx, "rollback.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("rollback.trigger", string(trigger)),
		attribute.String("rollback.type", string(typ)),
	)

	if m.isClosed() {
		return nil, ErrClosed
	}

	m.mu.Lock()
	if err := m.checkStateLocked("rollback", StateActive); err != nil {
		m.mu.Unlock()
		span.RecordError(err)
		return nil, err
	}
	if precheck != nil {
		if err := precheck(); err != nil {
			m.mu.Unlock()
			span.RecordError(err)
			return nil, err
		}
	}
	m.setStateLocked(ctx, StateRollbackPending)
	m.mu.Unlock()

	record := Record{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		Type:      typ,
		Reason:    reason,
		Operator:  operator,
		Timestamp: m.now(),
	}
	m.logger.Warn("rollback started",
		zap.String("rollback.id", record.ID),
		zap.String("trigger", string(trigger)),
		zap.String("type", string(typ)),
		zap.String("reason", reason))

	m.mu.Lock()
	m.setStateLocked(ctx, StateRollingBack)
	m.mu.Unlock()

	record.StepsCompleted, record.Errors = m.runSteps(ctx, []step{
		{StepSetForceLegacy, m.stepSetForceLegacy},
		{StepTripBreaker, m.stepTripBreaker},
		{StepDrainInFlight, m.stepDrain},
		{StepValidate, m.stepValidate},
	})

	final := StateRolledBack
	outcome := "success"
	if len(record.Errors) > 0 {
		final = StateRollbackFailed
		outcome = "failed"
		span.SetStatus(codes.Error, strings.Join(record.Errors, "; "))
	}
	record.FinalState = final

	m.mu.Lock()
	m.appendLocked(record)
	m.setStateLocked(ctx, final)
	m.mu.Unlock()

	m.metrics.RecordRollback(string(typ), outcome)
	span.SetAttributes(attribute.String("rollback.final_state", string(final)))
	if final == StateRolledBack {
		m.logger.Warn("rollback completed",
			zap.String("rollback.id", record.ID),
			zap.Strings("steps", record.StepsCompleted))
	} else {
		m.logger.Error("rollback failed",
			zap.String("rollback.id", record.ID),
			zap.Strings("steps", record.StepsCompleted),
			zap.Strings("errors", record.Errors))
	}

	out := record.clone()
	return &out, nil
}

// ValidateRollbackSuccess checks that legacy is forced, the breaker is open
// and legacy answers its health probe.
func (m *Manager) ValidateRollbackSuccess(ctx context.Context) ValidationReport {
	s := m.controller.Signals()

	checks := []Check{
		{
			Name:   "manual_override",
			Passed: s.Config.ManualOverride == routing.OverrideForceLegacy,
			Detail: "override is " + string(s.Config.ManualOverride),
		},
		{
			Name:   "circuit_breaker",
			Passed: s.Breaker.State == routing.BreakerOpen,
			Detail: "breaker is " + string(s.Breaker.State),
		},
	}

	health := Check{Name: "legacy_health", Passed: true, Detail: "no probe configured"}
	if m.probe != nil {
		if err := m.probe(ctx); err != nil {
			health.Passed = false
			health.Detail = err.Error()
		} else {
			health.Detail = "legacy healthy"
		}
	}
	checks = append(checks, health)

	report := ValidationReport{Valid: true, Checks: checks}
	for _, c := range checks {
		if !c.Passed {
			report.Valid = false
		}
	}
	return report
}

// AttemptRecovery retries a failed rollback: rollbackFailed | recoveryFailed
// -> recovering -> rolledBack | recoveryFailed.
func (m *Manager) AttemptRecovery(ctx context.Context) (*RecoveryReport, error) {
	ctx, span := m.tracer.Start(ctx, "rollback.recover")
	defer span.End()

	if m.isClosed() {
		return nil, ErrClosed
	}

	m.mu.Lock()
	if err := m.checkStateLocked("recover", StateRollbackFailed, StateRecoveryFailed); err != nil {
		m.mu.Unlock()
		span.RecordError(err)
		return nil, err
	}
	m.setStateLocked(ctx, StateRecovering)
	m.mu.Unlock()

	record := Record{
		ID:        uuid.NewString(),
		Trigger:   TriggerRecovery,
		Type:      TypeManual,
		Reason:    "recovery from failed rollback",
		Timestamp: m.now(),
	}
	m.logger.Info("rollback recovery started", zap.String("rollback.id", record.ID))

	record.StepsCompleted, record.Errors = m.runSteps(ctx, []step{
		{StepSetForceLegacy, m.stepSetForceLegacy},
		{StepTripBreaker, m.stepTripBreaker},
	})
	validation := m.ValidateRollbackSuccess(ctx)
	if err := validation.Err(); err != nil {
		record.Errors = append(record.Errors, fmt.Sprintf("%s: %v", StepValidate, err))
		m.metrics.RecordStepFailure(StepValidate)
	} else {
		record.StepsCompleted = append(record.StepsCompleted, StepValidate)
	}

	final := StateRolledBack
	outcome := "success"
	if len(record.Errors) > 0 {
		final = StateRecoveryFailed
		outcome = "failed"
		span.SetStatus(codes.Error, strings.Join(record.Errors, "; "))
	}
	record.FinalState = final

	m.mu.Lock()
	m.appendLocked(record)
	m.setStateLocked(ctx, final)
	m.mu.Unlock()

	m.metrics.RecordRollback("recovery", outcome)
	m.logger.Info("rollback recovery finished",
		zap.String("rollback.id", record.ID),
		zap.String("state", string(final)),
		zap.Strings("errors", record.Errors))

	return &RecoveryReport{Record: record.clone(), Validation: validation, State: final}, nil
}

// ClearRollback lifts a completed rollback: the override returns to none, the
// breaker is reset and the state returns to active.
func (m *Manager) ClearRollback(ctx context.Context, operator string) (*Record, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkStateLocked("clear rollback", StateRolledBack); err != nil {
		return nil, err
	}

	record := Record{
		ID:        uuid.NewString(),
		Trigger:   TriggerClear,
		Type:      TypeManual,
		Reason:    "rollback cleared",
		Operator:  operatorPtr(operator),
		Timestamp: m.now(),
	}

	none := routing.OverrideNone
	if err := m.controller.UpdateConfig(routing.Update{ManualOverride: &none}); err != nil {
		return nil, fmt.Errorf("failed to clear manual override: %w", err)
	}
	record.StepsCompleted = append(record.StepsCompleted, StepClearOverride)
	m.controller.ResetBreaker()
	record.StepsCompleted = append(record.StepsCompleted, StepResetBreaker)
	record.FinalState = StateActive

	m.appendLocked(record)
	m.setStateLocked(ctx, StateActive)
	m.logger.Info("rollback cleared",
		zap.String("rollback.id", record.ID),
		zap.Stringp("operator", record.Operator))

	out := record.clone()
	return &out, nil
}

// Status returns the operator view.
func (m *Manager) Status() Status {
	s := m.controller.Signals()

	m.mu.Lock()
	st := Status{
		State:          m.state,
		IsRolledBack:   m.state == StateRolledBack,
		RollbacksToday: m.countTodayLocked(false),
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].isRollback() {
			r := m.history[i].clone()
			st.LastRollback = &r
			break
		}
	}
	m.mu.Unlock()

	st.Breaker = s.Breaker
	st.Recommendation = recommend(s)
	st.HealthIndicators = HealthIndicators{
		ErrorThresholdExceeded: s.ErrorThresholdExceeded,
		CanaryStreak:           s.CanaryStreak,
		PerformanceDegraded:    s.PerformanceDegraded,
		ManualOverride:         s.Config.ManualOverride,
		NewSystemPercentage:    s.Config.NewSystemPercentage,
		Performance:            s.Performance,
	}
	return st
}

func (m *Manager) checkStateLocked(op string, allowed ...State) error {
	if slices.Contains(allowed, m.state) {
		return nil
	}
	return &RollbackStateError{Op: op, Current: m.state, Allowed: allowed}
}

func (m *Manager) checkDailyLimitLocked() error {
	if m.config.MaxAutoRollbacksPerDay == 0 {
		return nil
	}
	if n := m.countTodayLocked(true); n >= m.config.MaxAutoRollbacksPerDay {
		return fmt.Errorf("%w: %d of %d", ErrDailyLimitReached, n, m.config.MaxAutoRollbacksPerDay)
	}
	return nil
}

// countTodayLocked counts rollback records on the current UTC day.
func (m *Manager) countTodayLocked(automaticOnly bool) int {
	today := m.now().UTC().Format(time.DateOnly)
	n := 0
	for _, r := range m.history {
		if !r.isRollback() || (automaticOnly && r.Type != TypeAutomatic) {
			continue
		}
		if r.Timestamp.UTC().Format(time.DateOnly) == today {
			n++
		}
	}
	return n
}

func (m *Manager) appendLocked(r Record) {
	m.history = append(m.history, r.clone())
	if len(m.history) > HistoryLimit {
		m.history = slices.Clone(m.history[len(m.history)-HistoryLimit:])
	}
}

// setStateLocked changes state and persists. A failed save is logged; the
// in-memory state stays authoritative.
func (m *Manager) setStateLocked(ctx context.Context, s State) {
	prev := m.state
	m.state = s
	m.metrics.SetRollbackState(s.gaugeValue())
	if err := m.persistLocked(ctx); err != nil {
		m.logger.Error("failed to persist rollback state",
			zap.String("state", string(s)),
			zap.Error(err))
	}
	m.logger.Debug("rollback state changed",
		zap.String("from", string(prev)),
		zap.String("to", string(s)))
}

func (m *Manager) persistLocked(ctx context.Context) error {
	snap := Snapshot{
		CurrentState:    m.state,
		RollbackHistory: m.history,
		LastUpdated:     m.now(),
	}
	// Persist even when the caller's context is already done.
	return m.store.Save(context.WithoutCancel(ctx), snap.Clone())
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

// runSteps runs every step in order. A failing or panicking step is recorded
// and the remaining steps still run.
func (m *Manager) runSteps(ctx context.Context, steps []step) (completed, errs []string) {
	completed = []string{}
	for _, s := range steps {
		if err := safeRun(ctx, s.run); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", s.name, err))
			m.metrics.RecordStepFailure(s.name)
			m.logger.Error("rollback step failed", zap.String("step", s.name), zap.Error(err))
			continue
		}
		completed = append(completed, s.name)
	}
	return completed, errs
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

func (m *Manager) stepSetForceLegacy(_ context.Context) error {
	legacy := routing.OverrideForceLegacy
	return m.controller.UpdateConfig(routing.Update{ManualOverride: &legacy})
}

func (m *Manager) stepTripBreaker(_ context.Context) error {
	m.controller.TripBreaker()
	return nil
}

// stepDrain waits out the grace period so requests already routed to the
// replacement can finish.
func (m *Manager) stepDrain(ctx context.Context) error {
	if m.config.GracePeriod <= 0 {
		return nil
	}
	t := time.NewTimer(m.config.GracePeriod)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain interrupted: %w", ctx.Err())
	case <-m.closed:
		return fmt.Errorf("drain interrupted: %w", ErrClosed)
	}
}

func (m *Manager) stepValidate(ctx context.Context) error {
	return m.ValidateRollbackSuccess(ctx).Err()
}

func operatorPtr(op string) *string {
	if op == "" {
		return nil
	}
	return &op
}
