package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/cutover/internal/compare"
	"github.com/fyrsmithlabs/cutover/internal/execution"
	"github.com/fyrsmithlabs/cutover/internal/routing"
)

const instrumentationName = "github.com/fyrsmithlabs/cutover/internal/migration"

// Controller is the subset of routing.Controller the router needs.
type Controller interface {
	ShouldUseReplacement(key string, attrs map[string]string) bool
	ShouldRunCanary(key string) bool
	RecordError(err error, ec routing.ErrorContext)
	RecordSuccess()
	RecordPerformanceSample(s routing.PerformanceSample)
	RecordCanaryOutcome(match, regression bool)
	BreakerState() routing.BreakerState
	Config() routing.Config
}

// Config configures the router.
type Config struct {
	Compare compare.Config

	// AlertOnDiscrepancy logs a SystemDiscrepancyError for canary runs whose
	// outputs do not match.
	AlertOnDiscrepancy bool

	// StrictMode returns the SystemDiscrepancyError to the caller instead of
	// the primary result.
	StrictMode bool
}

// DefaultConfig alerts on discrepancies without failing requests.
func DefaultConfig() Config {
	return Config{
		Compare:            compare.DefaultConfig(),
		AlertOnDiscrepancy: true,
	}
}

// Stats are cumulative router counters.
type Stats struct {
	Requests          int64 `json:"requests"`
	LegacyServed      int64 `json:"legacy_served"`
	ReplacementServed int64 `json:"replacement_served"`
	Fallbacks         int64 `json:"fallbacks"`
	CanaryRuns        int64 `json:"canary_runs"`
	CanaryTimeouts    int64 `json:"canary_timeouts"`
	Discrepancies     int64 `json:"discrepancies"`
}

// Router sends each request down the legacy, replacement or canary path and
// annotates the served result with how it got there.
//
// Thread Safety: Safe for concurrent use.
type Router struct {
	controller  Controller
	legacy      execution.Executor
	replacement execution.Executor
	config      Config
	logger      *zap.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	requestCounter metric.Int64Counter
	canaryCounter  metric.Int64Counter

	requests          atomic.Int64
	legacyServed      atomic.Int64
	replacementServed atomic.Int64
	fallbacks         atomic.Int64
	canaryRuns        atomic.Int64
	canaryTimeouts    atomic.Int64
	discrepancies     atomic.Int64
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithInstrumentation replaces the global tracer and meter.
func WithInstrumentation(tracer trace.Tracer, meter metric.Meter) RouterOption {
	return func(r *Router) {
		if tracer != nil {
			r.tracer = tracer
		}
		if meter != nil {
			r.meter = meter
		}
	}
}

// NewRouter creates a router.
func NewRouter(ctrl Controller, legacy, replacement execution.Executor, cfg Config, logger *zap.Logger, opts ...RouterOption) (*Router, error) {
	if ctrl == nil {
		return nil, errors.New("routing controller is required")
	}
	if legacy == nil {
		return nil, errors.New("legacy executor is required")
	}
	if replacement == nil {
		return nil, errors.New("replacement executor is required")
	}
	if err := cfg.Compare.Validate(); err != nil {
		return nil, fmt.Errorf("invalid comparison config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Router{
		controller:  ctrl,
		legacy:      legacy,
		replacement: replacement,
		config:      cfg,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.initMetrics()
	return r, nil
}

func (r *Router) initMetrics() {
	var err error

	r.requestCounter, err = r.meter.Int64Counter(
		"cutover.migration.requests_total",
		metric.WithDescription("Total number of routed requests by path"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		r.logger.Warn("failed to create request counter", zap.Error(err))
	}

	r.canaryCounter, err = r.meter.Int64Counter(
		"cutover.migration.canary_runs_total",
		metric.WithDescription("Total number of canary runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		r.logger.Warn("failed to create canary counter", zap.Error(err))
	}
}

// Execute serves req. Callers see either a result (possibly produced by the
// legacy fallback) or a propagated error; canary-only failures never surface
// unless StrictMode is set.
func (r *Router) Execute(ctx context.Context, req *execution.RequestDescriptor) (*execution.ExecutionResult, error) {
	if req == nil {
		return nil, errors.New("request is required")
	}

	ctx, span := r.tracer.Start(ctx, "migration.execute")
	defer span.End()

	r.requests.Add(1)
	cfg := r.controller.Config()
	breaker := r.controller.BreakerState().State

	var (
		res  *execution.ExecutionResult
		err  error
		path execution.Path
	)
	switch {
	case r.controller.ShouldRunCanary(req.Key):
		path = execution.PathCanary
		res, err = r.executeCanary(ctx, req, cfg, breaker)
	case r.controller.ShouldUseReplacement(req.Key, req.Attributes):
		path = execution.PathReplacement
		res, err = r.executeReplacement(ctx, req, cfg, breaker)
	default:
		path = execution.PathLegacy
		res, err = r.executeLegacy(ctx, req, breaker)
	}

	if res != nil && res.Migration != nil {
		path = res.Migration.Path
		switch res.Migration.ServedBy {
		case execution.SystemReplacement:
			r.replacementServed.Add(1)
		default:
			r.legacyServed.Add(1)
		}
	}

	span.SetAttributes(
		attribute.String("routing.key", req.Key),
		attribute.String("migration.path", string(path)),
		attribute.String("breaker.state", string(breaker)),
	)
	if r.requestCounter != nil {
		r.requestCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("path", string(path)),
			attribute.Bool("error", err != nil),
		))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	return Stats{
		Requests:          r.requests.Load(),
		LegacyServed:      r.legacyServed.Load(),
		ReplacementServed: r.replacementServed.Load(),
		Fallbacks:         r.fallbacks.Load(),
		CanaryRuns:        r.canaryRuns.Load(),
		CanaryTimeouts:    r.canaryTimeouts.Load(),
		Discrepancies:     r.discrepancies.Load(),
	}
}

func (r *Router) executeLegacy(ctx context.Context, req *execution.RequestDescriptor, breaker routing.BreakerStatus) (*execution.ExecutionResult, error) {
	out := r.run(ctx, execution.SystemLegacy, r.legacy, req)
	r.recordSample(out)
	if out.err != nil {
		r.controller.RecordError(out.err, routing.ErrorContext{
			System: execution.SystemLegacy,
			Key:    req.Key,
		})
		return nil, out.err
	}
	return annotate(out.result, &execution.MigrationInfo{
		ServedBy:     execution.SystemLegacy,
		Path:         execution.PathLegacy,
		BreakerState: string(breaker),
	}), nil
}

func (r *Router) executeReplacement(ctx context.Context, req *execution.RequestDescriptor, cfg routing.Config, breaker routing.BreakerStatus) (*execution.ExecutionResult, error) {
	out := r.run(ctx, execution.SystemReplacement, r.replacement, req)
	r.recordSample(out)

	cause := out.failure()
	if cause == nil {
		r.controller.RecordSuccess()
		return annotate(out.result, &execution.MigrationInfo{
			ServedBy:     execution.SystemReplacement,
			Path:         execution.PathReplacement,
			BreakerState: string(breaker),
		}), nil
	}

	r.controller.RecordError(cause, routing.ErrorContext{
		System: execution.SystemReplacement,
		Key:    req.Key,
	})
	if !cfg.FallbackOnError {
		return nil, &FallbackError{ReplacementErr: cause}
	}

	r.logger.Warn("replacement failed, falling back to legacy",
		zap.String("routing.key", req.Key),
		zap.Error(cause))
	r.fallbacks.Add(1)

	legacy := r.run(ctx, execution.SystemLegacy, r.legacy, req)
	r.recordSample(legacy)
	if legacy.err != nil {
		r.controller.RecordError(legacy.err, routing.ErrorContext{
			System: execution.SystemLegacy,
			Key:    req.Key,
		})
		return nil, &FallbackError{ReplacementErr: cause, FallbackErr: legacy.err}
	}
	return annotate(legacy.result, &execution.MigrationInfo{
		ServedBy:     execution.SystemLegacy,
		Path:         execution.PathFallback,
		FallbackUsed: true,
		BreakerState: string(breaker),
	}), nil
}

// executeCanary runs both systems in parallel, each bounded by the canary
// timeout, and compares what came back. A side that does not answer in time
// is abandoned and compared as a failed result.
func (r *Router) executeCanary(ctx context.Context, req *execution.RequestDescriptor, cfg routing.Config, breaker routing.BreakerStatus) (*execution.ExecutionResult, error) {
	r.canaryRuns.Add(1)

	var legacy, repl outcome
	var g errgroup.Group
	g.Go(func() error {
		legacy = r.runBounded(ctx, execution.SystemLegacy, r.legacy, req, cfg.CanaryTimeout)
		return nil
	})
	g.Go(func() error {
		repl = r.runBounded(ctx, execution.SystemReplacement, r.replacement, req, cfg.CanaryTimeout)
		return nil
	})
	_ = g.Wait()

	var canaryErrors []string
	for _, o := range []outcome{legacy, repl} {
		var te *CanaryTimeoutError
		if errors.As(o.err, &te) {
			r.canaryTimeouts.Add(1)
			r.logger.Warn("canary side timed out",
				zap.String("routing.key", req.Key),
				zap.String("system", string(o.system)),
				zap.Duration("timeout", te.Timeout))
		} else {
			r.recordSample(o)
		}
		if o.err != nil {
			canaryErrors = append(canaryErrors, fmt.Sprintf("%s: %v", o.system, o.err))
		}
	}

	if cause := repl.failure(); cause != nil {
		r.controller.RecordError(cause, routing.ErrorContext{
			System: execution.SystemReplacement,
			Key:    req.Key,
			Canary: true,
		})
	} else {
		r.controller.RecordSuccess()
	}

	report := compare.Compare(legacy.forComparison(), repl.forComparison(), r.config.Compare)
	r.controller.RecordCanaryOutcome(report.OverallMatch, report.Performance.RegressionDetected)
	if r.canaryCounter != nil {
		r.canaryCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("match", report.OverallMatch),
			attribute.Bool("regression", report.Performance.RegressionDetected),
		))
	}

	var discrepancy *SystemDiscrepancyError
	if !report.OverallMatch {
		r.discrepancies.Add(1)
		if r.config.AlertOnDiscrepancy {
			discrepancy = &SystemDiscrepancyError{Key: req.Key, Report: report}
			r.logger.Warn("canary discrepancy",
				zap.String("routing.key", req.Key),
				zap.Int("critical", report.Count(compare.SeverityCritical)),
				zap.Int("warning", report.Count(compare.SeverityWarning)),
				zap.Error(discrepancy))
		}
	}

	// Legacy stays user-visible unless an operator forced the replacement
	// and it actually succeeded.
	primary := legacy
	if cfg.ManualOverride == routing.OverrideForceReplacement && repl.failure() == nil {
		primary = repl
	}
	var timedOut *CanaryTimeoutError
	if primary.err != nil && !errors.As(primary.err, &timedOut) {
		return nil, primary.err
	}
	if discrepancy != nil && r.config.StrictMode {
		return nil, discrepancy
	}

	served := primary.result
	if primary.err != nil {
		// Cut off by the canary deadline; served as a failed result.
		served = execution.FailedResult(primary.err, primary.durationMs)
	}
	return annotate(served, &execution.MigrationInfo{
		ServedBy:     primary.system,
		Path:         execution.PathCanary,
		CanaryRun:    true,
		BreakerState: string(breaker),
		Comparison:   report.Summary(),
		CanaryErrors: canaryErrors,
	}), nil
}

// outcome is one executor call.
type outcome struct {
	system     execution.System
	result     *execution.ExecutionResult
	err        error
	durationMs float64
}

// failure returns the error to count against the breaker, or nil. A result
// with Success=false is a failure too.
func (o outcome) failure() error {
	if o.err != nil {
		return o.err
	}
	if !o.result.Success {
		if len(o.result.Errors) == 0 {
			return fmt.Errorf("%s reported failure", o.system)
		}
		return fmt.Errorf("%s reported failure: %s", o.system, strings.Join(o.result.Errors, "; "))
	}
	return nil
}

// forComparison returns a result for the comparator, filling in the measured
// duration when the executor did not report one.
func (o outcome) forComparison() *execution.ExecutionResult {
	if o.err != nil {
		return execution.FailedResult(o.err, o.durationMs)
	}
	if o.result.DurationMs > 0 {
		return o.result
	}
	c := o.result.Clone()
	c.DurationMs = o.durationMs
	return c
}

func (r *Router) run(ctx context.Context, system execution.System, exec execution.Executor, req *execution.RequestDescriptor) outcome {
	start := time.Now()
	res, err := exec.Execute(ctx, req)
	if err == nil && res == nil {
		err = ErrNoResult
	}
	return outcome{
		system:     system,
		result:     res,
		err:        err,
		durationMs: float64(time.Since(start).Microseconds()) / 1000,
	}
}

// runBounded runs exec in its own goroutine and stops waiting after timeout.
// The call's context is cancelled at that point, but an executor that ignores
// cancellation is left running in the background.
func (r *Router) runBounded(ctx context.Context, system execution.System, exec execution.Executor, req *execution.RequestDescriptor, timeout time.Duration) outcome {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		done <- r.run(cctx, system, exec, req)
	}()

	select {
	case out := <-done:
		// An executor that honors cancellation returns the deadline error
		// itself; report it the same way as one that never returned.
		if out.err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			out.err = &CanaryTimeoutError{System: system, Timeout: timeout}
		}
		return out
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			return outcome{system: system, err: err, durationMs: float64(timeout.Milliseconds())}
		}
		return outcome{
			system:     system,
			err:        &CanaryTimeoutError{System: system, Timeout: timeout},
			durationMs: float64(timeout.Milliseconds()),
		}
	}
}

func (r *Router) recordSample(o outcome) {
	r.controller.RecordPerformanceSample(routing.PerformanceSample{
		System:     o.system,
		DurationMs: o.durationMs,
		Success:    o.failure() == nil,
	})
}

// annotate returns a clone of res carrying info. Executor results are never
// modified.
func annotate(res *execution.ExecutionResult, info *execution.MigrationInfo) *execution.ExecutionResult {
	out := res.Clone()
	out.Migration = info
	return out
}
