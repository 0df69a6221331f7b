package migration

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/cutover/internal/compare"
	"github.com/fyrsmithlabs/cutover/internal/execution"
	"github.com/fyrsmithlabs/cutover/internal/logging"
	"github.com/fyrsmithlabs/cutover/internal/routing"
)

// stubExecutor returns a fixed result and counts calls.
type stubExecutor struct {
	result *execution.ExecutionResult
	err    error
	delay  time.Duration
	calls  atomic.Int64
}

func (s *stubExecutor) Execute(ctx context.Context, _ *execution.RequestDescriptor) (*execution.ExecutionResult, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.result, s.err
}

func okResult(files int) *execution.ExecutionResult {
	return &execution.ExecutionResult{
		Success:       true,
		ArtifactCount: 1,
		FileCount:     files,
		DurationMs:    10,
		Metadata:      map[string]any{"source": "stub"},
	}
}

func newController(t *testing.T, mutate func(*routing.Config)) *routing.Controller {
	t.Helper()
	cfg := routing.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	ctrl, err := routing.NewController(cfg)
	require.NoError(t, err)
	return ctrl
}

func newRouter(t *testing.T, ctrl Controller, legacy, repl execution.Executor, mutate func(*Config)) (*Router, *logging.TestLogger) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	tl := logging.NewTestLogger()
	r, err := NewRouter(ctrl, legacy, repl, cfg, tl.Underlying())
	require.NoError(t, err)
	return r, tl
}

func request() *execution.RequestDescriptor {
	return &execution.RequestDescriptor{Key: "project-42", Attributes: map[string]string{"template": "api"}}
}

func TestNewRouter_RequiresCollaborators(t *testing.T) {
	ctrl := newController(t, nil)
	exec := &stubExecutor{result: okResult(1)}

	_, err := NewRouter(nil, exec, exec, DefaultConfig(), nil)
	assert.Error(t, err)
	_, err = NewRouter(ctrl, nil, exec, DefaultConfig(), nil)
	assert.Error(t, err)
	_, err = NewRouter(ctrl, exec, nil, DefaultConfig(), nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Compare.RegressionThreshold = 0
	_, err = NewRouter(ctrl, exec, exec, cfg, nil)
	assert.Error(t, err)
}

func TestExecute_LegacyPath(t *testing.T) {
	legacy := &stubExecutor{result: okResult(3)}
	repl := &stubExecutor{result: okResult(3)}
	r, _ := newRouter(t, newController(t, nil), legacy, repl, nil)

	res, err := r.Execute(context.Background(), request())
	require.NoError(t, err)

	require.NotNil(t, res.Migration)
	assert.Equal(t, execution.SystemLegacy, res.Migration.ServedBy)
	assert.Equal(t, execution.PathLegacy, res.Migration.Path)
	assert.False(t, res.Migration.CanaryRun)
	assert.Equal(t, "closed", res.Migration.BreakerState)
	assert.Nil(t, legacy.result.Migration, "executor result must not be modified")
	assert.Equal(t, int64(0), repl.calls.Load())
}

func TestExecute_LegacyErrorPropagatesUnchanged(t *testing.T) {
	boom := errors.New("legacy down")
	legacy := &stubExecutor{err: boom}
	r, _ := newRouter(t, newController(t, nil), legacy, &stubExecutor{result: okResult(1)}, nil)

	_, err := r.Execute(context.Background(), request())
	assert.Same(t, boom, err)
}

func TestExecute_LegacyErrorsCountAgainstBreaker(t *testing.T) {
	ctrl := newController(t, func(c *routing.Config) { c.ErrorThreshold = 3 })
	r, _ := newRouter(t, ctrl, &stubExecutor{err: errors.New("legacy boom")}, &stubExecutor{result: okResult(1)}, nil)

	_, err := r.Execute(context.Background(), request())
	require.Error(t, err)
	state := ctrl.BreakerState()
	assert.Equal(t, routing.BreakerClosed, state.State)
	assert.Equal(t, 1, state.ErrorCount)
	assert.NotNil(t, state.LastErrorAt)

	for i := 0; i < 2; i++ {
		_, err = r.Execute(context.Background(), request())
		require.Error(t, err)
	}
	assert.Equal(t, routing.BreakerOpen, ctrl.BreakerState().State)
	assert.True(t, ctrl.ErrorThresholdExceeded())
}

func TestExecute_ReplacementPath(t *testing.T) {
	ctrl := newController(t, func(c *routing.Config) { c.NewSystemPercentage = 100 })
	legacy := &stubExecutor{result: okResult(3)}
	repl := &stubExecutor{result: okResult(3)}
	r, _ := newRouter(t, ctrl, legacy, repl, nil)

	res, err := r.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, execution.SystemReplacement, res.Migration.ServedBy)
	assert.Equal(t, execution.PathReplacement, res.Migration.Path)
	assert.Equal(t, int64(0), legacy.calls.Load())

	perf := ctrl.Performance()
	assert.Equal(t, int64(1), perf.Replacement.Count)
	assert.Equal(t, int64(0), perf.Legacy.Count)
}

func TestExecute_ReplacementFailureFallsBack(t *testing.T) {
	ctrl := newController(t, func(c *routing.Config) { c.NewSystemPercentage = 100 })
	legacy := &stubExecutor{result: okResult(3)}
	repl := &stubExecutor{err: errors.New("replacement crashed")}
	r, tl := newRouter(t, ctrl, legacy, repl, nil)

	res, err := r.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, execution.SystemLegacy, res.Migration.ServedBy)
	assert.Equal(t, execution.PathFallback, res.Migration.Path)
	assert.True(t, res.Migration.FallbackUsed)

	assert.Equal(t, 1, ctrl.BreakerState().ErrorCount)
	assert.Equal(t, int64(1), r.Stats().Fallbacks)
	tl.AssertLogged(t, zapcore.WarnLevel, "falling back to legacy")
}

func TestExecute_UnsuccessfulReplacementResultFallsBack(t *testing.T) {
	ctrl := newController(t, func(c *routing.Config) { c.NewSystemPercentage = 100 })
	legacy := &stubExecutor{result: okResult(3)}
	repl := &stubExecutor{result: &execution.ExecutionResult{Success: false, Errors: []string{"bad template"}}}
	r, _ := newRouter(t, ctrl, legacy, repl, nil)

	res, err := r.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, res.Migration.FallbackUsed)
	assert.Equal(t, 1, ctrl.BreakerState().ErrorCount)
}

func TestExecute_FallbackDisabled(t *testing.T) {
	ctrl := newController(t, func(c *routing.Config) {
		c.NewSystemPercentage = 100
		c.FallbackOnError = false
	})
	cause := errors.New("replacement crashed")
	legacy := &stubExecutor{result: okResult(3)}
	r, _ := newRouter(t, ctrl, legacy, &stubExecutor{err: cause}, nil)

	_, err := r.Execute(context.Background(), request())
	var fe *FallbackError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, fe.FallbackErr)
	assert.Equal(t, int64(0), legacy.calls.Load())
}

func TestExecute_FallbackAlsoFails(t *testing.T) {
	ctrl := newController(t, func(c *routing.Config) { c.NewSystemPercentage = 100 })
	replErr := errors.New("replacement crashed")
	legacyErr := errors.New("legacy crashed")
	r, _ := newRouter(t, ctrl, &stubExecutor{err: legacyErr}, &stubExecutor{err: replErr}, nil)

	_, err := r.Execute(context.Background(), request())
	var fe *FallbackError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, replErr)
	assert.ErrorIs(t, err, legacyErr)
	assert.Equal(t, 2, ctrl.BreakerState().ErrorCount, "both failures are recorded")
}

func TestExecute_ReplacementSuccessClosesHalfOpenBreaker(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	cfg := routing.DefaultConfig()
	cfg.NewSystemPercentage = 100
	cfg.ErrorThreshold = 1
	ctrl, err := routing.NewController(cfg, routing.WithClock(func() time.Time { return clock() }))
	require.NoError(t, err)

	ctrl.RecordError(errors.New("x"), routing.ErrorContext{System: execution.SystemReplacement})
	require.Equal(t, routing.BreakerOpen, ctrl.BreakerState().State)

	now = now.Add(cfg.CircuitRecoveryTimeout)
	require.Equal(t, routing.BreakerHalfOpen, ctrl.BreakerState().State)

	r, _ := newRouter(t, ctrl, &stubExecutor{result: okResult(1)}, &stubExecutor{result: okResult(1)}, nil)
	res, err := r.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "halfOpen", res.Migration.BreakerState)
	assert.Equal(t, routing.BreakerClosed, ctrl.BreakerState().State)
}

func canaryController(t *testing.T, mutate func(*routing.Config)) *routing.Controller {
	return newController(t, func(c *routing.Config) {
		c.CanaryEnabled = true
		c.CanarySampleRate = 100
		c.CanaryTimeout = 2 * time.Second
		if mutate != nil {
			mutate(c)
		}
	})
}

func TestExecute_CanaryMatch(t *testing.T) {
	ctrl := canaryController(t, nil)
	legacy := &stubExecutor{result: okResult(5)}
	repl := &stubExecutor{result: okResult(5)}
	r, _ := newRouter(t, ctrl, legacy, repl, nil)

	res, err := r.Execute(context.Background(), request())
	require.NoError(t, err)

	m := res.Migration
	assert.True(t, m.CanaryRun)
	assert.Equal(t, execution.PathCanary, m.Path)
	assert.Equal(t, execution.SystemLegacy, m.ServedBy)
	require.NotNil(t, m.Comparison)
	assert.True(t, m.Comparison.OverallMatch)
	assert.Empty(t, m.CanaryErrors)

	assert.Equal(t, int64(1), legacy.calls.Load())
	assert.Equal(t, int64(1), repl.calls.Load())
	assert.Equal(t, 0, ctrl.CanaryStreak())
	perf := ctrl.Performance()
	assert.Equal(t, int64(1), perf.Legacy.Count)
	assert.Equal(t, int64(1), perf.Replacement.Count)
}

func TestExecute_CanaryDiscrepancyIsNonFatal(t *testing.T) {
	ctrl := canaryController(t, nil)
	r, tl := newRouter(t, ctrl, &stubExecutor{result: okResult(10)}, &stubExecutor{result: okResult(9)}, nil)

	res, err := r.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, 10, res.FileCount, "legacy result is served")
	assert.False(t, res.Migration.Comparison.OverallMatch)
	assert.Equal(t, 1, res.Migration.Comparison.Critical)
	assert.Equal(t, 1, ctrl.CanaryStreak())
	assert.Equal(t, int64(1), r.Stats().Discrepancies)
	tl.AssertLogged(t, zapcore.WarnLevel, "canary discrepancy")
}

func TestExecute_CanaryDiscrepancyStrictMode(t *testing.T) {
	ctrl := canaryController(t, nil)
	r, _ := newRouter(t, ctrl, &stubExecutor{result: okResult(10)}, &stubExecutor{result: okResult(9)},
		func(c *Config) { c.StrictMode = true })

	_, err := r.Execute(context.Background(), request())
	var de *SystemDiscrepancyError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "project-42", de.Key)
	assert.Equal(t, 1, de.Report.Count(compare.SeverityCritical))
}

func TestExecute_CanaryNoAlert(t *testing.T) {
	ctrl := canaryController(t, nil)
	r, tl := newRouter(t, ctrl, &stubExecutor{result: okResult(10)}, &stubExecutor{result: okResult(9)},
		func(c *Config) {
			c.AlertOnDiscrepancy = false
			c.StrictMode = true
		})

	_, err := r.Execute(context.Background(), request())
	require.NoError(t, err)
	tl.AssertNotLogged(t, zapcore.WarnLevel, "canary discrepancy")
}

func TestExecute_CanaryTimeoutServesLegacy(t *testing.T) {
	ctrl := canaryController(t, func(c *routing.Config) { c.CanaryTimeout = 100 * time.Millisecond })

	// The replacement ignores cancellation entirely.
	release := make(chan struct{})
	defer close(release)
	hung := execution.ExecutorFunc(func(ctx context.Context, _ *execution.RequestDescriptor) (*execution.ExecutionResult, error) {
		<-release
		return okResult(5), nil
	})
	r, _ := newRouter(t, ctrl, &stubExecutor{result: okResult(5)}, hung, nil)

	start := time.Now()
	res, err := r.Execute(context.Background(), request())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, execution.SystemLegacy, res.Migration.ServedBy)
	require.Len(t, res.Migration.CanaryErrors, 1)
	assert.Contains(t, res.Migration.CanaryErrors[0], "replacement canary run exceeded")
	assert.False(t, res.Migration.Comparison.OverallMatch)
	assert.Equal(t, int64(1), r.Stats().CanaryTimeouts)
	assert.Equal(t, 1, ctrl.BreakerState().ErrorCount, "replacement timeout counts against the breaker")
	assert.Equal(t, int64(0), ctrl.Performance().Replacement.Count, "timed-out side records no sample")
}

func TestExecute_CanaryLegacyTimeoutServesFailedResult(t *testing.T) {
	ctrl := canaryController(t, func(c *routing.Config) { c.CanaryTimeout = 50 * time.Millisecond })
	legacy := &stubExecutor{result: okResult(1), delay: time.Second}
	r, _ := newRouter(t, ctrl, legacy, &stubExecutor{result: okResult(1)}, nil)

	res, err := r.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "legacy canary run exceeded 50ms")

	require.NotNil(t, res.Migration)
	assert.Equal(t, execution.SystemLegacy, res.Migration.ServedBy, "the replacement is not promoted")
	assert.Equal(t, execution.PathCanary, res.Migration.Path)
	assert.True(t, res.Migration.CanaryRun)
	require.Len(t, res.Migration.CanaryErrors, 1)
	assert.Contains(t, res.Migration.CanaryErrors[0], "legacy canary run exceeded")
	require.NotNil(t, res.Migration.Comparison)
	assert.False(t, res.Migration.Comparison.OverallMatch)
	assert.Equal(t, int64(1), r.Stats().CanaryTimeouts)
}

func TestExecute_CanaryLegacyErrorPropagates(t *testing.T) {
	boom := errors.New("legacy down")
	ctrl := canaryController(t, nil)
	r, _ := newRouter(t, ctrl, &stubExecutor{err: boom}, &stubExecutor{result: okResult(1)}, nil)

	_, err := r.Execute(context.Background(), request())
	assert.Same(t, boom, err)
}

func TestExecute_CanaryForceReplacement(t *testing.T) {
	ctrl := canaryController(t, func(c *routing.Config) { c.ManualOverride = routing.OverrideForceReplacement })
	r, _ := newRouter(t, ctrl, &stubExecutor{result: okResult(2)}, &stubExecutor{result: okResult(2)}, nil)

	res, err := r.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, execution.SystemReplacement, res.Migration.ServedBy)
	assert.True(t, res.Migration.CanaryRun)
}

func TestExecute_CanaryForceReplacementFailedServesLegacy(t *testing.T) {
	ctrl := canaryController(t, func(c *routing.Config) { c.ManualOverride = routing.OverrideForceReplacement })
	r, _ := newRouter(t, ctrl, &stubExecutor{result: okResult(2)}, &stubExecutor{err: errors.New("nope")}, nil)

	res, err := r.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, execution.SystemLegacy, res.Migration.ServedBy)
	assert.Equal(t, []string{"replacement: nope"}, res.Migration.CanaryErrors)
}

func TestExecute_OpenBreakerSkipsCanaryAndReplacement(t *testing.T) {
	ctrl := canaryController(t, func(c *routing.Config) { c.NewSystemPercentage = 100 })
	ctrl.TripBreaker()
	repl := &stubExecutor{result: okResult(1)}
	r, _ := newRouter(t, ctrl, &stubExecutor{result: okResult(1)}, repl, nil)

	res, err := r.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, execution.PathLegacy, res.Migration.Path)
	assert.Equal(t, "open", res.Migration.BreakerState)
	assert.Equal(t, int64(0), repl.calls.Load())
}

func TestExecute_NilResultIsError(t *testing.T) {
	r, _ := newRouter(t, newController(t, nil), &stubExecutor{}, &stubExecutor{}, nil)

	_, err := r.Execute(context.Background(), request())
	assert.ErrorIs(t, err, ErrNoResult)

	_, err = r.Execute(context.Background(), nil)
	assert.Error(t, err)
}

func TestRouter_Stats(t *testing.T) {
	ctrl := newController(t, nil)
	r, _ := newRouter(t, ctrl, &stubExecutor{result: okResult(1)}, &stubExecutor{result: okResult(1)}, nil)

	for i := 0; i < 3; i++ {
		_, err := r.Execute(context.Background(), request())
		require.NoError(t, err)
	}
	s := r.Stats()
	assert.Equal(t, int64(3), s.Requests)
	assert.Equal(t, int64(3), s.LegacyServed)
	assert.Equal(t, int64(0), s.ReplacementServed)
}
