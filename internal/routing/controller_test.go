package routing

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/cutover/internal/execution"
	"github.com/fyrsmithlabs/cutover/internal/logging"
)

// fakeClock is a settable clock safe for concurrent reads.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestController(t *testing.T, mutate func(*Config), opts ...Option) (*Controller, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewController(cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return c, clock
}

func intPtr(v int) *int { return &v }

func TestNewController_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NewSystemPercentage = 101
	_, err := NewController(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "new system percentage")
}

func TestShouldUseReplacement_Deterministic(t *testing.T) {
	c, _ := newTestController(t, func(cfg *Config) { cfg.NewSystemPercentage = 50 })

	attrs := map[string]string{"template": "crud", "lang": "go"}
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("project-%d", i)
		first := c.ShouldUseReplacement(key, attrs)
		for j := 0; j < 5; j++ {
			assert.Equal(t, first, c.ShouldUseReplacement(key, attrs), "key %s", key)
		}
	}
}

func TestShouldUseReplacement_Extremes(t *testing.T) {
	zero, _ := newTestController(t, func(cfg *Config) { cfg.NewSystemPercentage = 0 })
	full, _ := newTestController(t, func(cfg *Config) { cfg.NewSystemPercentage = 100 })

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("k-%d", i)
		assert.False(t, zero.ShouldUseReplacement(key, nil))
		assert.True(t, full.ShouldUseReplacement(key, nil))
	}
}

func TestShouldUseReplacement_Distribution(t *testing.T) {
	c, _ := newTestController(t, func(cfg *Config) { cfg.NewSystemPercentage = 30 })

	replacement := 0
	for i := 0; i < 1000; i++ {
		if c.ShouldUseReplacement(fmt.Sprintf("request-key-%d", i), nil) {
			replacement++
		}
	}
	fraction := float64(replacement) / 1000
	assert.InDelta(t, 0.30, fraction, 0.05)
}

func TestShouldUseReplacement_RuleOrder(t *testing.T) {
	c, _ := newTestController(t, func(cfg *Config) {
		cfg.NewSystemPercentage = 0
		cfg.ForcedIdentifiers = IdentifierSet([]string{"vip"})
	})

	assert.True(t, c.ShouldUseReplacement("vip", nil), "forced identifier beats 0%")
	assert.False(t, c.ShouldUseReplacement("other", nil))

	legacy := OverrideForceLegacy
	require.NoError(t, c.UpdateConfig(Update{ManualOverride: &legacy}))
	assert.False(t, c.ShouldUseReplacement("vip", nil), "override beats forced identifier")

	repl := OverrideForceReplacement
	require.NoError(t, c.UpdateConfig(Update{ManualOverride: &repl}))
	assert.True(t, c.ShouldUseReplacement("other", nil))

	c.TripBreaker()
	assert.False(t, c.ShouldUseReplacement("other", nil), "open breaker beats everything")
}

func TestBucket_ChangesWithDay(t *testing.T) {
	day1 := time.Date(2025, 1, 1, 23, 0, 0, 0, time.UTC)
	day1Later := time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, Bucket("k", nil, day1), Bucket("k", nil, day1Later))

	differs := false
	for d := 2; d < 30; d++ {
		if Bucket("k", nil, time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC)) != Bucket("k", nil, day1) {
			differs = true
			break
		}
	}
	assert.True(t, differs, "bucket should vary across days")
}

func TestBucket_AttributeOrderIrrelevant(t *testing.T) {
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	a := map[string]string{"a": "1", "b": "2", "c": "3"}
	b := map[string]string{"c": "3", "a": "1", "b": "2"}
	assert.Equal(t, Bucket("key", a, now), Bucket("key", b, now))
	for i := 0; i < 100; i++ {
		v := Bucket(fmt.Sprintf("key-%d", i), a, now)
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, 100)
	}
}

func TestShouldRunCanary(t *testing.T) {
	draw := 0.0
	c, _ := newTestController(t, func(cfg *Config) {
		cfg.CanaryEnabled = true
		cfg.CanarySampleRate = 20
	}, WithSampler(func() float64 { return draw }))

	draw = 0.19
	assert.True(t, c.ShouldRunCanary("k"))
	draw = 0.2
	assert.False(t, c.ShouldRunCanary("k"))

	c.TripBreaker()
	draw = 0
	assert.False(t, c.ShouldRunCanary("k"), "no canary while breaker open")

	c.ResetBreaker()
	disabled := false
	require.NoError(t, c.UpdateConfig(Update{CanaryEnabled: &disabled}))
	assert.False(t, c.ShouldRunCanary("k"))
}

func TestShouldRunCanary_FullRate(t *testing.T) {
	c, _ := newTestController(t, func(cfg *Config) {
		cfg.CanaryEnabled = true
		cfg.CanarySampleRate = 100
	}, WithSampler(func() float64 { return 0.999 }))
	assert.True(t, c.ShouldRunCanary("k"))
}

func TestUpdateConfig_RejectsInvalid(t *testing.T) {
	c, _ := newTestController(t, func(cfg *Config) { cfg.NewSystemPercentage = 25 })

	err := c.UpdateConfig(Update{NewSystemPercentage: intPtr(150), CanarySampleRate: intPtr(50)})
	require.Error(t, err)

	cfg := c.Config()
	assert.Equal(t, 25, cfg.NewSystemPercentage)
	assert.Equal(t, 10, cfg.CanarySampleRate, "partial update must not be applied")
}

func TestUpdateConfig_ForcedIdentifiers(t *testing.T) {
	c, _ := newTestController(t, nil)

	ids := []string{"a", " b ", ""}
	require.NoError(t, c.UpdateConfig(Update{ForcedIdentifiers: &ids}))

	cfg := c.Config()
	assert.Len(t, cfg.ForcedIdentifiers, 2)
	assert.Contains(t, cfg.ForcedIdentifiers, "b")

	// The returned copy must not alias controller state.
	delete(cfg.ForcedIdentifiers, "a")
	assert.Contains(t, c.Config().ForcedIdentifiers, "a")
}

func TestRecordPerformanceSample_CumulativeAverage(t *testing.T) {
	c, _ := newTestController(t, nil)

	for _, d := range []float64{100, 200, 300} {
		c.RecordPerformanceSample(PerformanceSample{System: execution.SystemLegacy, DurationMs: d, Success: true})
	}
	c.RecordPerformanceSample(PerformanceSample{System: execution.SystemReplacement, DurationMs: 50})

	perf := c.Performance()
	assert.Equal(t, int64(3), perf.Legacy.Count)
	assert.InDelta(t, 200.0, perf.Legacy.AvgMs, 1e-9)
	assert.Equal(t, int64(1), perf.Replacement.Count)
	assert.Equal(t, int64(1), perf.Replacement.Failures)
	assert.InDelta(t, 50.0, perf.Replacement.AvgMs, 1e-9)
}

func TestPerformanceDegraded(t *testing.T) {
	c, _ := newTestController(t, func(cfg *Config) { cfg.MinPerformanceSamples = 3 })

	for i := 0; i < 3; i++ {
		c.RecordPerformanceSample(PerformanceSample{System: execution.SystemLegacy, DurationMs: 100, Success: true})
	}
	assert.False(t, c.PerformanceDegraded(), "not enough replacement samples")

	for i := 0; i < 3; i++ {
		c.RecordPerformanceSample(PerformanceSample{System: execution.SystemReplacement, DurationMs: 140, Success: true})
	}
	assert.False(t, c.PerformanceDegraded(), "1.4x is under the 1.5x factor")

	for i := 0; i < 6; i++ {
		c.RecordPerformanceSample(PerformanceSample{System: execution.SystemReplacement, DurationMs: 400, Success: true})
	}
	assert.True(t, c.PerformanceDegraded())
}

func TestRecordCanaryOutcome_Streak(t *testing.T) {
	c, _ := newTestController(t, nil)

	c.RecordCanaryOutcome(false, false)
	c.RecordCanaryOutcome(true, true)
	assert.Equal(t, 2, c.CanaryStreak())
	assert.False(t, c.Signals().CanaryRegression)

	c.RecordCanaryOutcome(false, false)
	assert.True(t, c.Signals().CanaryRegression)

	c.RecordCanaryOutcome(true, false)
	assert.Equal(t, 0, c.CanaryStreak())
}

func TestController_LogsBreakerOpen(t *testing.T) {
	tl := logging.NewTestLogger()
	c, _ := newTestController(t, func(cfg *Config) { cfg.ErrorThreshold = 1 }, WithLogger(tl.Underlying()))

	c.RecordError(errors.New("boom"), ErrorContext{System: execution.SystemReplacement})
	tl.AssertLogged(t, zapcore.WarnLevel, "circuit breaker opened")
	tl.AssertField(t, "circuit breaker opened", "to", "open")
}

func TestController_ConcurrentAccess(t *testing.T) {
	c, _ := newTestController(t, func(cfg *Config) {
		cfg.NewSystemPercentage = 50
		cfg.ErrorThreshold = 1000
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.ShouldUseReplacement(fmt.Sprintf("k-%d-%d", i, j), nil)
				c.RecordError(errors.New("x"), ErrorContext{System: execution.SystemReplacement})
				c.RecordPerformanceSample(PerformanceSample{System: execution.SystemLegacy, DurationMs: 10})
				_ = c.BreakerState()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1000, c.BreakerState().ErrorCount)
	assert.Equal(t, int64(1000), c.Performance().Legacy.Count)
}
