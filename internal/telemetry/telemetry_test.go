package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/cutover/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/metric"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.NoError(t, tel.ForceFlush(context.Background()))

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Protocol = "udp"

	tel, err := New(context.Background(), cfg, nil)
	assert.Nil(t, tel)
	assert.ErrorContains(t, err, "invalid telemetry config")
}

func TestNew_EnabledInstallsProviders(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.ShutdownTimeout = 200 * time.Millisecond
	log := logging.NewTestLogger()

	tel, err := New(context.Background(), cfg, log.Underlying())
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())
	assert.False(t, tel.Health().Degraded)
	log.AssertField(t, "telemetry enabled", "protocol", "grpc")

	_, span := tel.Tracer("test").Start(context.Background(), "probe")
	span.End()

	// Nothing listens on the endpoint; shutdown may report a flush error but
	// must return within the configured timeout.
	start := time.Now()
	_ = tel.Shutdown(context.Background())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, tel.IsEnabled())
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotPanics(t, func() {
		_ = tel.Tracer("test")
		_ = tel.Meter("test")
		_ = tel.LoggerProvider()
		tel.SetLoggerProvider(nil)
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})
	assert.Equal(t, HealthStatus{Degraded: true}, tel.Health())
}

func TestTelemetry_LoggerProvider(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.Nil(t, tel.LoggerProvider())

	lp := noop.NewLoggerProvider()
	tel.SetLoggerProvider(lp)
	assert.Equal(t, lp, tel.LoggerProvider())
}

func TestTestTelemetry_Spans(t *testing.T) {
	tt := NewTestTelemetry()
	tracer := tt.Tracer("test")

	_, s1 := tracer.Start(context.Background(), "migration.execute")
	s1.SetAttributes(attribute.String("migration.path", "canary"), attribute.Int64("files", 3))
	s1.End()
	_, s2 := tracer.Start(context.Background(), "rollback.execute")
	s2.SetAttributes(attribute.Bool("rollback.dry_run", true))
	s2.End()

	assert.Len(t, tt.Spans(), 2)
	assert.Nil(t, tt.SpanByName("missing"))
	tt.AssertSpanExists(t, "migration.execute")
	tt.AssertSpanAttribute(t, "migration.execute", "migration.path", "canary")
	tt.AssertSpanAttribute(t, "migration.execute", "files", int64(3))
	tt.AssertSpanAttribute(t, "rollback.execute", "rollback.dry_run", true)
	assert.NotNil(t, tt.TracerProvider())
}

func TestTestTelemetry_Metrics(t *testing.T) {
	tt := NewTestTelemetry()
	counter, err := tt.Meter("test").Int64Counter("cutover.test.requests_total")
	require.NoError(t, err)

	counter.Add(context.Background(), 2, metric.WithAttributes(attribute.String("path", "legacy")))

	rm, err := tt.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cutover.test.requests_total"}, MetricNames(rm))

	set := attribute.NewSet(attribute.String("path", "legacy"))
	assert.Equal(t, "legacy", AttrString(set, "path"))
	assert.NoError(t, tt.ForceFlush(context.Background()))
}
