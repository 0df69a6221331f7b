package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestNewResource(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ServiceVersion = "2.0.0"

	attrs := map[string]string{}
	for _, kv := range newResource(cfg).Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "cutover", attrs["service.name"])
	assert.Equal(t, "2.0.0", attrs["service.version"])
}

func TestSampler(t *testing.T) {
	root := func(s sdktrace.Sampler) sdktrace.SamplingDecision {
		return s.ShouldSample(sdktrace.SamplingParameters{
			ParentContext: context.Background(),
			TraceID:       trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			Name:          "migration.execute",
		}).Decision
	}
	assert.Equal(t, sdktrace.RecordAndSample, root(sampler(1)))
	assert.Equal(t, sdktrace.Drop, root(sampler(0)))
	assert.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}

func TestExporters_BuildWithoutConnecting(t *testing.T) {
	for _, protocol := range []string{ProtocolGRPC, ProtocolHTTP} {
		t.Run(protocol, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			cfg.Protocol = protocol

			spans, err := newSpanExporter(context.Background(), cfg)
			require.NoError(t, err)
			assert.NoError(t, spans.Shutdown(context.Background()))

			metrics, err := newMetricExporter(context.Background(), cfg)
			require.NoError(t, err)
			assert.NoError(t, metrics.Shutdown(context.Background()))
		})
	}
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel:4318", stripScheme("https://otel:4318"))
	assert.Equal(t, "otel:4318", stripScheme("http://otel:4318"))
	assert.Equal(t, "otel:4317", stripScheme("otel:4317"))
}
