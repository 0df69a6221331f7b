package logging

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

func fieldMap(fields []zap.Field) map[string]interface{} {
	m := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		if f.String != "" {
			m[f.Key] = f.String
		} else {
			m[f.Key] = f.Integer == 1
		}
	}
	return m
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextFields_Trace(t *testing.T) {
	provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, span := provider.Tracer("test").Start(context.Background(), "route")
	defer span.End()

	m := fieldMap(ContextFields(ctx))
	assert.Equal(t, span.SpanContext().TraceID().String(), m["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), m["span_id"])
	assert.Equal(t, true, m["trace_sampled"])
}

func TestContextFields_Unsampled(t *testing.T) {
	provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, span := provider.Tracer("test").Start(context.Background(), "route")
	defer span.End()

	m := fieldMap(ContextFields(ctx))
	assert.Contains(t, m, "trace_id")
	assert.NotContains(t, m, "trace_sampled")
}

func TestContextFields_Correlation(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-42")
	ctx = WithRoutingKey(ctx, "src/main.go")
	ctx = WithOperator(ctx, "oncall.alice")

	m := fieldMap(ContextFields(ctx))
	assert.Equal(t, "req-42", m["request.id"])
	assert.Equal(t, "src/main.go", m["routing.key"])
	assert.Equal(t, "oncall.alice", m["operator"])
}

func TestValidateID(t *testing.T) {
	for _, ok := range []string{"req-1", "a_b", "01HV:abc.def", strings.Repeat("x", maxIDLen)} {
		assert.NoError(t, ValidateID(ok), ok)
	}
	tests := map[string]string{
		"":                               "cannot be empty",
		"has space":                      "invalid characters",
		"semi;colon":                     "invalid characters",
		string([]byte{0xff, 0xfe}):       "invalid UTF-8",
		strings.Repeat("x", maxIDLen+1): "exceeds max length",
	}
	for in, want := range tests {
		assert.ErrorContains(t, ValidateID(in), want, in)
	}
}

func TestWithRequestID_PanicsOnInvalid(t *testing.T) {
	assert.PanicsWithValue(t, "logging: requestID: id cannot be empty", func() {
		WithRequestID(context.Background(), "")
	})
	assert.Panics(t, func() { WithOperator(context.Background(), "bad id") })
}

func TestWithRoutingKey(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, WithRoutingKey(ctx, ""), "empty key leaves ctx untouched")

	long := strings.Repeat("é", maxRoutingKeyLen)
	got := RoutingKeyFromContext(WithRoutingKey(ctx, long))
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.LessOrEqual(t, len(got), maxRoutingKeyLen+len("…"))
}

func TestLogger_InContext(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	assert.Same(t, tl.Logger, FromContext(ctx))
}

func TestLogger_FromContextMissing(t *testing.T) {
	l := FromContext(context.Background())
	assert.NotNil(t, l)
	l.Info(context.Background(), "dropped")
	assert.False(t, l.Enabled(TraceLevel))
}
