package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	maxIDLen         = 128
	maxRoutingKeyLen = 256
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

type requestCtxKey struct{}
type routingKeyCtxKey struct{}
type operatorCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	if key := RoutingKeyFromContext(ctx); key != "" {
		fields = append(fields, zap.String("routing.key", key))
	}
	if op := OperatorFromContext(ctx); op != "" {
		fields = append(fields, zap.String("operator", op))
	}
	return fields
}

// ValidateID checks a request or operator identifier.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("id contains invalid UTF-8")
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("id exceeds max length %d", maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("id contains invalid characters (must be alphanumeric, '.', ':', '-', '_')")
	}
	return nil
}

// WithRequestID adds a request ID to ctx.
// Panics if id fails ValidateID; callers handling untrusted input validate first.
func WithRequestID(ctx context.Context, id string) context.Context {
	if err := ValidateID(id); err != nil {
		panic(fmt.Sprintf("logging: requestID: %v", err))
	}
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext extracts the request ID from ctx.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRoutingKey adds the routing key of the request being served. Keys are
// caller-chosen strings, so they are only truncated, never rejected.
func WithRoutingKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, routingKeyCtxKey{}, truncateKey(key))
}

// RoutingKeyFromContext extracts the routing key from ctx.
func RoutingKeyFromContext(ctx context.Context) string {
	if k, ok := ctx.Value(routingKeyCtxKey{}).(string); ok {
		return k
	}
	return ""
}

// WithOperator records who initiated an administrative action.
// Panics if operator fails ValidateID.
func WithOperator(ctx context.Context, operator string) context.Context {
	if err := ValidateID(operator); err != nil {
		panic(fmt.Sprintf("logging: operator: %v", err))
	}
	return context.WithValue(ctx, operatorCtxKey{}, operator)
}

// OperatorFromContext extracts the operator from ctx.
func OperatorFromContext(ctx context.Context) string {
	if o, ok := ctx.Value(operatorCtxKey{}).(string); ok {
		return o
	}
	return ""
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}

func truncateKey(key string) string {
	if len(key) <= maxRoutingKeyLen {
		return key
	}
	cut := maxRoutingKeyLen
	for cut > 0 && !utf8.RuneStart(key[cut]) {
		cut--
	}
	return key[:cut] + "…"
}
