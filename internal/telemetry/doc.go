// Package telemetry sets up OpenTelemetry tracing and metrics export.
//
// New installs global tracer and meter providers when enabled, so the
// migration router and rollback manager, which take otel.Tracer by default,
// export without further wiring. Exporters speak OTLP over gRPC or HTTP.
// Failures degrade to no-op instruments; startup never fails because a
// collector is down.
//
// TestTelemetry records spans and metrics in memory for tests.
package telemetry
