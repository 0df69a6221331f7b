// Package logging wraps zap for the cutover daemon.
//
// It adds a Trace level below Debug, stdout and OpenTelemetry outputs,
// per-request correlation fields, key-based redaction, and sampling that
// never drops errors.
//
// Components take a plain *zap.Logger; the daemon builds a Logger here and
// hands out Underlying(). HTTP handlers use the context-aware methods so
// every entry carries the request ID and routing key:
//
//	ctx = logging.WithRequestID(ctx, id)
//	ctx = logging.WithRoutingKey(ctx, req.Key)
//	logger.Info(ctx, "request routed", zap.String("path", string(path)))
//
// Tests use NewTestLogger and its Assert helpers.
package logging
