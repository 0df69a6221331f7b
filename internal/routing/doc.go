// Package routing decides, per request, whether the legacy or the replacement
// system serves it, and guards the replacement with a circuit breaker.
//
// # Routing
//
// Rules are evaluated in strict order and the first match wins: an open
// breaker, the manual override, forced identifiers, the 0%/100% extremes, and
// finally a stable hash of the routing key, its attributes and the UTC date.
// The hash makes the decision deterministic for a key for a whole day.
//
// # Circuit breaker
//
//	closed --(threshold errors within window)--> open
//	open --(recovery timeout, evaluated lazily on read)--> halfOpen
//	halfOpen --(success)--> closed
//	halfOpen --(error)--> open
//
// TripBreaker forces the breaker open; a forced breaker does not move to
// half-open on its own and stays open until ResetBreaker.
//
// # Performance
//
// Per-system latency is kept as a cumulative average and, together with the
// canary streak and the error window, feeds the rollback manager's Signals.
package routing
