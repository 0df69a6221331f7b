// Package http exposes the operator API of the cutover daemon.
//
// Routes:
//
//	GET   /health                          liveness plus rollback/breaker summary
//	GET   /metrics                         Prometheus exposition
//	GET   /api/v1/status                   rollback status, routing config, router stats
//	GET   /api/v1/routing                  routing config and breaker
//	PATCH /api/v1/routing                  partial routing update
//	GET   /api/v1/breaker                  breaker snapshot
//	POST  /api/v1/breaker/trip             force the breaker open
//	POST  /api/v1/breaker/reset            close the breaker
//	GET   /api/v1/rollback/recommendation  score the rollback signals
//	GET   /api/v1/rollback/history         rollback history, oldest first
//	GET   /api/v1/rollback/validate        run the post-rollback checks
//	POST  /api/v1/rollback/emergency       operator rollback
//	POST  /api/v1/rollback/automatic       rollback if recommended (dry_run supported)
//	POST  /api/v1/rollback/recover         retry a failed rollback
//	POST  /api/v1/rollback/clear           lift a completed rollback
//	POST  /api/v1/execute                  route one request through the migration router
//
// Errors are JSON objects with a single "message" field. Rollback state
// conflicts map to 409, a disabled automatic rollback to 403 and the daily
// automatic rollback cap to 429.
//
// Client is the matching Go client used by cutoverctl.
package http
