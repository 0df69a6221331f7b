// Package migration routes requests between the legacy and replacement
// systems.
//
// Three paths exist:
//
//   - canary: both systems run in parallel, each bounded by the canary
//     timeout, and their outputs are compared. Legacy's result is served
//     unless the override forces the replacement and it succeeded.
//   - replacement: the replacement serves the request. Failures count
//     against the circuit breaker and fall back to legacy when enabled.
//   - legacy: legacy serves the request and its errors propagate unchanged.
//
// Every served result is a clone annotated with execution.MigrationInfo.
package migration
