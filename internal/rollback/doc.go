// Package rollback forces traffic back to the legacy system when the
// replacement misbehaves, and keeps a persisted history of doing so.
//
// # States
//
//	active -> rollbackPending -> rollingBack -> rolledBack | rollbackFailed
//	rollbackFailed | recoveryFailed -> recovering -> rolledBack | recoveryFailed
//	rolledBack -> active (ClearRollback)
//
// A rollback runs set_force_legacy, trip_circuit_breaker, drain_in_flight and
// validate in order. A failing step is recorded and the rest still run; any
// failure ends in rollbackFailed.
//
// # Persistence
//
// Every transition writes a Snapshot through a StateStore. New reads it once;
// a snapshot left in a transient state by a crash loads as rollbackFailed.
package rollback
