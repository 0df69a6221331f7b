// Package store provides durable rollback.StateStore backends: a JSON file
// written atomically, and an embedded BadgerDB.
//
// Both backends load a missing snapshot as rollback.DefaultSnapshot and an
// undecodable one as the default plus an error wrapping
// rollback.ErrCorruptSnapshot.
package store
