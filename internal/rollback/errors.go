package rollback

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotRecommended is returned by ExecuteAutomaticRollback when the
	// signals do not justify a rollback.
	ErrNotRecommended = errors.New("rollback not recommended")

	// ErrAutoRollbackDisabled is returned when automatic rollback is off.
	ErrAutoRollbackDisabled = errors.New("automatic rollback is disabled")

	// ErrDailyLimitReached is returned once the automatic rollbacks of the
	// current UTC day reach the configured cap.
	ErrDailyLimitReached = errors.New("daily automatic rollback limit reached")

	// ErrCorruptSnapshot is returned by stores whose persisted snapshot cannot
	// be decoded. The accompanying snapshot is the default one.
	ErrCorruptSnapshot = errors.New("corrupt rollback snapshot")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("rollback manager is closed")
)

// RollbackStateError rejects an operation that is not allowed from the
// current state. State is left untouched.
type RollbackStateError struct {
	Op      string
	Current State
	Allowed []State
}

func (e *RollbackStateError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("cannot %s from state %s (allowed: %s)", e.Op, e.Current, strings.Join(allowed, ", "))
}

// ValidationError lists the checks that failed after a rollback.
type ValidationError struct {
	Failed []string
}

func (e *ValidationError) Error() string {
	return "rollback validation failed: " + strings.Join(e.Failed, ", ")
}
