package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/cutover/internal/compare"
	"github.com/fyrsmithlabs/cutover/internal/execution"
)

// ErrNoResult is returned when an executor returns neither a result nor an
// error.
var ErrNoResult = errors.New("executor returned no result")

// CanaryTimeoutError reports a canary side that did not answer within the
// canary timeout. The abandoned call may still be running.
type CanaryTimeoutError struct {
	System  execution.System
	Timeout time.Duration
}

func (e *CanaryTimeoutError) Error() string {
	return fmt.Sprintf("%s canary run exceeded %s", e.System, e.Timeout)
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match.
func (e *CanaryTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// SystemDiscrepancyError reports canary outputs that did not match. It is
// returned to callers only in strict mode.
type SystemDiscrepancyError struct {
	Key    string
	Report *compare.Report
}

func (e *SystemDiscrepancyError) Error() string {
	return fmt.Sprintf("canary outputs differ for key %q: %d critical, %d warning",
		e.Key, e.Report.Count(compare.SeverityCritical), e.Report.Count(compare.SeverityWarning))
}

// FallbackError reports a replacement failure that legacy did not absorb,
// either because fallback is disabled or because legacy failed as well.
type FallbackError struct {
	ReplacementErr error
	// FallbackErr is nil when fallback is disabled.
	FallbackErr error
}

func (e *FallbackError) Error() string {
	if e.FallbackErr == nil {
		return fmt.Sprintf("replacement failed and fallback is disabled: %v", e.ReplacementErr)
	}
	return fmt.Sprintf("replacement failed (%v) and legacy fallback failed: %v", e.ReplacementErr, e.FallbackErr)
}

func (e *FallbackError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.ReplacementErr != nil {
		errs = append(errs, e.ReplacementErr)
	}
	if e.FallbackErr != nil {
		errs = append(errs, e.FallbackErr)
	}
	return errs
}
