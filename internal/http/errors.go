package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/cutover/internal/migration"
	"github.com/fyrsmithlabs/cutover/internal/rollback"
)

// errorStatus maps a component error to an HTTP status.
func errorStatus(err error) int {
	var (
		stateErr       *rollback.RollbackStateError
		fallbackErr    *migration.FallbackError
		timeoutErr     *migration.CanaryTimeoutError
		discrepancyErr *migration.SystemDiscrepancyError
	)
	switch {
	case errors.As(err, &stateErr):
		return http.StatusConflict
	case errors.Is(err, rollback.ErrNotRecommended):
		return http.StatusUnprocessableEntity
	case errors.Is(err, rollback.ErrAutoRollbackDisabled):
		return http.StatusForbidden
	case errors.Is(err, rollback.ErrDailyLimitReached):
		return http.StatusTooManyRequests
	case errors.Is(err, rollback.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &discrepancyErr):
		return http.StatusConflict
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout
	case errors.As(err, &fallbackErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// apiError converts err into an *echo.HTTPError carrying its message.
func apiError(err error) error {
	return echo.NewHTTPError(errorStatus(err), err.Error()).SetInternal(err)
}

// executeError is apiError with unknown failures reported as upstream errors.
func executeError(err error) error {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		status = http.StatusBadGateway
	}
	return echo.NewHTTPError(status, err.Error()).SetInternal(err)
}
