package rollback

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Monitor periodically runs automatic rollback while the manager is active.
type Monitor struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger
}

// NewMonitor creates a monitor that checks every interval.
func NewMonitor(m *Manager, interval time.Duration, logger *zap.Logger) (*Monitor, error) {
	if m == nil {
		return nil, errors.New("rollback manager is required")
	}
	if interval <= 0 {
		return nil, errors.New("monitor interval must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{manager: m, interval: interval, logger: logger}, nil
}

// Run checks on every tick until ctx is done or the manager is closed.
func (mo *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(mo.interval)
	defer ticker.Stop()

	mo.logger.Info("rollback monitor started", zap.Duration("interval", mo.interval))
	for {
		select {
		case <-ctx.Done():
			mo.logger.Info("rollback monitor stopped")
			return ctx.Err()
		case <-mo.manager.closed:
			mo.logger.Info("rollback monitor stopped, manager closed")
			return nil
		case <-ticker.C:
			mo.Check(ctx)
		}
	}
}

// Check runs one automatic rollback attempt. It returns the record when a
// rollback ran; expected refusals (not recommended, disabled, not active)
// return nil.
func (mo *Monitor) Check(ctx context.Context) *Record {
	if mo.manager.State() != StateActive {
		return nil
	}

	rec, err := mo.manager.ExecuteAutomaticRollback(ctx, false)
	var stateErr *RollbackStateError
	switch {
	case err == nil:
		mo.logger.Warn("automatic rollback executed",
			zap.String("rollback.id", rec.ID),
			zap.String("trigger", string(rec.Trigger)),
			zap.String("final_state", string(rec.FinalState)))
		return rec
	case errors.Is(err, ErrNotRecommended), errors.Is(err, ErrAutoRollbackDisabled), errors.As(err, &stateErr):
		mo.logger.Debug("automatic rollback skipped", zap.Error(err))
	case errors.Is(err, ErrDailyLimitReached):
		mo.logger.Warn("automatic rollback recommended but daily limit reached", zap.Error(err))
	default:
		mo.logger.Error("automatic rollback failed", zap.Error(err))
	}
	return nil
}
