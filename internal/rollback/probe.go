package rollback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/cutover/internal/execution"
)

// HealthProbe checks that the legacy system can serve traffic.
type HealthProbe func(ctx context.Context) error

// HealthChecker is implemented by executors with a cheaper check than a full
// execution, such as the HTTP backend client.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ProbeKey is the routing key of the synthetic request used when an executor
// has no Health method.
const ProbeKey = "__rollback_health_probe__"

// ExecutorProbe builds a HealthProbe around exec bounded by timeout. It uses
// exec's Health method when available and otherwise executes a synthetic
// request that must succeed.
func ExecutorProbe(exec execution.Executor, timeout time.Duration) HealthProbe {
	return func(ctx context.Context) error {
		if exec == nil {
			return errors.New("no legacy executor configured")
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		if hc, ok := exec.(HealthChecker); ok {
			return hc.Health(ctx)
		}

		res, err := exec.Execute(ctx, &execution.RequestDescriptor{
			Key:     ProbeKey,
			Payload: map[string]any{"probe": true},
		})
		if err != nil {
			return fmt.Errorf("legacy probe failed: %w", err)
		}
		if res == nil || !res.Success {
			msg := "no result"
			if res != nil {
				msg = strings.Join(res.Errors, "; ")
			}
			return fmt.Errorf("legacy probe unsuccessful: %s", msg)
		}
		return nil
	}
}
