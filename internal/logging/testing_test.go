package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Trace(ctx, "bucket computed", zap.Int("bucket", 12))
	tl.Warn(ctx, "circuit breaker opened", zap.Duration("window", time.Minute), zap.Bool("forced", false))

	assert.Len(t, tl.All(), 2)
	tl.AssertLogged(t, TraceLevel, "bucket")
	tl.AssertLogged(t, zapcore.WarnLevel, "breaker opened")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "breaker")
	tl.AssertField(t, "bucket computed", "bucket", int64(12))
	tl.AssertField(t, "circuit breaker opened", "window", time.Minute)
	tl.AssertField(t, "circuit breaker opened", "forced", false)
	assert.Equal(t, 1, tl.FilterMessage("breaker").Len())

	tl.Reset()
	assert.Empty(t, tl.All())
	assert.NotNil(t, tl.Underlying())
}
