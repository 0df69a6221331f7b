package logging

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/cutover/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedactedString(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "loaded", RedactedString("key", "sk-1234567890abcdef"), Secret("tok", config.Secret("hunter2")))

	tl.AssertField(t, "loaded", "key", "[REDACTED:19]")
	tl.AssertField(t, "loaded", "tok", "[REDACTED:7]")
}

func TestRedactingEncoder_SensitiveKeys(t *testing.T) {
	l, buf := bufferLogger(t, nil)

	l.With(zap.String("authorization", "Bearer abc")).Info(context.Background(), "backend call",
		zap.String("auth_token", "hunter2"),
		zap.String("Password", "p4ss"),
		zap.Any("secret", map[string]string{"k": "v"}),
		zap.Binary("api_key", []byte("raw")),
		zap.String("system", "legacy"),
	)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	line := lines[0]
	for _, key := range []string{"authorization", "auth_token", "Password", "secret", "api_key"} {
		assert.Equal(t, "[REDACTED]", line[key], key)
	}
	assert.Equal(t, "legacy", line["system"])
	assert.NotContains(t, buf.String(), "hunter2")
	assert.NotContains(t, buf.String(), "p4ss")
}

func TestRedactingEncoder_BearerTokens(t *testing.T) {
	l, buf := bufferLogger(t, nil)

	l.Warn(context.Background(), "replacement rejected Bearer eyJhbGci",
		zap.String("body", `{"echo":"Authorization: bearer eyJhbGci.payload"}`))

	out := buf.String()
	assert.NotContains(t, out, "eyJhbGci")
	line := decodeLines(t, buf)[0]
	assert.Equal(t, "replacement rejected Bearer [REDACTED]", line["msg"])
	assert.Contains(t, line["body"], "Bearer [REDACTED]")
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	l, buf := bufferLogger(t, func(c *Config) { c.Redaction.Enabled = false })

	l.Info(context.Background(), "Bearer visible", zap.String("token", "visible"))

	line := decodeLines(t, buf)[0]
	assert.Equal(t, "visible", line["token"])
	assert.Equal(t, "Bearer visible", line["msg"])
}
