// Package config provides configuration loading for cutover.
//
// Configuration is layered: built-in defaults, then a YAML file, then
// CUTOVER_ environment variables. See Load.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

// Config holds the complete cutover configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Migration  MigrationConfig  `koanf:"migration"`
	Comparison ComparisonConfig `koanf:"comparison"`
	Rollback   RollbackConfig   `koanf:"rollback"`
	Store      StoreConfig      `koanf:"store"`
	Backends   BackendsConfig   `koanf:"backends"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds the operator HTTP API configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RateLimit       float64       `koanf:"rate_limit"` // requests/second per client, 0 disables
	RateBurst       int           `koanf:"rate_burst"`
}

// MigrationConfig holds routing, canary and circuit breaker settings.
type MigrationConfig struct {
	NewSystemPercentage    int           `koanf:"new_system_percentage"`
	CanaryEnabled          bool          `koanf:"canary_enabled"`
	CanarySampleRate       int           `koanf:"canary_sample_rate"`
	CanaryTimeout          time.Duration `koanf:"canary_timeout"`
	ForcedIdentifiers      []string      `koanf:"forced_identifiers"`
	ErrorThreshold         int           `koanf:"error_threshold"`
	ErrorWindow            time.Duration `koanf:"error_window"`
	CircuitRecoveryTimeout time.Duration `koanf:"circuit_recovery_timeout"`
	FallbackOnError        bool          `koanf:"fallback_on_error"`
	ManualOverride         string        `koanf:"manual_override"`
	AutoRollbackEnabled    bool          `koanf:"auto_rollback_enabled"`
	CanaryStreakThreshold  int           `koanf:"canary_streak_threshold"`
	DegradationFactor      float64       `koanf:"degradation_factor"`
	MinPerformanceSamples  int           `koanf:"min_performance_samples"`
}

// ComparisonConfig holds canary output comparison settings.
type ComparisonConfig struct {
	CountTolerance         int     `koanf:"count_tolerance"`
	CompareContent         bool    `koanf:"compare_content"`
	IgnoreWhitespace       bool    `koanf:"ignore_whitespace"`
	IgnoreComments         bool    `koanf:"ignore_comments"`
	IgnoreTimestamps       bool    `koanf:"ignore_timestamps"`
	PerformanceToleranceMs float64 `koanf:"performance_tolerance_ms"`
	RegressionThreshold    float64 `koanf:"regression_threshold"`
	MaxWarnings            int     `koanf:"max_warnings"`
	AlertOnDiscrepancy     bool    `koanf:"alert_on_discrepancy"`
	StrictMode             bool    `koanf:"strict_mode"`
}

// RollbackConfig holds rollback manager settings.
type RollbackConfig struct {
	GracePeriod            time.Duration `koanf:"grace_period"`
	MonitorInterval        time.Duration `koanf:"monitor_interval"` // 0 disables the monitor
	MaxAutoRollbacksPerDay int           `koanf:"max_auto_rollbacks_per_day"`
	ProbeTimeout           time.Duration `koanf:"probe_timeout"`
}

// StoreConfig selects where the rollback snapshot is persisted.
type StoreConfig struct {
	Backend string `koanf:"backend"` // file, badger or memory
	Path    string `koanf:"path"`
}

// BackendsConfig locates the legacy and replacement systems.
type BackendsConfig struct {
	LegacyURL         string        `koanf:"legacy_url"`
	ReplacementURL    string        `koanf:"replacement_url"`
	Timeout           time.Duration `koanf:"timeout"`
	AuthToken         Secret        `koanf:"auth_token"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
}

// LoggingConfig holds the subset of logging settings exposed in the file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled       bool    `koanf:"enabled"`
	Endpoint      string  `koanf:"endpoint"`
	Protocol      string  `koanf:"protocol"` // grpc or http
	Insecure      bool    `koanf:"insecure"`
	TLSSkipVerify bool    `koanf:"tls_skip_verify"`
	SampleRate    float64 `koanf:"sample_rate"`
	ServiceName   string  `koanf:"service_name"`
}

// Default returns the built-in configuration: every request on legacy,
// canary off, automatic rollback on.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8470,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       50,
			RateBurst:       100,
		},
		Migration: MigrationConfig{
			NewSystemPercentage:    0,
			CanarySampleRate:       10,
			CanaryTimeout:          5 * time.Second,
			ForcedIdentifiers:      []string{},
			ErrorThreshold:         5,
			ErrorWindow:            time.Minute,
			CircuitRecoveryTimeout: 5 * time.Minute,
			FallbackOnError:        true,
			ManualOverride:         "none",
			AutoRollbackEnabled:    true,
			CanaryStreakThreshold:  3,
			DegradationFactor:      1.5,
			MinPerformanceSamples:  10,
		},
		Comparison: ComparisonConfig{
			CompareContent:         true,
			IgnoreWhitespace:       true,
			IgnoreTimestamps:       true,
			PerformanceToleranceMs: 100,
			RegressionThreshold:    1.5,
			MaxWarnings:            3,
			AlertOnDiscrepancy:     true,
		},
		Rollback: RollbackConfig{
			GracePeriod:            5 * time.Second,
			MonitorInterval:        30 * time.Second,
			MaxAutoRollbacksPerDay: 3,
			ProbeTimeout:           5 * time.Second,
		},
		Store: StoreConfig{
			Backend: "file",
		},
		Backends: BackendsConfig{
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			SampleRate:  1.0,
			ServiceName: "cutover",
		},
	}
}

// NormalizeOverride maps the accepted manual override spellings (camelCase
// or snake_case, any case) to the canonical camelCase name.
func NormalizeOverride(s string) (string, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "")) {
	case "", "none":
		return "none", nil
	case "forcelegacy":
		return "forceLegacy", nil
	case "forcereplacement":
		return "forceReplacement", nil
	default:
		return "", fmt.Errorf("unknown manual override %q", s)
	}
}

// Validate checks ranges and required fields. All problems are reported.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server shutdown_timeout must be positive")
	}
	if c.Server.RateLimit < 0 {
		add("server rate_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		add("server rate_burst must be >= 1 when rate_limit is set")
	}

	m := c.Migration
	if m.NewSystemPercentage < 0 || m.NewSystemPercentage > 100 {
		add("migration new_system_percentage must be 0-100, got %d", m.NewSystemPercentage)
	}
	if m.CanarySampleRate < 0 || m.CanarySampleRate > 100 {
		add("migration canary_sample_rate must be 0-100, got %d", m.CanarySampleRate)
	}
	if m.CanaryTimeout <= 0 {
		add("migration canary_timeout must be positive")
	}
	if m.ErrorThreshold < 1 {
		add("migration error_threshold must be >= 1, got %d", m.ErrorThreshold)
	}
	if m.ErrorWindow <= 0 {
		add("migration error_window must be positive")
	}
	if m.CircuitRecoveryTimeout <= 0 {
		add("migration circuit_recovery_timeout must be positive")
	}
	if _, err := NormalizeOverride(m.ManualOverride); err != nil {
		errs = append(errs, fmt.Errorf("migration manual_override: %w", err))
	}
	if m.CanaryStreakThreshold < 1 {
		add("migration canary_streak_threshold must be >= 1")
	}
	if m.DegradationFactor <= 1 {
		add("migration degradation_factor must be > 1, got %v", m.DegradationFactor)
	}
	if m.MinPerformanceSamples < 1 {
		add("migration min_performance_samples must be >= 1")
	}

	cmp := c.Comparison
	if cmp.CountTolerance < 0 {
		add("comparison count_tolerance must be >= 0")
	}
	if cmp.PerformanceToleranceMs < 0 {
		add("comparison performance_tolerance_ms must be >= 0")
	}
	if cmp.RegressionThreshold < 1 {
		add("comparison regression_threshold must be >= 1, got %v", cmp.RegressionThreshold)
	}
	if cmp.MaxWarnings < 0 {
		add("comparison max_warnings must be >= 0")
	}

	if c.Rollback.GracePeriod < 0 {
		add("rollback grace_period must be >= 0")
	}
	if c.Rollback.MonitorInterval < 0 {
		add("rollback monitor_interval must be >= 0")
	}
	if c.Rollback.MaxAutoRollbacksPerDay < 0 {
		add("rollback max_auto_rollbacks_per_day must be >= 0")
	}
	if c.Rollback.ProbeTimeout <= 0 {
		add("rollback probe_timeout must be positive")
	}

	switch c.Store.Backend {
	case "file", "badger":
		if c.Store.Path == "" {
			add("store path is required for backend %q", c.Store.Backend)
		}
	case "memory":
	default:
		add("store backend must be file, badger or memory, got %q", c.Store.Backend)
	}

	for name, raw := range map[string]string{"legacy_url": c.Backends.LegacyURL, "replacement_url": c.Backends.ReplacementURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("backends %s must be an http(s) URL, got %q", name, raw)
		}
	}
	if c.Backends.Timeout <= 0 {
		add("backends timeout must be positive")
	}
	if c.Backends.RequestsPerSecond < 0 {
		add("backends requests_per_second must be >= 0")
	}

	if c.Logging.Level != "trace" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			add("logging level: %v", err)
		}
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		add("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			add("telemetry endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
			add("telemetry protocol must be grpc or http, got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			add("telemetry sample_rate must be between 0 and 1, got %v", c.Telemetry.SampleRate)
		}
	}

	return errors.Join(errs...)
}
