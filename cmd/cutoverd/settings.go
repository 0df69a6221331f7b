package main

import (
	"fmt"

	"github.com/fyrsmithlabs/cutover/internal/backend"
	"github.com/fyrsmithlabs/cutover/internal/compare"
	"github.com/fyrsmithlabs/cutover/internal/config"
	"github.com/fyrsmithlabs/cutover/internal/execution"
	cuthttp "github.com/fyrsmithlabs/cutover/internal/http"
	"github.com/fyrsmithlabs/cutover/internal/migration"
	"github.com/fyrsmithlabs/cutover/internal/rollback"
	"github.com/fyrsmithlabs/cutover/internal/routing"
)

func routingConfig(m config.MigrationConfig) (routing.Config, error) {
	override, err := routing.ParseOverride(m.ManualOverride)
	if err != nil {
		return routing.Config{}, err
	}
	cfg := routing.Config{
		NewSystemPercentage:    m.NewSystemPercentage,
		ForcedIdentifiers:      routing.IdentifierSet(m.ForcedIdentifiers),
		CanaryEnabled:          m.CanaryEnabled,
		CanarySampleRate:       m.CanarySampleRate,
		CanaryTimeout:          m.CanaryTimeout,
		ErrorThreshold:         m.ErrorThreshold,
		ErrorWindow:            m.ErrorWindow,
		CircuitRecoveryTimeout: m.CircuitRecoveryTimeout,
		FallbackOnError:        m.FallbackOnError,
		ManualOverride:         override,
		CanaryStreakThreshold:  m.CanaryStreakThreshold,
		DegradationFactor:      m.DegradationFactor,
		MinPerformanceSamples:  m.MinPerformanceSamples,
	}
	if err := cfg.Validate(); err != nil {
		return routing.Config{}, fmt.Errorf("invalid routing config: %w", err)
	}
	return cfg, nil
}

// routingUpdate converts a reloaded migration section into a full update.
// While a rollback holds, the override is left alone so a reload cannot lift
// it.
func routingUpdate(m config.MigrationConfig, holding bool) (routing.Update, error) {
	cfg, err := routingConfig(m)
	if err != nil {
		return routing.Update{}, err
	}
	ids := append([]string(nil), m.ForcedIdentifiers...)
	u := routing.Update{
		NewSystemPercentage:    &cfg.NewSystemPercentage,
		ForcedIdentifiers:      &ids,
		CanaryEnabled:          &cfg.CanaryEnabled,
		CanarySampleRate:       &cfg.CanarySampleRate,
		CanaryTimeout:          &cfg.CanaryTimeout,
		ErrorThreshold:         &cfg.ErrorThreshold,
		ErrorWindow:            &cfg.ErrorWindow,
		CircuitRecoveryTimeout: &cfg.CircuitRecoveryTimeout,
		FallbackOnError:        &cfg.FallbackOnError,
		CanaryStreakThreshold:  &cfg.CanaryStreakThreshold,
		DegradationFactor:      &cfg.DegradationFactor,
		MinPerformanceSamples:  &cfg.MinPerformanceSamples,
	}
	if !holding {
		u.ManualOverride = &cfg.ManualOverride
	}
	return u, nil
}

func compareConfig(c config.ComparisonConfig) compare.Config {
	return compare.Config{
		CountTolerance:         c.CountTolerance,
		CompareContent:         c.CompareContent,
		IgnoreWhitespace:       c.IgnoreWhitespace,
		IgnoreComments:         c.IgnoreComments,
		IgnoreTimestamps:       c.IgnoreTimestamps,
		PerformanceToleranceMs: c.PerformanceToleranceMs,
		RegressionThreshold:    c.RegressionThreshold,
		MaxWarnings:            c.MaxWarnings,
	}
}

func migrationConfig(c config.ComparisonConfig) migration.Config {
	return migration.Config{
		Compare:            compareConfig(c),
		AlertOnDiscrepancy: c.AlertOnDiscrepancy,
		StrictMode:         c.StrictMode,
	}
}

func rollbackConfig(cfg *config.Config) rollback.Config {
	return rollback.Config{
		AutoRollbackEnabled:    cfg.Migration.AutoRollbackEnabled,
		GracePeriod:            cfg.Rollback.GracePeriod,
		MaxAutoRollbacksPerDay: cfg.Rollback.MaxAutoRollbacksPerDay,
	}
}

func backendConfig(system execution.System, url string, b config.BackendsConfig) backend.Config {
	return backend.Config{
		System:            system,
		BaseURL:           url,
		Token:             b.AuthToken,
		Timeout:           b.Timeout,
		RequestsPerSecond: b.RequestsPerSecond,
	}
}

func serverConfig(s config.ServerConfig) *cuthttp.Config {
	return &cuthttp.Config{
		Host:      s.Host,
		Port:      s.Port,
		Version:   version,
		RateLimit: s.RateLimit,
		RateBurst: s.RateBurst,
	}
}
