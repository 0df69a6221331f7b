package compare

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/cutover/internal/execution"
)

// Severity ranks a discrepancy.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// DiscrepancyType names what differed.
type DiscrepancyType string

const (
	TypeSuccessMismatch       DiscrepancyType = "success_mismatch"
	TypeArtifactCountMismatch DiscrepancyType = "artifact_count_mismatch"
	TypeFileCountMismatch     DiscrepancyType = "file_count_mismatch"
	TypeContentMismatch       DiscrepancyType = "content_mismatch"
	TypeMissingArtifact       DiscrepancyType = "missing_artifact"
	TypePerformanceRegression DiscrepancyType = "performance_regression"
	TypeErrorMismatch         DiscrepancyType = "error_mismatch"
)

// Discrepancy is one difference between the legacy and replacement results.
type Discrepancy struct {
	Type     DiscrepancyType `json:"type"`
	Severity Severity        `json:"severity"`
	Message  string          `json:"message"`
	Details  map[string]any  `json:"details,omitempty"`
}

// PerformanceDelta compares durations. DiffMs is replacement minus legacy.
type PerformanceDelta struct {
	LegacyMs           float64 `json:"legacy_ms"`
	ReplacementMs      float64 `json:"replacement_ms"`
	DiffMs             float64 `json:"diff_ms"`
	RegressionDetected bool    `json:"regression_detected"`
}

// Report is the outcome of one comparison. It is not modified after Compare
// returns it.
type Report struct {
	OverallMatch  bool             `json:"overall_match"`
	Discrepancies []Discrepancy    `json:"discrepancies"`
	Performance   PerformanceDelta `json:"performance"`
}

// Count returns the number of discrepancies with the given severity.
func (r *Report) Count(sev Severity) int {
	n := 0
	for _, d := range r.Discrepancies {
		if d.Severity == sev {
			n++
		}
	}
	return n
}

// Summary condenses the report for attaching to a served result.
func (r *Report) Summary() *execution.ComparisonSummary {
	s := &execution.ComparisonSummary{
		OverallMatch:       r.OverallMatch,
		Critical:           r.Count(SeverityCritical),
		Warnings:           r.Count(SeverityWarning),
		RegressionDetected: r.Performance.RegressionDetected,
	}
	for _, d := range r.Discrepancies {
		s.Discrepancies = append(s.Discrepancies, fmt.Sprintf("%s: %s", d.Type, d.Message))
	}
	return s
}

// Config controls what Compare treats as a difference.
type Config struct {
	// CountTolerance is the allowed absolute difference in artifact and file
	// counts.
	CountTolerance int `json:"count_tolerance"`

	CompareContent   bool `json:"compare_content"`
	IgnoreWhitespace bool `json:"ignore_whitespace"`
	IgnoreComments   bool `json:"ignore_comments"`
	IgnoreTimestamps bool `json:"ignore_timestamps"`

	// PerformanceToleranceMs is how much slower the replacement may be before
	// RegressionThreshold is even considered.
	PerformanceToleranceMs float64 `json:"performance_tolerance_ms"`
	RegressionThreshold    float64 `json:"regression_threshold"`

	// MaxWarnings is the number of warnings tolerated in a matching report.
	MaxWarnings int `json:"max_warnings"`
}

// DefaultConfig returns strict counts, content comparison with whitespace and
// timestamps ignored, and a 1.5x regression threshold.
func DefaultConfig() Config {
	return Config{
		CountTolerance:         0,
		CompareContent:         true,
		IgnoreWhitespace:       true,
		IgnoreComments:         false,
		IgnoreTimestamps:       true,
		PerformanceToleranceMs: 100,
		RegressionThreshold:    1.5,
		MaxWarnings:            3,
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	var errs []error
	if c.CountTolerance < 0 {
		errs = append(errs, fmt.Errorf("count tolerance must be >= 0, got %d", c.CountTolerance))
	}
	if c.PerformanceToleranceMs < 0 {
		errs = append(errs, fmt.Errorf("performance tolerance must be >= 0, got %v", c.PerformanceToleranceMs))
	}
	if c.RegressionThreshold < 1 {
		errs = append(errs, fmt.Errorf("regression threshold must be >= 1, got %v", c.RegressionThreshold))
	}
	if c.MaxWarnings < 0 {
		errs = append(errs, fmt.Errorf("max warnings must be >= 0, got %d", c.MaxWarnings))
	}
	return errors.Join(errs...)
}
