// Package execution defines the contract shared by the legacy and replacement
// code-generation systems and by every component that routes requests to them.
package execution

import (
	"context"
	"maps"
	"slices"
)

// System identifies one side of the migration.
type System string

const (
	// SystemLegacy is the system being retired.
	SystemLegacy System = "legacy"
	// SystemReplacement is the system taking over.
	SystemReplacement System = "replacement"
)

// Path names the route a request took through the migration router.
type Path string

const (
	PathLegacy      Path = "legacy"
	PathReplacement Path = "replacement"
	PathFallback    Path = "fallback"
	PathCanary      Path = "canary"
)

// RequestDescriptor is a single generation request.
type RequestDescriptor struct {
	// Key is the stable routing key (project, tenant, template id...).
	Key string `json:"key"`

	// Attributes are hashed together with Key for routing decisions.
	Attributes map[string]string `json:"attributes,omitempty"`

	// Payload is passed through to the executing system untouched.
	Payload map[string]any `json:"payload,omitempty"`
}

// Artifact is one generated output.
type Artifact struct {
	Name     string `json:"name"`
	Content  string `json:"content,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// ExecutionResult is what a system returns for a request. Results produced by
// an Executor are treated as immutable; the router annotates a Clone.
type ExecutionResult struct {
	Success       bool           `json:"success"`
	ArtifactCount int            `json:"artifact_count"`
	FileCount     int            `json:"file_count"`
	Errors        []string       `json:"errors,omitempty"`
	DurationMs    float64        `json:"duration_ms"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Artifacts     []Artifact     `json:"artifacts,omitempty"`

	// Migration is set by the migration router only.
	Migration *MigrationInfo `json:"migration,omitempty"`
}

// Clone returns a copy that shares no slices or maps with r.
func (r *ExecutionResult) Clone() *ExecutionResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Errors = slices.Clone(r.Errors)
	out.Artifacts = slices.Clone(r.Artifacts)
	out.Metadata = maps.Clone(r.Metadata)
	if r.Migration != nil {
		m := *r.Migration
		m.CanaryErrors = slices.Clone(r.Migration.CanaryErrors)
		if r.Migration.Comparison != nil {
			c := *r.Migration.Comparison
			c.Discrepancies = slices.Clone(c.Discrepancies)
			m.Comparison = &c
		}
		out.Migration = &m
	}
	return &out
}

// FailedResult synthesizes a result for a side that returned an error instead
// of a result, so it can still be compared.
func FailedResult(err error, durationMs float64) *ExecutionResult {
	res := &ExecutionResult{Success: false, DurationMs: durationMs}
	if err != nil {
		res.Errors = []string{err.Error()}
	}
	return res
}

// MigrationInfo describes how the router served a request.
type MigrationInfo struct {
	ServedBy     System `json:"served_by"`
	Path         Path   `json:"path"`
	CanaryRun    bool   `json:"canary_run"`
	FallbackUsed bool   `json:"fallback_used"`

	// BreakerState is the circuit breaker state at decision time.
	BreakerState string `json:"breaker_state"`

	// Comparison is set only when CanaryRun is true.
	Comparison   *ComparisonSummary `json:"comparison,omitempty"`
	CanaryErrors []string           `json:"canary_errors,omitempty"`
}

// ComparisonSummary is the part of a canary comparison report that travels
// with the served result.
type ComparisonSummary struct {
	OverallMatch       bool     `json:"overall_match"`
	Critical           int      `json:"critical"`
	Warnings           int      `json:"warnings"`
	RegressionDetected bool     `json:"regression_detected"`
	Discrepancies      []string `json:"discrepancies,omitempty"`
}

// Executor runs a request against one system. Implementations must be safe for
// concurrent use and should honor ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, req *RequestDescriptor) (*ExecutionResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *RequestDescriptor) (*ExecutionResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req *RequestDescriptor) (*ExecutionResult, error) {
	return f(ctx, req)
}
