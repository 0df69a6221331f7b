package compare

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/fyrsmithlabs/cutover/internal/execution"
)

// maxDiffBytes bounds the unified diff stored in a content_mismatch.
const maxDiffBytes = 4096

// Compare diffs a legacy and a replacement result. It has no side effects and
// returns the same report for the same inputs. A nil result is treated as a
// failed result with no output.
func Compare(legacy, replacement *execution.ExecutionResult, cfg Config) *Report {
	if legacy == nil {
		legacy = execution.FailedResult(nil, 0)
	}
	if replacement == nil {
		replacement = execution.FailedResult(nil, 0)
	}

	var ds []Discrepancy
	ds = append(ds, compareSuccess(legacy, replacement)...)
	ds = append(ds, compareCounts(legacy, replacement, cfg)...)
	if cfg.CompareContent {
		ds = append(ds, compareContent(legacy, replacement, cfg)...)
	}

	perf := performanceDelta(legacy, replacement, cfg)
	if perf.RegressionDetected {
		ds = append(ds, Discrepancy{
			Type:     TypePerformanceRegression,
			Severity: SeverityWarning,
			Message: fmt.Sprintf("replacement took %.1fms vs legacy %.1fms",
				perf.ReplacementMs, perf.LegacyMs),
			Details: map[string]any{"diff_ms": perf.DiffMs},
		})
	}

	r := &Report{Discrepancies: ds, Performance: perf}
	r.OverallMatch = r.Count(SeverityCritical) == 0 && r.Count(SeverityWarning) <= cfg.MaxWarnings
	return r
}

func compareSuccess(legacy, replacement *execution.ExecutionResult) []Discrepancy {
	if legacy.Success != replacement.Success {
		return []Discrepancy{{
			Type:     TypeSuccessMismatch,
			Severity: SeverityCritical,
			Message: fmt.Sprintf("legacy success=%t, replacement success=%t",
				legacy.Success, replacement.Success),
			Details: map[string]any{
				"legacy_errors":      slices.Clone(legacy.Errors),
				"replacement_errors": slices.Clone(replacement.Errors),
			},
		}}
	}
	if !legacy.Success && !slices.Equal(legacy.Errors, replacement.Errors) {
		return []Discrepancy{{
			Type:     TypeErrorMismatch,
			Severity: SeverityInfo,
			Message:  "both systems failed with different errors",
			Details: map[string]any{
				"legacy_errors":      slices.Clone(legacy.Errors),
				"replacement_errors": slices.Clone(replacement.Errors),
			},
		}}
	}
	return nil
}

func compareCounts(legacy, replacement *execution.ExecutionResult, cfg Config) []Discrepancy {
	var ds []Discrepancy
	if abs(legacy.ArtifactCount-replacement.ArtifactCount) > cfg.CountTolerance {
		ds = append(ds, Discrepancy{
			Type:     TypeArtifactCountMismatch,
			Severity: SeverityCritical,
			Message: fmt.Sprintf("artifact count %d vs %d",
				legacy.ArtifactCount, replacement.ArtifactCount),
			Details: map[string]any{
				"legacy":      legacy.ArtifactCount,
				"replacement": replacement.ArtifactCount,
				"tolerance":   cfg.CountTolerance,
			},
		})
	}
	if abs(legacy.FileCount-replacement.FileCount) > cfg.CountTolerance {
		ds = append(ds, Discrepancy{
			Type:     TypeFileCountMismatch,
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("file count %d vs %d", legacy.FileCount, replacement.FileCount),
			Details: map[string]any{
				"legacy":      legacy.FileCount,
				"replacement": replacement.FileCount,
				"tolerance":   cfg.CountTolerance,
			},
		})
	}
	return ds
}

// compareContent matches artifacts by name. Later duplicates of a name
// replace earlier ones.
func compareContent(legacy, replacement *execution.ExecutionResult, cfg Config) []Discrepancy {
	left := indexArtifacts(legacy.Artifacts)
	right := indexArtifacts(replacement.Artifacts)

	names := make([]string, 0, len(left)+len(right))
	for name := range left {
		names = append(names, name)
	}
	for name := range right {
		if _, ok := left[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var ds []Discrepancy
	for _, name := range names {
		l, inLeft := left[name]
		r, inRight := right[name]
		switch {
		case !inRight:
			ds = append(ds, missingArtifact(name, execution.SystemReplacement))
		case !inLeft:
			ds = append(ds, missingArtifact(name, execution.SystemLegacy))
		default:
			lsum, rsum := artifactChecksums(l, r, cfg)
			if lsum == rsum {
				continue
			}
			details := map[string]any{
				"artifact":             name,
				"legacy_checksum":      lsum,
				"replacement_checksum": rsum,
			}
			if diff := unifiedDiff(name, l.Content, r.Content); diff != "" {
				details["diff"] = diff
			}
			ds = append(ds, Discrepancy{
				Type:     TypeContentMismatch,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("content of %s differs", name),
				Details:  details,
			})
		}
	}
	return ds
}

func indexArtifacts(as []execution.Artifact) map[string]execution.Artifact {
	m := make(map[string]execution.Artifact, len(as))
	for _, a := range as {
		m[a.Name] = a
	}
	return m
}

func missingArtifact(name string, missingFrom execution.System) Discrepancy {
	return Discrepancy{
		Type:     TypeMissingArtifact,
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("%s missing from %s output", name, missingFrom),
		Details: map[string]any{
			"artifact":     name,
			"missing_from": string(missingFrom),
		},
	}
}

// artifactChecksums hashes normalized content only when both sides carry
// content. Otherwise each side is a reported checksum or the SHA-256 of its
// raw content, since reported checksums are taken over raw bytes.
func artifactChecksums(l, r execution.Artifact, cfg Config) (string, string) {
	if l.Content != "" && r.Content != "" {
		return checksum(normalize(l.Content, cfg)), checksum(normalize(r.Content, cfg))
	}
	return rawChecksum(l), rawChecksum(r)
}

func rawChecksum(a execution.Artifact) string {
	if a.Content == "" && a.Checksum != "" {
		return strings.ToLower(a.Checksum)
	}
	return checksum(a.Content)
}

func unifiedDiff(name, a, b string) string {
	if a == "" && b == "" {
		return ""
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "legacy/" + name,
		ToFile:   "replacement/" + name,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	if len(diff) > maxDiffBytes {
		cut := maxDiffBytes
		for cut > 0 && !utf8.RuneStart(diff[cut]) {
			cut--
		}
		diff = diff[:cut] + "\n... (truncated)"
	}
	return diff
}

// performanceDelta flags a regression when the replacement is slower by more
// than the tolerance and by a factor above the threshold. A zero legacy
// duration has no meaningful factor, so the tolerance alone decides.
func performanceDelta(legacy, replacement *execution.ExecutionResult, cfg Config) PerformanceDelta {
	d := PerformanceDelta{
		LegacyMs:      legacy.DurationMs,
		ReplacementMs: replacement.DurationMs,
		DiffMs:        replacement.DurationMs - legacy.DurationMs,
	}
	if d.DiffMs <= cfg.PerformanceToleranceMs {
		return d
	}
	if d.LegacyMs <= 0 {
		d.RegressionDetected = true
		return d
	}
	d.RegressionDetected = d.ReplacementMs/d.LegacyMs > cfg.RegressionThreshold
	return d
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
