package compare

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/cutover/internal/execution"
)

func baseResult() *execution.ExecutionResult {
	return &execution.ExecutionResult{
		Success:       true,
		ArtifactCount: 5,
		FileCount:     10,
		DurationMs:    100,
		Artifacts: []execution.Artifact{
			{Name: "a.go", Checksum: "aaa"},
			{Name: "b.go", Checksum: "bbb"},
		},
	}
}

func TestCompare_IdenticalResultsMatch(t *testing.T) {
	report := Compare(baseResult(), baseResult(), DefaultConfig())

	assert.True(t, report.OverallMatch)
	assert.Empty(t, report.Discrepancies)
	assert.False(t, report.Performance.RegressionDetected)
}

func TestCompare_FileCountMismatch(t *testing.T) {
	repl := baseResult()
	repl.FileCount = 9

	report := Compare(baseResult(), repl, DefaultConfig())

	assert.False(t, report.OverallMatch)
	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assert.Equal(t, TypeFileCountMismatch, d.Type)
	assert.Equal(t, SeverityCritical, d.Severity)
	assert.Equal(t, 10, d.Details["legacy"])
	assert.Equal(t, 9, d.Details["replacement"])
}

func TestCompare_CountTolerance(t *testing.T) {
	repl := baseResult()
	repl.FileCount = 9
	repl.ArtifactCount = 6

	cfg := DefaultConfig()
	cfg.CountTolerance = 1
	assert.True(t, Compare(baseResult(), repl, cfg).OverallMatch)

	repl.ArtifactCount = 7
	report := Compare(baseResult(), repl, cfg)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, TypeArtifactCountMismatch, report.Discrepancies[0].Type)
}

func TestCompare_Deterministic(t *testing.T) {
	legacy := baseResult()
	legacy.Artifacts = []execution.Artifact{
		{Name: "z.go", Content: "package z\n"},
		{Name: "a.go", Content: "package a\n"},
		{Name: "only-legacy.txt", Content: "x"},
	}
	repl := baseResult()
	repl.FileCount = 3
	repl.DurationMs = 900
	repl.Artifacts = []execution.Artifact{
		{Name: "a.go", Content: "package a\n\nfunc A() {}\n"},
		{Name: "only-repl.txt", Content: "y"},
		{Name: "z.go", Content: "package zz\n"},
	}

	first := Compare(legacy, repl, DefaultConfig())
	second := Compare(legacy, repl, DefaultConfig())
	assert.Equal(t, first, second)

	var types []DiscrepancyType
	for _, d := range first.Discrepancies {
		types = append(types, d.Type)
	}
	assert.Equal(t, []DiscrepancyType{
		TypeFileCountMismatch,
		TypeContentMismatch,
		TypeMissingArtifact,
		TypeMissingArtifact,
		TypeContentMismatch,
		TypePerformanceRegression,
	}, types)
}

func TestCompare_SuccessMismatch(t *testing.T) {
	repl := baseResult()
	repl.Success = false
	repl.Errors = []string{"template not found"}

	report := Compare(baseResult(), repl, DefaultConfig())

	assert.False(t, report.OverallMatch)
	require.NotEmpty(t, report.Discrepancies)
	assert.Equal(t, TypeSuccessMismatch, report.Discrepancies[0].Type)
	assert.Equal(t, []string{"template not found"}, report.Discrepancies[0].Details["replacement_errors"])
}

func TestCompare_BothFailedDifferentErrorsIsInfo(t *testing.T) {
	legacy := &execution.ExecutionResult{Errors: []string{"a"}}
	repl := &execution.ExecutionResult{Errors: []string{"b"}}

	report := Compare(legacy, repl, DefaultConfig())

	assert.True(t, report.OverallMatch)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, TypeErrorMismatch, report.Discrepancies[0].Type)
	assert.Equal(t, SeverityInfo, report.Discrepancies[0].Severity)
}

func TestCompare_NilResults(t *testing.T) {
	report := Compare(nil, baseResult(), DefaultConfig())
	assert.False(t, report.OverallMatch)
	assert.Equal(t, TypeSuccessMismatch, report.Discrepancies[0].Type)
}

func TestCompare_ContentDisabled(t *testing.T) {
	repl := baseResult()
	repl.Artifacts[0].Checksum = "different"

	cfg := DefaultConfig()
	cfg.CompareContent = false
	assert.True(t, Compare(baseResult(), repl, cfg).OverallMatch)

	cfg.CompareContent = true
	report := Compare(baseResult(), repl, cfg)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, TypeContentMismatch, report.Discrepancies[0].Type)
	_, hasDiff := report.Discrepancies[0].Details["diff"]
	assert.False(t, hasDiff, "checksum-only artifacts carry no diff")
}

func TestCompare_ContentDiffDetails(t *testing.T) {
	legacy := baseResult()
	legacy.Artifacts = []execution.Artifact{{Name: "main.go", Content: "package main\n\nfunc main() {}\n"}}
	repl := baseResult()
	repl.Artifacts = []execution.Artifact{{Name: "main.go", Content: "package main\n\nfunc main() { run() }\n"}}

	report := Compare(legacy, repl, DefaultConfig())

	require.Len(t, report.Discrepancies, 1)
	diff, ok := report.Discrepancies[0].Details["diff"].(string)
	require.True(t, ok)
	assert.Contains(t, diff, "--- legacy/main.go")
	assert.Contains(t, diff, "+++ replacement/main.go")
	assert.Contains(t, diff, "-func main() {}")
	assert.Contains(t, diff, "+func main() { run() }")
}

func TestCompare_NormalizationToggles(t *testing.T) {
	legacy := baseResult()
	legacy.Artifacts = []execution.Artifact{{
		Name:    "gen.go",
		Content: "// generated at 2024-01-02T03:04:05Z\npackage gen\n\nvar x = 1\n",
	}}
	repl := baseResult()
	repl.Artifacts = []execution.Artifact{{
		Name:    "gen.go",
		Content: "// built 2025-06-07 08:09:10\npackage   gen\nvar x = 1 /* v2 */\n",
	}}

	cfg := DefaultConfig()
	cfg.IgnoreComments = true
	assert.True(t, Compare(legacy, repl, cfg).OverallMatch)

	cfg.IgnoreComments = false
	assert.False(t, Compare(legacy, repl, cfg).OverallMatch)

	cfg.IgnoreComments = true
	cfg.IgnoreWhitespace = false
	assert.False(t, Compare(legacy, repl, cfg).OverallMatch)
}

func TestCompare_PerformanceRegression(t *testing.T) {
	tests := []struct {
		name       string
		legacyMs   float64
		replMs     float64
		regression bool
	}{
		{"faster", 100, 50, false},
		{"within tolerance", 100, 190, false},
		{"slow but under factor", 1000, 1400, false},
		{"slow and over factor", 1000, 1600, true},
		{"zero legacy over tolerance", 0, 150, true},
		{"zero legacy under tolerance", 0, 50, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			legacy := baseResult()
			legacy.DurationMs = tt.legacyMs
			repl := baseResult()
			repl.DurationMs = tt.replMs

			report := Compare(legacy, repl, DefaultConfig())
			assert.Equal(t, tt.regression, report.Performance.RegressionDetected)
			assert.Equal(t, tt.replMs-tt.legacyMs, report.Performance.DiffMs)
			assert.True(t, report.OverallMatch, "a single warning stays under the ceiling")
		})
	}
}

func TestCompare_WarningCeiling(t *testing.T) {
	legacy := baseResult()
	legacy.DurationMs = 100
	repl := baseResult()
	repl.DurationMs = 1000

	cfg := DefaultConfig()
	cfg.MaxWarnings = 0
	report := Compare(legacy, repl, cfg)
	assert.False(t, report.OverallMatch)
	assert.Equal(t, 1, report.Count(SeverityWarning))
	assert.Equal(t, 0, report.Count(SeverityCritical))
}

func TestReport_Summary(t *testing.T) {
	repl := baseResult()
	repl.FileCount = 9
	repl.DurationMs = 1000

	s := Compare(baseResult(), repl, DefaultConfig()).Summary()
	assert.False(t, s.OverallMatch)
	assert.Equal(t, 1, s.Critical)
	assert.Equal(t, 1, s.Warnings)
	assert.True(t, s.RegressionDetected)
	require.Len(t, s.Discrepancies, 2)
	assert.Equal(t, "file_count_mismatch: file count 10 vs 9", s.Discrepancies[0])
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.CountTolerance = -1
	cfg.RegressionThreshold = 0.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count tolerance")
	assert.Contains(t, err.Error(), "regression threshold")
}

func TestCompare_ReportedChecksumAgainstContent(t *testing.T) {
	content := "package main\n\nfunc  main() {}\n"
	sum := sha256.Sum256([]byte(content))

	legacy := baseResult()
	legacy.Artifacts = []execution.Artifact{{Name: "main.go", Checksum: hex.EncodeToString(sum[:])}}
	repl := baseResult()
	repl.Artifacts = []execution.Artifact{{Name: "main.go", Content: content}}

	cfg := DefaultConfig()
	cfg.IgnoreWhitespace = true
	cfg.IgnoreComments = true
	report := Compare(legacy, repl, cfg)
	assert.True(t, report.OverallMatch)
	assert.Empty(t, report.Discrepancies)

	legacy.Artifacts[0].Checksum = strings.ToUpper(legacy.Artifacts[0].Checksum)
	assert.True(t, Compare(legacy, repl, cfg).OverallMatch)

	repl.Artifacts[0].Content = "package main\n"
	report = Compare(legacy, repl, cfg)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, TypeContentMismatch, report.Discrepancies[0].Type)
}

func TestUnifiedDiff_TruncatesOnRuneBoundary(t *testing.T) {
	for _, pad := range []int{0, 1} {
		a := strings.Repeat("x", pad) + strings.Repeat("é", maxDiffBytes)
		b := strings.Repeat("x", pad) + strings.Repeat("ü", maxDiffBytes)

		diff := unifiedDiff("big.txt", a, b)
		assert.True(t, utf8.ValidString(diff), "pad %d", pad)
		assert.True(t, strings.HasSuffix(diff, "... (truncated)"))
		assert.LessOrEqual(t, len(diff), maxDiffBytes+len("\n... (truncated)"))
	}
}
