// Package compare diffs the outputs of the legacy and replacement systems for
// the same request.
//
// Compare is pure: it reads both results and the Config and returns a fresh
// Report. Checks run in a fixed order (success, counts, content, performance)
// and content discrepancies are sorted by artifact name, so identical inputs
// produce identical reports.
//
// Severity decides the outcome. Any critical discrepancy fails the match;
// warnings fail it only past Config.MaxWarnings; info never does.
package compare
