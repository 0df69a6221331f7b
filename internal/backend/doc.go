// Package backend implements execution.Executor over HTTP.
//
// A backend is any service that accepts a JSON RequestDescriptor on
// POST /execute and answers with a JSON ExecutionResult, and reports
// readiness on GET /health. Both the legacy and the replacement system are
// reached this way when cutoverd proxies for them.
package backend
