// Package shared holds cross-cutting helpers that belong to no single
// domain layer. Today that is testutil, the log-capture support used by
// tests that assert on what the servers write to their logs.
package shared
