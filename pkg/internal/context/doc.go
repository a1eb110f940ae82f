// Package context provides internal context helpers used by the worker to
// hand the current run to handlers. Handlers read it through pkg/jobctx.
package context
