// Package jobctx provides public access to the run a handler is executing.
package jobctx

import (
	"context"

	"github.com/jdziat/durable-research/pkg/core"
	intctx "github.com/jdziat/durable-research/pkg/internal/context"
)

// RunFromContext returns the current Run from context, or nil if not in a handler.
func RunFromContext(ctx context.Context) *core.Run {
	rc := intctx.GetRunContext(ctx)
	if rc == nil {
		return nil
	}
	return rc.Run
}

// RunIDFromContext returns the current run handle, or empty string if not in a handler.
func RunIDFromContext(ctx context.Context) string {
	run := RunFromContext(ctx)
	if run == nil {
		return ""
	}
	return run.ID
}

// JobIDFromContext returns the research job the current run belongs to.
func JobIDFromContext(ctx context.Context) string {
	run := RunFromContext(ctx)
	if run == nil {
		return ""
	}
	return run.JobID
}

// WorkerIDFromContext returns the id of the worker executing the run.
func WorkerIDFromContext(ctx context.Context) string {
	rc := intctx.GetRunContext(ctx)
	if rc == nil {
		return ""
	}
	return rc.WorkerID
}

// Attempt returns the 1-based attempt number of the current run, or 0 if not in a handler.
func Attempt(ctx context.Context) int {
	run := RunFromContext(ctx)
	if run == nil {
		return 0
	}
	return run.Attempt
}

// FinalAttempt reports whether a failure now would be the last one the
// queue records for this run. Outside a handler every attempt is final.
func FinalAttempt(ctx context.Context) bool {
	run := RunFromContext(ctx)
	if run == nil {
		return true
	}
	return run.FinalAttempt()
}

// WithRun returns a context carrying run, as the worker does before calling
// a handler. Useful when invoking handlers directly.
func WithRun(ctx context.Context, run *core.Run, workerID string) context.Context {
	return intctx.WithRunContext(ctx, &intctx.RunContext{Run: run, WorkerID: workerID})
}
