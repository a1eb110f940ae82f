// Package context carries the run being executed through a handler's context.
package context

import (
	"context"

	"github.com/jdziat/durable-research/pkg/core"
)

// RunContextKey is the key for storing run context in context.Context.
type RunContextKey struct{}

// RunContext holds the run a worker is executing.
type RunContext struct {
	Run      *core.Run
	WorkerID string
}

// GetRunContext retrieves the run context from a context.Context.
func GetRunContext(ctx context.Context) *RunContext {
	if rc, ok := ctx.Value(RunContextKey{}).(*RunContext); ok {
		return rc
	}
	return nil
}

// WithRunContext adds run context to a context.Context.
func WithRunContext(ctx context.Context, rc *RunContext) context.Context {
	return context.WithValue(ctx, RunContextKey{}, rc)
}
