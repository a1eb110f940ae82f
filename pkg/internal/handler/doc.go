// Package handler turns registered Go functions into queue handlers.
//
// A handler is func(ctx) error or func(ctx, args T) error. The queue
// stores args as JSON; Execute decodes them into a fresh T before calling
// the function.
package handler
