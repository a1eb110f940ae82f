// Package worker provides the Worker that executes queued runs.
//
// This package includes:
//   - Worker: claims runs per queue up to that queue's concurrency
//   - WorkerOption: concurrency, polling, backoff and rate limiting
//   - Retry policy for storage calls made while processing
//   - Scheduler for recurring maintenance runs
//
// A failed run is retried with exponential backoff until its attempts are
// exhausted. Handlers can inspect jobctx.FinalAttempt to act only when a
// failure is permanent.
package worker
