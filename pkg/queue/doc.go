// Package queue registers handlers and writes runs to the run store.
//
// A run is enqueued under a generated uuid or an explicit Handle; the
// research pipeline uses the job id, so a job can never be started twice.
// Recurring handlers are listed for the worker scheduler. Every lifecycle
// event passes through Emit, which calls OnEvent listeners and feeds the
// Events channels used by the AMQP publisher.
//
// The research pipeline enqueues through pkg/pipeline's dispatch helpers
// rather than calling Enqueue directly.
package queue
