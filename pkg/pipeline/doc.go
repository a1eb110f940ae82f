// Package pipeline drives a research job through its stages.
//
// An Orchestrator invocation loads the job, persists each stage before
// working on it, and either runs to COMPLETE, suspends at CLARIFY, or returns
// the stage error so the queue's retry policy decides what happens next.
// Nothing is kept in memory between invocations: a resumed job is rebuilt
// from the job store and the payload of the run that resumed it.
//
// Dispatcher enqueues the runs the orchestrator executes. The initial run
// of a job uses the job id as its handle; resume runs use a suffixed handle
// so they never collide with earlier runs of the same job.
package pipeline
