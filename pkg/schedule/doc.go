// Package schedule provides the recurring schedules the worker uses for
// maintenance runs: lock release, run pruning and the clarification sweep.
//
// Every covers intervals set in code. Parse reads the forms allowed in
// configuration: a duration, a cron expression or a descriptor.
package schedule
