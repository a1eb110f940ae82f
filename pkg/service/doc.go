// Package service is the entry point for creating, inspecting and
// cancelling research jobs, and hosts the recurring maintenance runs.
//
// Creation checks run in a fixed order: task, category automation, quota.
// Any rejection happens before a job record is written.
package service
