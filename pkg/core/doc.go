// Package core provides the fundamental types and interfaces for the research pipeline.
//
// This package contains:
//   - Job, Run and Conversation data models with GORM annotations
//   - Stage and status definitions for the research state machine
//   - Store interfaces defining the persistence contract
//   - Event types for queue monitoring
//   - Error types for run processing
//
// Most users should import the root package github.com/jdziat/durable-research
// instead of this package directly.
package core
