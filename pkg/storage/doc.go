// Package storage provides the GORM implementation of every store the
// research pipeline uses.
//
// A single GormStorage satisfies core.RunStore, core.JobStore,
// core.ConversationStore, core.QuotaStore, core.NoteStore and core.TaskStore,
// so one database holds the queue and the job records it drives.
//
// Most users should import the root package github.com/jdziat/durable-research
// which provides NewGormStorage() to create storage instances.
package storage
