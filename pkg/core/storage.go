package core

import (
	"context"
	"time"
)

// Starter is the interface for starting workers.
type Starter interface {
	Start(ctx context.Context) error
}

// RunStore defines the persistence layer for the durable queue.
type RunStore interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Run lifecycle
	Enqueue(ctx context.Context, run *Run) error
	Dequeue(ctx context.Context, queues []string, workerID string) (*Run, error)
	Complete(ctx context.Context, runID string, workerID string) error
	Fail(ctx context.Context, runID string, workerID string, errMsg string, retryAt *time.Time) error
	// Release returns an interrupted run to pending without counting the
	// attempt it was claimed with.
	Release(ctx context.Context, runID string, workerID string, reason string) error

	// Locking
	Heartbeat(ctx context.Context, runID string, workerID string) error
	ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error)

	// Queries
	GetRun(ctx context.Context, runID string) (*Run, error)
	GetRunsByJob(ctx context.Context, jobID string) ([]*Run, error)
	GetRunsByStatus(ctx context.Context, status RunStatus, limit int) ([]*Run, error)

	// Cancellation and retention
	CancelPendingRuns(ctx context.Context, jobID string) (int64, error)
	PruneRuns(ctx context.Context, status RunStatus, olderThan time.Time, keep int) (int64, error)
}

// JobStore persists research jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// SaveJob writes every field of job if its Version still matches the
	// stored row, then increments Version. Returns ErrStaleJob otherwise.
	SaveJob(ctx context.Context, job *Job) error
	ListJobsByUser(ctx context.Context, userID string, limit int) ([]*Job, error)
}

// ConversationStore persists per-channel clarification state.
type ConversationStore interface {
	GetConversation(ctx context.Context, channelID string) (*Conversation, error)
	OpenConversation(ctx context.Context, conv *Conversation) error
	// MarkAwaitingText flips an open conversation for jobID into free-text mode.
	MarkAwaitingText(ctx context.Context, channelID, jobID string) (bool, error)
	// CloseConversation returns a channel to idle if it is still bound to jobID.
	CloseConversation(ctx context.Context, channelID, jobID string) (bool, error)
	ListExpiredConversations(ctx context.Context, now time.Time, limit int) ([]*Conversation, error)
}

// QuotaStore persists per-user daily counters.
type QuotaStore interface {
	GetQuota(ctx context.Context, userID string) (*QuotaRecord, error)
	// IncrementQuota atomically bumps the counter for day, resetting it when
	// the stored day differs.
	IncrementQuota(ctx context.Context, userID, day string, defaultCap int) error
	SetQuotaCap(ctx context.Context, userID string, maxPerDay int) error
}

// NoteStore persists generated notes and links them to tasks.
type NoteStore interface {
	CreateNote(ctx context.Context, note *Note) error
	GetNote(ctx context.Context, noteID string) (*Note, error)
	LinkNoteToTask(ctx context.Context, taskID, noteID string) error
}

// TaskStore looks up the tasks and category policies jobs are created from.
type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (*Task, error)
	GetAutomation(ctx context.Context, categoryID string) (*AutomationConfig, error)
}
