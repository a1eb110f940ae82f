package core

import (
	"time"
)

// RunStatus represents the current state of a queued run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled" // Removed from the queue before a worker picked it up
)

// Run is one queued invocation of a registered handler.
//
// The ID is the queue handle. For research work it is either the logical job
// id (initial invocation) or a suffixed variant of it (resume invocations), so
// lookups for "the runs of job X" must go through JobID.
type Run struct {
	ID              string     `gorm:"primaryKey;size:191"`
	JobID           string     `gorm:"index;size:36"`
	Type            string     `gorm:"index;size:255;not null"`
	Args            []byte     `gorm:"type:bytes"`
	Queue           string     `gorm:"index;size:255;default:'default'"`
	Priority        int        `gorm:"index;default:0"`
	Status          RunStatus  `gorm:"index;size:20;default:'pending'"`
	Attempt         int        `gorm:"default:0"`
	MaxAttempts     int        `gorm:"default:3"`
	LastError       string     `gorm:"type:text"`
	RunAt           *time.Time `gorm:"index"`
	StartedAt       *time.Time
	CompletedAt     *time.Time `gorm:"index"`
	CreatedAt       time.Time  `gorm:"autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime"`
	LockedBy        string     `gorm:"size:255"`
	LockedUntil     *time.Time `gorm:"index"`
	LastHeartbeatAt *time.Time
}

// FinalAttempt reports whether a failure of the current attempt is permanent.
func (r *Run) FinalAttempt() bool {
	return r.Attempt >= r.MaxAttempts
}
