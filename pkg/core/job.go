package core

import (
	"time"

	"gorm.io/datatypes"
)

// Stage is an ordered step of the research state machine.
type Stage int

const (
	StageNone       Stage = 0 // Created, not yet picked up
	StageUnderstand Stage = 1
	StageClarify    Stage = 2
	StageResearch   Stage = 3
	StageSynthesize Stage = 4
	StageNotify     Stage = 5
	StageComplete   Stage = 6
)

var stageNames = map[Stage]string{
	StageNone:       "none",
	StageUnderstand: "understand",
	StageClarify:    "clarify",
	StageResearch:   "research",
	StageSynthesize: "synthesize",
	StageNotify:     "notify",
	StageComplete:   "complete",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether s is one of the defined stages.
func (s Stage) Valid() bool {
	_, ok := stageNames[s]
	return ok
}

// JobStatus is the human-facing state of a research job.
type JobStatus string

const (
	StatusPending               JobStatus = "pending"
	StatusUnderstanding         JobStatus = "understanding"
	StatusAwaitingClarification JobStatus = "awaiting_clarification"
	StatusResearching           JobStatus = "researching"
	StatusSynthesizing          JobStatus = "synthesizing"
	StatusCompleted             JobStatus = "completed"
	StatusFailed                JobStatus = "failed"
	StatusCancelled             JobStatus = "cancelled"
)

// Terminal marks a job that stopped outside the normal stage flow.
type Terminal string

const (
	TerminalNone      Terminal = ""
	TerminalFailed    Terminal = "failed"
	TerminalCancelled Terminal = "cancelled"
)

// StatusFor maps a stage and terminal flag to the status shown to users.
// NOTIFY still reports synthesizing: the job is not complete until the
// completion timestamp is written.
func StatusFor(stage Stage, terminal Terminal) JobStatus {
	switch terminal {
	case TerminalFailed:
		return StatusFailed
	case TerminalCancelled:
		return StatusCancelled
	}
	switch stage {
	case StageUnderstand:
		return StatusUnderstanding
	case StageClarify:
		return StatusAwaitingClarification
	case StageResearch:
		return StatusResearching
	case StageSynthesize, StageNotify:
		return StatusSynthesizing
	case StageComplete:
		return StatusCompleted
	default:
		return StatusPending
	}
}

// Job is one research request tracked end-to-end through the pipeline.
// Rows are never deleted.
type Job struct {
	ID              string `gorm:"primaryKey;size:36"`
	TaskID          string `gorm:"index;size:255;not null"`
	TaskName        string `gorm:"size:1024;not null"`
	TaskDescription string `gorm:"type:text"`
	UserID          string `gorm:"index;size:255;not null"`
	ChannelID       string `gorm:"index;size:255"`
	CategoryID      string `gorm:"size:255"`

	Automation AutomationConfig `gorm:"serializer:json"`

	Stage    Stage     `gorm:"index;default:0"`
	Status   JobStatus `gorm:"index;size:32;default:'pending'"`
	Terminal Terminal  `gorm:"size:16"`

	// Accumulated results, written once by their stage.
	InterpretedTopic string         `gorm:"type:text"`
	FocusAreas       []string       `gorm:"serializer:json"`
	SearchQueries    []string       `gorm:"serializer:json"`
	Understanding    *Understanding `gorm:"serializer:json"`
	ResearchPayload  datatypes.JSON
	Sources          []string `gorm:"serializer:json"`
	SourceCount      int
	NoteRef          string `gorm:"size:512"`

	ClarificationQuestion  string `gorm:"type:text"`
	ClarificationSentAt    *time.Time
	ClarificationTimeoutAt *time.Time `gorm:"index"`
	ClarificationResponse  string     `gorm:"type:text"`
	RefinedAt              *time.Time // Set once the answer has been merged into the queries

	LastError  string `gorm:"type:text"`
	RetryCount int    `gorm:"default:0"`
	MaxRetries int    `gorm:"default:3"`

	// Version is bumped on every save; writers with a stale copy lose.
	Version int `gorm:"not null;default:1"`

	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
	CompletedAt *time.Time
}

// SetStage moves the job to stage and recomputes its status.
func (j *Job) SetStage(stage Stage) {
	j.Stage = stage
	j.Status = StatusFor(stage, j.Terminal)
}

// SetTerminal flags the job as failed or cancelled (or clears the flag).
func (j *Job) SetTerminal(t Terminal) {
	j.Terminal = t
	j.Status = StatusFor(j.Stage, t)
}

// Done reports whether the job reached a state no run should touch.
func (j *Job) Done() bool {
	return j.Stage == StageComplete || j.Terminal == TerminalCancelled
}
