package api

import (
	"time"

	"github.com/jdziat/durable-research/pkg/core"
)

// JobView is the JSON shape of a job.
type JobView struct {
	ID                    string         `json:"id"`
	TaskID                string         `json:"task_id"`
	TaskName              string         `json:"task_name"`
	UserID                string         `json:"user_id"`
	Stage                 string         `json:"stage"`
	Status                core.JobStatus `json:"status"`
	InterpretedTopic      string         `json:"interpreted_topic,omitempty"`
	FocusAreas            []string       `json:"focus_areas,omitempty"`
	ClarificationQuestion string         `json:"clarification_question,omitempty"`
	ClarificationResponse string         `json:"clarification_response,omitempty"`
	ClarificationDueAt    *time.Time     `json:"clarification_due_at,omitempty"`
	Sources               []string       `json:"sources,omitempty"`
	NoteID                string         `json:"note_id,omitempty"`
	Error                 string         `json:"error,omitempty"`
	RetryCount            int            `json:"retry_count"`
	CreatedAt             time.Time      `json:"created_at"`
	CompletedAt           *time.Time     `json:"completed_at,omitempty"`
}

func viewOf(j *core.Job) JobView {
	return JobView{
		ID:                    j.ID,
		TaskID:                j.TaskID,
		TaskName:              j.TaskName,
		UserID:                j.UserID,
		Stage:                 j.Stage.String(),
		Status:                j.Status,
		InterpretedTopic:      j.InterpretedTopic,
		FocusAreas:            j.FocusAreas,
		ClarificationQuestion: j.ClarificationQuestion,
		ClarificationResponse: j.ClarificationResponse,
		ClarificationDueAt:    j.ClarificationTimeoutAt,
		Sources:               j.Sources,
		NoteID:                j.NoteRef,
		Error:                 j.LastError,
		RetryCount:            j.RetryCount,
		CreatedAt:             j.CreatedAt,
		CompletedAt:           j.CompletedAt,
	}
}
