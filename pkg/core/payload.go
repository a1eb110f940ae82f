package core

// Payload is the unit of work queued for the stage orchestrator.
// Initial runs carry only identity and policy; resume runs add the stage to
// restart at and whatever earlier stages already produced.
type Payload struct {
	JobID           string           `json:"job_id"`
	TaskID          string           `json:"task_id"`
	TaskName        string           `json:"task_name"`
	TaskDescription string           `json:"task_description,omitempty"`
	UserID          string           `json:"user_id"`
	ChannelID       string           `json:"channel_id"`
	Automation      AutomationConfig `json:"automation"`

	ResumeStage           Stage          `json:"resume_stage,omitempty"`
	ClarificationResponse string         `json:"clarification_response,omitempty"`
	Understanding         *Understanding `json:"understanding,omitempty"`
	Research              *ResearchData  `json:"research,omitempty"`
	NoteRef               string         `json:"note_ref,omitempty"`
}

// PayloadFor builds the initial payload for a job.
func PayloadFor(job *Job) Payload {
	return Payload{
		JobID:           job.ID,
		TaskID:          job.TaskID,
		TaskName:        job.TaskName,
		TaskDescription: job.TaskDescription,
		UserID:          job.UserID,
		ChannelID:       job.ChannelID,
		Automation:      job.Automation,
	}
}
