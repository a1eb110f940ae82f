package core

import "time"

// Event is the interface for all queue events.
type Event interface {
	eventMarker()
}

// RunStarted is emitted when a worker starts a run.
type RunStarted struct {
	Run       *Run
	Timestamp time.Time
}

func (*RunStarted) eventMarker() {}

// RunCompleted is emitted when a run's handler returns without error.
type RunCompleted struct {
	Run       *Run
	Duration  time.Duration
	Timestamp time.Time
}

func (*RunCompleted) eventMarker() {}

// RunFailed is emitted when a run fails permanently.
type RunFailed struct {
	Run       *Run
	Error     error
	Timestamp time.Time
}

func (*RunFailed) eventMarker() {}

// RunRetrying is emitted when a failed run is scheduled again.
type RunRetrying struct {
	Run       *Run
	Attempt   int
	Error     error
	NextRunAt time.Time
	Timestamp time.Time
}

func (*RunRetrying) eventMarker() {}

// RunCancelled is emitted when waiting runs are removed from the queue.
type RunCancelled struct {
	JobID     string
	Count     int64
	Timestamp time.Time
}

func (*RunCancelled) eventMarker() {}

// StageEntered is emitted by the orchestrator before it executes a stage.
type StageEntered struct {
	JobID     string
	Stage     Stage
	Timestamp time.Time
}

func (*StageEntered) eventMarker() {}
