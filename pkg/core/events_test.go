package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvents_ImplementEvent(t *testing.T) {
	run := &Run{ID: "run-1", JobID: "job-1"}
	events := []Event{
		&RunStarted{Run: run, Timestamp: time.Now()},
		&RunCompleted{Run: run, Duration: time.Second, Timestamp: time.Now()},
		&RunFailed{Run: run, Error: errors.New("boom"), Timestamp: time.Now()},
		&RunRetrying{Run: run, Attempt: 1, Error: errors.New("temp"), NextRunAt: time.Now(), Timestamp: time.Now()},
		&RunCancelled{JobID: "job-1", Count: 1, Timestamp: time.Now()},
		&StageEntered{JobID: "job-1", Stage: StageResearch, Timestamp: time.Now()},
	}
	for _, e := range events {
		assert.NotNil(t, e)
	}
}
