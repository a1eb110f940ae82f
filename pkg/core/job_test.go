package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusFor_StageMapping(t *testing.T) {
	cases := map[Stage]JobStatus{
		StageNone:       StatusPending,
		StageUnderstand: StatusUnderstanding,
		StageClarify:    StatusAwaitingClarification,
		StageResearch:   StatusResearching,
		StageSynthesize: StatusSynthesizing,
		StageNotify:     StatusSynthesizing,
		StageComplete:   StatusCompleted,
	}
	for stage, want := range cases {
		assert.Equal(t, want, StatusFor(stage, TerminalNone), stage.String())
	}
}

func TestStatusFor_TerminalWins(t *testing.T) {
	assert.Equal(t, StatusFailed, StatusFor(StageResearch, TerminalFailed))
	assert.Equal(t, StatusCancelled, StatusFor(StageClarify, TerminalCancelled))
}

func TestJob_SetStageAndTerminal(t *testing.T) {
	job := &Job{}
	job.SetStage(StageUnderstand)
	assert.Equal(t, StatusUnderstanding, job.Status)

	job.SetTerminal(TerminalFailed)
	assert.Equal(t, StatusFailed, job.Status)
	assert.False(t, job.Done())

	job.SetTerminal(TerminalNone)
	job.SetStage(StageComplete)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.True(t, job.Done())
}

func TestStage_String(t *testing.T) {
	assert.Equal(t, "clarify", StageClarify.String())
	assert.Equal(t, "unknown", Stage(42).String())
	assert.False(t, Stage(42).Valid())
	assert.True(t, StageNotify.Valid())
}

func TestRun_FinalAttempt(t *testing.T) {
	run := &Run{Attempt: 2, MaxAttempts: 3}
	assert.False(t, run.FinalAttempt())
	run.Attempt = 3
	assert.True(t, run.FinalAttempt())
}

func TestResearchData_URLs(t *testing.T) {
	var nilData *ResearchData
	assert.Nil(t, nilData.URLs())

	data := &ResearchData{Results: []SearchResult{{URL: "https://a"}, {URL: "https://b"}}}
	assert.Equal(t, []string{"https://a", "https://b"}, data.URLs())
}
