package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/jdziat/durable-research/pkg/core"
)

func newTestResearchJob() *core.Job {
	return &core.Job{
		TaskID:   "task-1",
		TaskName: "IIT Ropar",
		UserID:   "user-1",
		Automation: core.AutomationConfig{
			CategoryID:  "cat-1",
			Depth:       core.DepthMedium,
			ClarifyMode: core.ClarifyAuto,
			MaxSources:  10,
		},
	}
}

func TestCreateJob_Defaults(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := newTestResearchJob()
	require.NoError(t, s.CreateJob(ctx, job))

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, 1, job.Version)
	assert.Equal(t, core.StatusPending, job.Status)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StageNone, got.Stage)
	assert.Equal(t, "IIT Ropar", got.TaskName)
	assert.Equal(t, core.DepthMedium, got.Automation.Depth, "automation snapshot round-trips")
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestSaveJob_PersistsResultsAndBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := newTestResearchJob()
	require.NoError(t, s.CreateJob(ctx, job))

	job.SetStage(core.StageResearch)
	job.InterpretedTopic = "Indian Institute of Technology Ropar"
	job.FocusAreas = []string{"admissions", "rankings"}
	job.Understanding = &core.Understanding{InterpretedTopic: job.InterpretedTopic, Confidence: 0.9}
	job.ResearchPayload = datatypes.JSON(`{"total_sources":2}`)
	job.Sources = []string{"https://a.example", "https://b.example"}
	require.NoError(t, s.SaveJob(ctx, job))
	assert.Equal(t, 2, job.Version)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StageResearch, got.Stage)
	assert.Equal(t, core.StatusResearching, got.Status)
	assert.Equal(t, []string{"admissions", "rankings"}, got.FocusAreas)
	require.NotNil(t, got.Understanding)
	assert.InDelta(t, 0.9, got.Understanding.Confidence, 0.0001)
	assert.JSONEq(t, `{"total_sources":2}`, string(got.ResearchPayload))
	assert.Equal(t, 2, got.Version)
}

func TestSaveJob_StaleCopyLoses(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := newTestResearchJob()
	require.NoError(t, s.CreateJob(ctx, job))

	first, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	second, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)

	first.ClarificationResponse = "admissions"
	require.NoError(t, s.SaveJob(ctx, first))

	second.ClarificationResponse = "rankings"
	err = s.SaveJob(ctx, second)
	assert.ErrorIs(t, err, core.ErrStaleJob)
	assert.Equal(t, 1, second.Version, "version restored on conflict")

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "admissions", got.ClarificationResponse)
}

func TestSaveJob_ClearsFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := newTestResearchJob()
	job.LastError = "search failed"
	job.SetTerminal(core.TerminalFailed)
	require.NoError(t, s.CreateJob(ctx, job))

	job.LastError = ""
	job.SetTerminal(core.TerminalNone)
	require.NoError(t, s.SaveJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LastError, "zero values are written too")
	assert.Equal(t, core.TerminalNone, got.Terminal)
	assert.Equal(t, core.StatusPending, got.Status)
}

func TestListJobsByUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateJob(ctx, newTestResearchJob()))
	}
	other := newTestResearchJob()
	other.UserID = "user-2"
	require.NoError(t, s.CreateJob(ctx, other))

	jobs, err := s.ListJobsByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	jobs, err = s.ListJobsByUser(ctx, "user-1", 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestListExpiredClarifications(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	now := time.Now().UTC()

	waiting := func(deadline time.Time, answer string) *core.Job {
		job := newTestResearchJob()
		require.NoError(t, s.CreateJob(ctx, job))
		job.SetStage(core.StageClarify)
		job.ClarificationTimeoutAt = &deadline
		job.ClarificationResponse = answer
		require.NoError(t, s.SaveJob(ctx, job))
		return job
	}
	older := waiting(now.Add(-2*time.Hour), "")
	old := waiting(now.Add(-time.Hour), "")
	waiting(now.Add(time.Hour), "")
	waiting(now.Add(-time.Hour), "Rankings")
	cancelled := waiting(now.Add(-time.Hour), "")
	cancelled.SetTerminal(core.TerminalCancelled)
	require.NoError(t, s.SaveJob(ctx, cancelled))

	jobs, err := s.ListExpiredClarifications(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, older.ID, jobs[0].ID, "oldest deadline first")
	assert.Equal(t, old.ID, jobs[1].ID)

	jobs, err = s.ListExpiredClarifications(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestNotes_CreateAndLink(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.SaveTask(ctx, &core.Task{ID: "task-1", UserID: "user-1", Name: "IIT Ropar"}))

	note := &core.Note{UserID: "user-1", TaskID: "task-1", Title: "IIT Ropar", Sources: []string{"https://a.example"}}
	require.NoError(t, s.CreateNote(ctx, note))
	require.NotEmpty(t, note.ID)

	require.NoError(t, s.LinkNoteToTask(ctx, "task-1", note.ID))

	task, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, note.ID, task.NoteID)

	got, err := s.GetNote(ctx, note.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"https://a.example"}, got.Sources)
}

func TestLinkNoteToTask_UnknownTask(t *testing.T) {
	s := newTestStorage(t)

	err := s.LinkNoteToTask(context.Background(), "missing", "note-1")
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestGetNote_Missing(t *testing.T) {
	s := newTestStorage(t)

	note, err := s.GetNote(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, note)
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestGetAutomation(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.SaveAutomation(ctx, &core.AutomationConfig{
		CategoryID:  "cat-1",
		Depth:       core.DepthDeep,
		ClarifyMode: core.ClarifyAlways,
		Notify:      true,
		MaxSources:  5,
	}))

	cfg, err := s.GetAutomation(ctx, "cat-1")
	require.NoError(t, err)
	assert.Equal(t, core.DepthDeep, cfg.Depth)
	assert.True(t, cfg.Notify)
	assert.Equal(t, 5, cfg.MaxSources)

	_, err = s.GetAutomation(ctx, "cat-2")
	assert.ErrorIs(t, err, core.ErrNoAutomation)
}

func TestGetAutomation_Disabled(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.SaveAutomation(ctx, &core.AutomationConfig{CategoryID: "cat-1", Disabled: true}))

	_, err := s.GetAutomation(ctx, "cat-1")
	assert.ErrorIs(t, err, core.ErrNoAutomation)
}
