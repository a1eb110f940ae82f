package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/storage"
)

var testNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.GormStorage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, storage.SQLitePool().Apply(db))
	s := storage.NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// newJob seeds a task and a pending job for it.
func newJob(t *testing.T, s *storage.GormStorage, name string, auto core.AutomationConfig) *core.Job {
	t.Helper()
	ctx := context.Background()
	task := &core.Task{UserID: "user-1", CategoryID: auto.CategoryID, Name: name}
	require.NoError(t, s.SaveTask(ctx, task))

	job := &core.Job{
		TaskID:     task.ID,
		TaskName:   name,
		UserID:     "user-1",
		ChannelID:  "chat-1",
		CategoryID: auto.CategoryID,
		Automation: auto,
	}
	require.NoError(t, s.CreateJob(ctx, job))
	return job
}

func defaultAutomation() core.AutomationConfig {
	return core.AutomationConfig{
		CategoryID:  "learning",
		Depth:       core.DepthMedium,
		ClarifyMode: core.ClarifyAuto,
		Notify:      true,
		MaxSources:  10,
	}
}

// recordingStore captures every job write.
type recordingStore struct {
	*storage.GormStorage
	mu    sync.Mutex
	saves []core.Job
}

func (s *recordingStore) SaveJob(ctx context.Context, job *core.Job) error {
	err := s.GormStorage.SaveJob(ctx, job)
	if err == nil {
		s.mu.Lock()
		s.saves = append(s.saves, *job)
		s.mu.Unlock()
	}
	return err
}

func (s *recordingStore) Saves() []core.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Job(nil), s.saves...)
}

type fakeUnderstander struct {
	mu          sync.Mutex
	result      core.Understanding
	refined     core.Understanding
	err         error
	calls       int
	refineCalls int
	refinedWith string
	refinePrior *core.Understanding
}

func (f *fakeUnderstander) Understand(ctx context.Context, taskName, taskDescription string) (*core.Understanding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	u := f.result
	return &u, nil
}

func (f *fakeUnderstander) Refine(ctx context.Context, taskName string, prior *core.Understanding, clarification string) (*core.Understanding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refineCalls++
	f.refinedWith = clarification
	f.refinePrior = prior
	u := f.refined
	return &u, nil
}

type fakeResearcher struct {
	mu      sync.Mutex
	results []core.SearchResult
	fail    int // Fail this many calls before succeeding; -1 fails forever
	err     error
	hook    func()
	calls   int
	queries []string
	depth   core.Depth
}

func (f *fakeResearcher) Research(ctx context.Context, queries []string, depth core.Depth) (*core.ResearchData, error) {
	f.mu.Lock()
	f.calls++
	f.queries = queries
	f.depth = depth
	hook := f.hook
	failing := f.fail != 0
	if f.fail > 0 {
		f.fail--
	}
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if failing {
		return nil, f.err
	}
	return &core.ResearchData{
		Queries:      queries,
		Results:      append([]core.SearchResult(nil), f.results...),
		TotalSources: len(f.results),
		SearchedAt:   testNow,
	}, nil
}

type fakeSynthesizer struct {
	mu    sync.Mutex
	calls int
	focus []string
	data  *core.ResearchData
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, taskName string, data *core.ResearchData, focusAreas []string) (*core.SynthesizedNote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.focus = focusAreas
	f.data = data
	return &core.SynthesizedNote{
		Title:   taskName + " overview",
		Content: "Findings about " + taskName,
		Sources: data.URLs(),
	}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []core.Message
	channels []string
}

func (f *fakeNotifier) Notify(ctx context.Context, channelID string, msg core.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channelID)
	f.messages = append(f.messages, msg)
	return true, nil
}

func (f *fakeNotifier) Messages() []core.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Message(nil), f.messages...)
}

type openCall struct {
	JobID    string
	Question string
	Choices  []string
	Deadline time.Time
}

type fakeClarifier struct {
	mu     sync.Mutex
	opens  []openCall
	closes []string
}

func (f *fakeClarifier) Open(ctx context.Context, job *core.Job, question string, choices []string, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, openCall{JobID: job.ID, Question: question, Choices: choices, Deadline: deadline})
	return nil
}

func (f *fakeClarifier) Close(ctx context.Context, job *core.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, job.ID)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	stages []core.Stage
}

func (e *eventLog) Emit(ev core.Event) {
	if s, ok := ev.(*core.StageEntered); ok {
		e.mu.Lock()
		e.stages = append(e.stages, s.Stage)
		e.mu.Unlock()
	}
}

func (e *eventLog) Stages() []core.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.Stage(nil), e.stages...)
}

type harness struct {
	store        *recordingStore
	understander *fakeUnderstander
	researcher   *fakeResearcher
	synthesizer  *fakeSynthesizer
	notifier     *fakeNotifier
	clarifier    *fakeClarifier
	events       *eventLog
	orch         *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: &recordingStore{GormStorage: newStore(t)},
		understander: &fakeUnderstander{result: core.Understanding{
			InterpretedTopic: "Go generics",
			SearchQueries:    []string{"go generics tutorial", "go type parameters"},
			Confidence:       0.9,
		}},
		researcher: &fakeResearcher{results: []core.SearchResult{
			{Title: "A", URL: "https://a.example/1", Content: "a"},
			{Title: "B", URL: "https://b.example/2", Content: "b"},
		}},
		synthesizer: &fakeSynthesizer{},
		notifier:    &fakeNotifier{},
		clarifier:   &fakeClarifier{},
		events:      &eventLog{},
	}
	h.orch = NewOrchestrator(h.store, h.clarifier, Providers{
		Understander: h.understander,
		Researcher:   h.researcher,
		Synthesizer:  h.synthesizer,
		Notifier:     h.notifier,
	}, WithEvents(h.events), WithClock(func() time.Time { return testNow }))
	return h
}

func (h *harness) job(t *testing.T, id string) *core.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}
