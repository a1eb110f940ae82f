package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/durable-research/pkg/clarify"
	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/pipeline"
	"github.com/jdziat/durable-research/pkg/queue"
	"github.com/jdziat/durable-research/pkg/quota"
	"github.com/jdziat/durable-research/pkg/storage"
	"github.com/jdziat/durable-research/pkg/worker"
)

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

type fakeUnderstander struct {
	mu          sync.Mutex
	result      core.Understanding
	refined     core.Understanding
	refinedWith string
}

func (f *fakeUnderstander) Understand(ctx context.Context, taskName, taskDescription string) (*core.Understanding, error) {
	u := f.result
	return &u, nil
}

func (f *fakeUnderstander) Refine(ctx context.Context, taskName string, prior *core.Understanding, clarification string) (*core.Understanding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refinedWith = clarification
	u := f.refined
	return &u, nil
}

func (f *fakeUnderstander) RefinedWith() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refinedWith
}

type fakeResearcher struct {
	mu      sync.Mutex
	queries []string
}

func (f *fakeResearcher) Research(ctx context.Context, queries []string, depth core.Depth) (*core.ResearchData, error) {
	f.mu.Lock()
	f.queries = queries
	f.mu.Unlock()
	return &core.ResearchData{
		Queries: queries,
		Results: []core.SearchResult{
			{Title: "IIT Ropar", URL: "https://iitrpr.ac.in", Content: "Institute home"},
			{Title: "Publications", URL: "https://iitrpr.ac.in/research", Content: "Research output"},
		},
		TotalSources: 2,
		SearchedAt:   time.Now(),
	}, nil
}

func (f *fakeResearcher) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

type fakeSynthesizer struct{}

func (fakeSynthesizer) Synthesize(ctx context.Context, taskName string, data *core.ResearchData, focusAreas []string) (*core.SynthesizedNote, error) {
	return &core.SynthesizedNote{
		Title:   taskName,
		Content: "Notes on " + taskName,
		Sources: data.URLs(),
	}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []core.Message
}

func (f *fakeNotifier) Notify(ctx context.Context, channelID string, msg core.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return true, nil
}

func (f *fakeNotifier) Messages() []core.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Message(nil), f.messages...)
}

// stack is a fully wired service over an in-memory database.
type stack struct {
	store        *storage.GormStorage
	queue        *queue.Queue
	gate         *clarify.Gate
	understander *fakeUnderstander
	researcher   *fakeResearcher
	notifier     *fakeNotifier
	svc          *Service
}

func newStack(t *testing.T, ledgerOpts ...quota.Option) *stack {
	t.Helper()
	s := &stack{
		store: newStore(t),
		understander: &fakeUnderstander{
			result: core.Understanding{
				InterpretedTopic:      "IIT Ropar",
				SearchQueries:         []string{"IIT Ropar"},
				NeedsClarification:    true,
				ClarificationQuestion: "What about IIT Ropar should the research cover?",
				SuggestedFocusAreas:   []string{"Admissions", "Research output", "Campus life", "Placements"},
				Confidence:            0.4,
			},
			refined: core.Understanding{
				InterpretedTopic: "IIT Ropar research output",
				SearchQueries:    []string{"IIT Ropar publications", "IIT Ropar research centres"},
			},
		},
		researcher: &fakeResearcher{},
		notifier:   &fakeNotifier{},
	}
	s.queue = queue.New(s.store)
	d := pipeline.NewDispatcher(s.queue, 3)
	s.gate = clarify.NewGate(s.store, s.notifier, d)
	orch := pipeline.NewOrchestrator(s.store, s.gate, pipeline.Providers{
		Understander: s.understander,
		Researcher:   s.researcher,
		Synthesizer:  fakeSynthesizer{},
		Notifier:     s.notifier,
	})
	pipeline.Register(s.queue, orch)
	s.svc = New(s.store, s.queue, d, quota.NewLedger(s.store, ledgerOpts...), s.gate, nil)

	ctx := context.Background()
	require.NoError(t, s.store.SaveAutomation(ctx, &core.AutomationConfig{
		CategoryID:  "learning",
		Depth:       core.DepthMedium,
		ClarifyMode: core.ClarifyAuto,
		Notify:      true,
		MaxSources:  10,
	}))
	require.NoError(t, s.store.SaveTask(ctx, &core.Task{
		ID:         "task-ropar",
		UserID:     "user-1",
		CategoryID: "learning",
		Name:       "IIT Ropar",
	}))
	return s
}

// startWorker runs a worker over the research queue until the test ends.
func (s *stack) startWorker(t *testing.T) {
	t.Helper()
	w := worker.NewWorker(s.queue,
		worker.WorkerQueue(pipeline.QueueName),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithBackoff(worker.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (s *stack) waitForStatus(t *testing.T, jobID string, status core.JobStatus) *core.Job {
	t.Helper()
	var job *core.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = s.store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == status
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", jobID, status)
	return job
}

func (s *stack) create(t *testing.T) *core.Job {
	t.Helper()
	job, err := s.svc.CreateJob(context.Background(), CreateRequest{TaskID: "task-ropar", UserID: "user-1", ChannelID: "chat-1"})
	require.NoError(t, err)
	return job
}
