package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/schedule"
)

// mockStorage implements core.RunStore for testing.
type mockStorage struct {
	mu     sync.Mutex
	runs   map[string]*core.Run
	pruned []pruneCall
}

type pruneCall struct {
	status    core.RunStatus
	olderThan time.Time
	keep      int
}

func newMockStorage() *mockStorage {
	return &mockStorage{runs: make(map[string]*core.Run)}
}

func (m *mockStorage) Migrate(ctx context.Context) error { return nil }

func (m *mockStorage) Enqueue(ctx context.Context, run *core.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return core.ErrDuplicateRun
	}
	m.runs[run.ID] = run
	return nil
}

func (m *mockStorage) Dequeue(ctx context.Context, queues []string, workerID string) (*core.Run, error) {
	return nil, nil
}

func (m *mockStorage) Complete(ctx context.Context, runID, workerID string) error { return nil }

func (m *mockStorage) Fail(ctx context.Context, runID, workerID, errMsg string, retryAt *time.Time) error {
	return nil
}

func (m *mockStorage) Release(ctx context.Context, runID, workerID, reason string) error {
	return nil
}

func (m *mockStorage) Heartbeat(ctx context.Context, runID, workerID string) error { return nil }

func (m *mockStorage) ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error) {
	return 0, nil
}

func (m *mockStorage) GetRun(ctx context.Context, runID string) (*core.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[runID], nil
}

func (m *mockStorage) GetRunsByJob(ctx context.Context, jobID string) ([]*core.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Run
	for _, r := range m.runs {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockStorage) GetRunsByStatus(ctx context.Context, status core.RunStatus, limit int) ([]*core.Run, error) {
	return nil, nil
}

func (m *mockStorage) CancelPendingRuns(ctx context.Context, jobID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.runs {
		if r.JobID == jobID && r.Status == core.RunStatusPending {
			r.Status = core.RunStatusCancelled
			n++
		}
	}
	return n, nil
}

func (m *mockStorage) PruneRuns(ctx context.Context, status core.RunStatus, olderThan time.Time, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned = append(m.pruned, pruneCall{status, olderThan, keep})
	return 1, nil
}

type pipelineArgs struct {
	JobID string `json:"job_id"`
}

func newTestQueue(t *testing.T) (*Queue, *mockStorage) {
	t.Helper()
	store := newMockStorage()
	q := New(store)
	q.Register("research.pipeline", func(ctx context.Context, args pipelineArgs) error { return nil })
	return q, store
}

func TestNew_CreatesQueue(t *testing.T) {
	store := newMockStorage()
	q := New(store)

	require.NotNil(t, q)
	assert.Equal(t, store, q.Storage())
	assert.NotNil(t, q.handlers)
	assert.Equal(t, DefaultRetention(), q.Retention())
}

func TestQueue_Register(t *testing.T) {
	q, _ := newTestQueue(t)

	assert.True(t, q.HasHandler("research.pipeline"))
	h, ok := q.GetHandler("research.pipeline")
	require.True(t, ok)
	assert.Zero(t, h.Timeout)

	_, ok = q.GetHandler("unknown")
	assert.False(t, ok)
}

func TestQueue_Register_WithTimeout(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Register("maintenance.sweep", func(ctx context.Context) error { return nil }, Timeout(30*time.Second))

	h, ok := q.GetHandler("maintenance.sweep")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, h.Timeout)
}

func TestQueue_Register_InvalidName_Panics(t *testing.T) {
	q := New(newMockStorage())
	assert.Panics(t, func() {
		q.Register("123-bad", func(ctx context.Context) error { return nil })
	})
}

func TestQueue_Register_InvalidHandler_Panics(t *testing.T) {
	q := New(newMockStorage())
	assert.Panics(t, func() {
		q.Register("valid", "not a function")
	})
}

func TestQueue_Enqueue_UnregisteredHandler(t *testing.T) {
	q := New(newMockStorage())

	_, err := q.Enqueue(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered")
}

func TestQueue_Declare_AllowsEnqueueWithoutHandler(t *testing.T) {
	store := newMockStorage()
	q := New(store)
	q.Declare("research.pipeline")

	handle, err := q.Enqueue(context.Background(), "research.pipeline", pipelineArgs{JobID: "job-1"})
	require.NoError(t, err)
	assert.Contains(t, store.runs, handle)
	assert.False(t, q.HasHandler("research.pipeline"), "a declared name has nothing to execute")

	assert.Panics(t, func() { q.Declare("123-bad") })
}

func TestQueue_Enqueue_Defaults(t *testing.T) {
	q, store := newTestQueue(t)

	handle, err := q.Enqueue(context.Background(), "research.pipeline", pipelineArgs{JobID: "job-1"})
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	run := store.runs[handle]
	require.NotNil(t, run)
	assert.Equal(t, handle, run.JobID, "job id defaults to the handle")
	assert.Equal(t, DefaultQueue, run.Queue)
	assert.Equal(t, DefaultAttempts, run.MaxAttempts)
	assert.Equal(t, core.RunStatusPending, run.Status)
	assert.JSONEq(t, `{"job_id":"job-1"}`, string(run.Args))
	assert.Nil(t, run.RunAt)
}

func TestQueue_Enqueue_WithOptions(t *testing.T) {
	q, store := newTestQueue(t)

	before := time.Now()
	handle, err := q.Enqueue(context.Background(), "research.pipeline", pipelineArgs{},
		QueueOpt("research"),
		Priority(7),
		Attempts(5),
		Delay(time.Minute),
		Handle("job-1-resume-99"),
		ForJob("job-1"),
	)
	require.NoError(t, err)
	assert.Equal(t, "job-1-resume-99", handle)

	run := store.runs[handle]
	assert.Equal(t, "job-1", run.JobID)
	assert.Equal(t, "research", run.Queue)
	assert.Equal(t, 7, run.Priority)
	assert.Equal(t, 5, run.MaxAttempts)
	require.NotNil(t, run.RunAt)
	assert.True(t, run.RunAt.After(before.Add(59*time.Second)))
}

func TestQueue_Enqueue_DuplicateHandle(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "research.pipeline", pipelineArgs{}, Handle("job-1"))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "research.pipeline", pipelineArgs{}, Handle("job-1"))
	assert.ErrorIs(t, err, core.ErrDuplicateRun)
}

func TestQueue_Enqueue_Validation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "research.pipeline", pipelineArgs{}, QueueOpt("bad queue!"))
	assert.ErrorIs(t, err, core.ErrInvalidQueueName)

	_, err = q.Enqueue(ctx, "research.pipeline", pipelineArgs{}, Handle("job:1"))
	assert.ErrorIs(t, err, core.ErrInvalidHandle)

	_, err = q.Enqueue(ctx, "research.pipeline", make([]byte, 2<<20))
	assert.ErrorIs(t, err, core.ErrArgsTooLarge)

	_, err = q.Enqueue(ctx, "research.pipeline", func() {})
	assert.Error(t, err, "unmarshalable args")
}

func TestQueue_CancelJob(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "research.pipeline", pipelineArgs{}, Handle("job-1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "research.pipeline", pipelineArgs{}, Handle("job-1-resume-1"), ForJob("job-1"))
	require.NoError(t, err)
	store.runs["job-1"].Status = core.RunStatusRunning

	events := q.Events()
	defer q.Unsubscribe(events)

	n, err := q.CancelJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	select {
	case e := <-events:
		ev, ok := e.(*core.RunCancelled)
		require.True(t, ok)
		assert.Equal(t, "job-1", ev.JobID)
		assert.Equal(t, int64(1), ev.Count)
	case <-time.After(time.Second):
		t.Fatal("expected a RunCancelled event")
	}

	n, err = q.CancelJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueue_Schedule(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Schedule("maintenance.sweep", schedule.Every(time.Minute), QueueOpt("maintenance"), Attempts(1))
	q.Schedule("maintenance.prune", schedule.Every(time.Hour), QueueOpt("maintenance"))
	q.Schedule("maintenance.prune", schedule.Every(2*time.Hour), QueueOpt("maintenance"), Priority(5))

	rec := q.Recurring()
	require.Len(t, rec, 2, "rescheduling replaces")
	assert.Equal(t, "maintenance.prune", rec[0].Name)
	assert.Equal(t, 5, rec[0].Priority)
	assert.Equal(t, DefaultAttempts, rec[0].Attempts)
	assert.Equal(t, "maintenance.sweep", rec[1].Name)
	assert.Equal(t, 1, rec[1].Attempts)
	assert.Equal(t, "maintenance", rec[1].Queue)
}

func TestQueue_Prune_UsesRetention(t *testing.T) {
	q, store := newTestQueue(t)
	q.SetRetention(Retention{
		Completed: Bound{MaxAge: time.Hour, MaxCount: 10},
		Failed:    Bound{MaxAge: 0, MaxCount: 5},
		Cancelled: Bound{MaxAge: time.Minute, MaxCount: -1},
	})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n, err := q.Prune(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.Len(t, store.pruned, 3)
	assert.Equal(t, pruneCall{core.RunStatusCompleted, now.Add(-time.Hour), 10}, store.pruned[0])
	assert.Equal(t, pruneCall{core.RunStatusFailed, time.Time{}, 5}, store.pruned[1], "zero age bound disables age pruning")
	assert.Equal(t, pruneCall{core.RunStatusCancelled, now.Add(-time.Minute), -1}, store.pruned[2])
}

func TestDefaultRetention(t *testing.T) {
	r := DefaultRetention()

	assert.Equal(t, 24*time.Hour, r.Completed.MaxAge)
	assert.Equal(t, 100, r.Completed.MaxCount)
	assert.Equal(t, 7*24*time.Hour, r.Failed.MaxAge)
	assert.Equal(t, 50, r.Failed.MaxCount)
}

func TestQueue_Events(t *testing.T) {
	q, _ := newTestQueue(t)

	events := q.Events()
	defer q.Unsubscribe(events)

	run := &core.Run{ID: "job-1"}
	q.Emit(&core.RunStarted{Run: run, Timestamp: time.Now()})

	select {
	case e := <-events:
		started, ok := e.(*core.RunStarted)
		require.True(t, ok)
		assert.Equal(t, "job-1", started.Run.ID)
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
}

func TestQueue_Emit_DropsWhenFull(t *testing.T) {
	q, _ := newTestQueue(t)

	events := q.Events()
	defer q.Unsubscribe(events)

	for i := 0; i < 150; i++ {
		q.Emit(&core.RunStarted{Run: &core.Run{}, Timestamp: time.Now()})
	}
	assert.Len(t, events, 100, "buffer holds 100, the rest are dropped")
}

func TestQueue_Unsubscribe_StopsDelivery(t *testing.T) {
	q, _ := newTestQueue(t)

	events := q.Events()
	q.Unsubscribe(events)
	q.Emit(&core.RunStarted{Run: &core.Run{}, Timestamp: time.Now()})

	assert.Len(t, events, 0)

	// Unknown channels are ignored.
	q.Unsubscribe(make(chan core.Event))
}

func TestQueue_Unsubscribe_ConcurrentWithEmit(t *testing.T) {
	q, _ := newTestQueue(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		ch := q.Events()
		go func() {
			defer wg.Done()
			q.Emit(&core.RunStarted{Run: &core.Run{}, Timestamp: time.Now()})
		}()
		go func() {
			defer wg.Done()
			q.Unsubscribe(ch)
		}()
	}
	wg.Wait()
}

func TestQueue_OnEvent(t *testing.T) {
	q, _ := newTestQueue(t)

	var seen []string
	q.OnEvent(func(e core.Event) {
		switch e := e.(type) {
		case *core.RunStarted:
			seen = append(seen, "started "+e.Run.ID)
		case *core.RunRetrying:
			seen = append(seen, fmt.Sprintf("retry %d", e.Attempt))
		}
	})

	events := q.Events()
	defer q.Unsubscribe(events)

	q.Emit(&core.RunStarted{Run: &core.Run{ID: "job-1"}, Timestamp: time.Now()})
	q.Emit(&core.RunRetrying{Run: &core.Run{ID: "job-1"}, Attempt: 2, Timestamp: time.Now()})
	q.Emit(&core.RunCancelled{JobID: "job-1", Count: 1, Timestamp: time.Now()})

	assert.Equal(t, []string{"started job-1", "retry 2"}, seen, "listeners run before Emit returns")
	assert.Len(t, events, 3, "subscribers get every event")
}
