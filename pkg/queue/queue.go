package queue

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/internal/handler"
	"github.com/jdziat/durable-research/pkg/schedule"
	"github.com/jdziat/durable-research/pkg/security"
)

// eventBuffer is the capacity of each Events channel.
const eventBuffer = 100

// Queue holds the registered handlers and recurring runs, writes new runs
// to the store and fans run events out to listeners.
type Queue struct {
	store core.RunStore

	mu        sync.RWMutex
	handlers  map[string]*handler.Handler
	declared  map[string]bool
	recurring map[string]Recurring
	retention Retention
	listeners []func(core.Event)
	subs      []chan core.Event
}

// Recurring is a handler the worker scheduler enqueues on a schedule.
type Recurring struct {
	Name     string
	Schedule schedule.Schedule
	Queue    string
	Priority int
	Attempts int
}

// New creates a queue over s.
func New(s core.RunStore) *Queue {
	return &Queue{
		store:     s,
		handlers:  make(map[string]*handler.Handler),
		declared:  make(map[string]bool),
		recurring: make(map[string]Recurring),
		retention: DefaultRetention(),
	}
}

// Register installs fn, a func(context.Context) error or
// func(context.Context, T) error, under name. Only Timeout is read from
// opts. It panics on an invalid name or signature, which are programming
// errors.
func (q *Queue) Register(name string, fn any, opts ...Option) {
	if err := security.ValidateHandlerName(name); err != nil {
		panic(fmt.Sprintf("research: register %q: %v", name, err))
	}
	h, err := handler.New(fn)
	if err != nil {
		panic(fmt.Sprintf("research: register %q: %v", name, err))
	}
	h.Timeout = newSettings(opts).timeout

	q.mu.Lock()
	q.handlers[name] = h
	q.mu.Unlock()
}

// Declare lets runs of name be enqueued by a process that does not execute
// them, such as a CLI that only writes work for a separate worker. A declared
// name has no local handler, so GetHandler still reports false for it.
func (q *Queue) Declare(name string) {
	if err := security.ValidateHandlerName(name); err != nil {
		panic(fmt.Sprintf("research: declare %q: %v", name, err))
	}
	q.mu.Lock()
	q.declared[name] = true
	q.mu.Unlock()
}

// accepts reports whether runs of name may be enqueued.
func (q *Queue) accepts(name string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.handlers[name]
	return ok || q.declared[name]
}

// HasHandler reports whether name is registered.
func (q *Queue) HasHandler(name string) bool {
	_, ok := q.GetHandler(name)
	return ok
}

// GetHandler returns the handler registered under name.
func (q *Queue) GetHandler(name string) (*handler.Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// Enqueue stores a pending run of the named handler with args encoded as
// JSON and returns its handle.
func (q *Queue) Enqueue(ctx context.Context, name string, args any, opts ...Option) (string, error) {
	if !q.accepts(name) {
		return "", fmt.Errorf("research: no handler registered for %q", name)
	}
	run, err := newRun(name, args, newSettings(opts))
	if err != nil {
		return "", err
	}
	if err := q.store.Enqueue(ctx, run); err != nil {
		if errors.Is(err, core.ErrDuplicateRun) {
			return "", err
		}
		return "", fmt.Errorf("research: enqueue %s: %w", name, err)
	}
	return run.ID, nil
}

func newRun(name string, args any, s settings) (*core.Run, error) {
	if err := security.ValidateQueueName(s.queue); err != nil {
		return nil, err
	}
	if s.handle == "" {
		s.handle = uuid.NewString()
	} else if err := security.ValidateHandle(s.handle); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("research: encode args of %s: %w", name, err)
	}
	if len(raw) > security.MaxArgsSize {
		return nil, core.ErrArgsTooLarge
	}

	run := &core.Run{
		ID:          s.handle,
		JobID:       cmp.Or(s.jobID, s.handle),
		Type:        name,
		Args:        raw,
		Queue:       s.queue,
		Priority:    s.priority,
		MaxAttempts: security.ClampAttempts(s.attempts),
		Status:      core.RunStatusPending,
	}
	if s.delay > 0 {
		at := time.Now().Add(s.delay)
		run.RunAt = &at
	}
	return run, nil
}

// CancelJob cancels the waiting runs of jobID and reports how many there
// were. A run a worker already holds is left to finish.
func (q *Queue) CancelJob(ctx context.Context, jobID string) (int64, error) {
	n, err := q.store.CancelPendingRuns(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("research: cancel runs of %s: %w", jobID, err)
	}
	if n > 0 {
		q.Emit(&core.RunCancelled{JobID: jobID, Count: n, Timestamp: time.Now()})
	}
	return n, nil
}

// Schedule makes the named handler recur on sched. QueueOpt, Priority and
// Attempts apply to every run it produces. Scheduling a name again
// replaces the earlier entry.
func (q *Queue) Schedule(name string, sched schedule.Schedule, opts ...Option) {
	s := newSettings(opts)
	q.mu.Lock()
	q.recurring[name] = Recurring{
		Name:     name,
		Schedule: sched,
		Queue:    s.queue,
		Priority: s.priority,
		Attempts: s.attempts,
	}
	q.mu.Unlock()
}

// Recurring lists the scheduled handlers by name.
func (q *Queue) Recurring() []Recurring {
	q.mu.RLock()
	out := make([]Recurring, 0, len(q.recurring))
	for _, r := range q.recurring {
		out = append(out, r)
	}
	q.mu.RUnlock()
	slices.SortFunc(out, func(a, b Recurring) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Storage returns the run store.
func (q *Queue) Storage() core.RunStore {
	return q.store
}

// OnEvent registers fn to be called, on the emitting goroutine, for every
// event. fn must not block.
func (q *Queue) OnEvent(fn func(core.Event)) {
	q.mu.Lock()
	q.listeners = append(q.listeners, fn)
	q.mu.Unlock()
}

// Events subscribes to the event stream. Release the channel with
// Unsubscribe.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, eventBuffer)
	q.mu.Lock()
	q.subs = append(q.subs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe stops delivery to ch. The channel is not closed.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs = slices.DeleteFunc(q.subs, func(c chan core.Event) bool { return c == ch })
}

// Emit calls the listeners, then offers e to every subscriber. A
// subscriber whose buffer is full misses e.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	listeners := slices.Clone(q.listeners)
	subs := slices.Clone(q.subs)
	q.mu.RUnlock()

	for _, fn := range listeners {
		fn(e)
	}
	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}
