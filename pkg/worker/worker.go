package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/durable-research/pkg/core"
	intctx "github.com/jdziat/durable-research/pkg/internal/context"
	"github.com/jdziat/durable-research/pkg/internal/handler"
	"github.com/jdziat/durable-research/pkg/queue"
)

// Worker processes runs from the queue. Each configured queue gets its own
// pool of slots; a run is only dequeued when a slot for its queue is free.
type Worker struct {
	queue  *queue.Queue
	config WorkerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
}

var _ core.Starter = (*Worker)(nil)

// NewWorker creates a new worker for the given queue.
func NewWorker(q *queue.Queue, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		PollInterval:      100 * time.Millisecond,
		WorkerID:          uuid.New().String(),
		HeartbeatInterval: time.Minute,
		Backoff:           DefaultBackoff(),
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if len(config.Queues) == 0 {
		config.Queues = map[string]int{"default": DefaultQueueConcurrency}
	}
	if config.StoreRetry.Tries == 0 {
		config.StoreRetry = DefaultStoreRetry()
	}
	if config.DequeueRetry.Tries == 0 {
		config.DequeueRetry = defaultDequeueRetry()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		queue:  q,
		config: config,
		logger: logger.With("worker_id", config.WorkerID),
	}
}

// Config returns the effective configuration.
func (w *Worker) Config() WorkerConfig {
	return w.config
}

// Start begins processing runs. Blocks until ctx is cancelled and every
// in-flight run has finished.
func (w *Worker) Start(ctx context.Context) error {
	names := make([]string, 0, len(w.config.Queues))
	for name := range w.config.Queues {
		names = append(names, name)
	}
	sort.Strings(names)

	if w.config.EnableScheduler {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runScheduler(ctx)
		}()
	}

	var pollers sync.WaitGroup
	for _, name := range names {
		slots := make(chan struct{}, w.config.Queues[name])
		pollers.Add(1)
		go func(name string) {
			defer pollers.Done()
			w.pollQueue(ctx, name, slots)
		}(name)
	}

	w.logger.Info("worker started", "queues", w.config.Queues)
	pollers.Wait()
	w.wg.Wait()
	w.logger.Info("worker stopped")
	return ctx.Err()
}

// pollQueue fills the queue's free slots on every tick.
func (w *Worker) pollQueue(ctx context.Context, name string, slots chan struct{}) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.fill(ctx, name, slots)
		}
	}
}

func (w *Worker) fill(ctx context.Context, name string, slots chan struct{}) {
	for ctx.Err() == nil {
		select {
		case slots <- struct{}{}:
		default:
			return
		}

		run, err := w.dequeueWithRetry(ctx, []string{name})
		if err != nil || run == nil {
			<-slots
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				w.logger.Error("failed to dequeue after retries", "queue", name, "error", err)
			}
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-slots }()
			w.processRun(ctx, run)
		}()
	}
}

// dequeueWithRetry attempts to dequeue a run with exponential backoff on failure.
func (w *Worker) dequeueWithRetry(ctx context.Context, queues []string) (*core.Run, error) {
	var run *core.Run
	err := w.config.DequeueRetry.do(ctx, func() error {
		var dequeueErr error
		run, dequeueErr = w.queue.Storage().Dequeue(ctx, queues, w.config.WorkerID)
		return dequeueErr
	})
	return run, err
}

func (w *Worker) processRun(ctx context.Context, run *core.Run) {
	// Bookkeeping outlives shutdown so a finished run is never left locked.
	storeCtx := context.WithoutCancel(ctx)
	log := w.logger.With("run_id", run.ID, "job_id", run.JobID, "type", run.Type, "attempt", run.Attempt)

	h, ok := w.queue.GetHandler(run.Type)
	if !ok {
		log.Error("no handler for run")
		w.failWithRetry(storeCtx, run.ID, fmt.Sprintf("no handler for %s", run.Type), nil)
		return
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, run)

	if w.config.Limiter != nil {
		if err := w.config.Limiter.Wait(ctx); err != nil {
			cancelHeartbeat()
			w.requeue(storeCtx, run, err)
			return
		}
	}

	startTime := time.Now()
	w.queue.Emit(&core.RunStarted{Run: run, Timestamp: startTime})
	log.Debug("run started")

	err := w.executeHandler(ctx, run, h)
	cancelHeartbeat()

	if err != nil {
		if ctx.Err() != nil {
			w.requeue(storeCtx, run, err)
			return
		}
		w.handleError(storeCtx, run, err)
		return
	}

	if err := w.completeWithRetry(storeCtx, run.ID); err != nil {
		log.Error("failed to complete run after retries", "error", err)
		return
	}
	w.queue.Emit(&core.RunCompleted{Run: run, Duration: time.Since(startTime), Timestamp: time.Now()})
	log.Debug("run completed", "duration", time.Since(startTime))
}

// requeue hands a run that never got to finish back to the queue
// immediately. The interrupted attempt is not counted.
func (w *Worker) requeue(ctx context.Context, run *core.Run, cause error) {
	w.logger.Info("run interrupted, requeueing", "run_id", run.ID, "error", cause)
	err := w.config.StoreRetry.do(ctx, func() error {
		return w.queue.Storage().Release(ctx, run.ID, w.config.WorkerID, cause.Error())
	})
	if err != nil {
		w.logger.Error("failed to requeue interrupted run after retries", "run_id", run.ID, "error", err)
	}
}

// completeWithRetry marks a run complete with retry on transient failures.
func (w *Worker) completeWithRetry(ctx context.Context, runID string) error {
	return w.config.StoreRetry.do(ctx, func() error {
		return w.queue.Storage().Complete(ctx, runID, w.config.WorkerID)
	})
}

// runHeartbeat periodically extends the run lock during execution so long
// runs are not reclaimed as stale.
func (w *Worker) runHeartbeat(ctx context.Context, run *core.Run) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.config.StoreRetry.do(ctx, func() error {
				return w.queue.Storage().Heartbeat(ctx, run.ID, w.config.WorkerID)
			})
			switch {
			case errors.Is(err, core.ErrRunNotOwned):
				w.logger.Warn("run lock lost, stopping heartbeat", "run_id", run.ID)
				return
			case err != nil && ctx.Err() == nil:
				w.logger.Warn("heartbeat failed after retries", "run_id", run.ID, "error", err)
			}
		}
	}
}

func (w *Worker) executeHandler(ctx context.Context, run *core.Run, h *handler.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	runCtx := intctx.WithRunContext(ctx, &intctx.RunContext{
		Run:      run,
		WorkerID: w.config.WorkerID,
	})
	return h.Execute(runCtx, run.Args)
}

func (w *Worker) handleError(ctx context.Context, run *core.Run, err error) {
	if core.Permanent(err) || run.FinalAttempt() {
		w.failWithRetry(ctx, run.ID, err.Error(), nil)
		w.queue.Emit(&core.RunFailed{Run: run, Error: err, Timestamp: time.Now()})
		w.logger.Warn("run failed", "run_id", run.ID, "job_id", run.JobID, "attempt", run.Attempt, "error", err)
		return
	}

	delay, ok := core.RetryDelay(err)
	if !ok {
		delay = w.config.Backoff.Delay(run.Attempt)
	}

	retryAt := time.Now().Add(delay)
	w.failWithRetry(ctx, run.ID, err.Error(), &retryAt)
	w.queue.Emit(&core.RunRetrying{Run: run, Attempt: run.Attempt, Error: err, NextRunAt: retryAt, Timestamp: time.Now()})
	w.logger.Info("run will be retried", "run_id", run.ID, "attempt", run.Attempt, "delay", delay, "error", err)
}

// failWithRetry marks a run as failed with retry on transient storage failures.
func (w *Worker) failWithRetry(ctx context.Context, runID string, errMsg string, retryAt *time.Time) {
	err := w.config.StoreRetry.do(ctx, func() error {
		return w.queue.Storage().Fail(ctx, runID, w.config.WorkerID, errMsg, retryAt)
	})
	if err != nil {
		w.logger.Error("failed to record run failure after retries", "run_id", runID, "error", err)
	}
}

func (w *Worker) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	lastRun := make(map[string]time.Time)
	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, r := range w.queue.Recurring() {
				last, ok := lastRun[r.Name]
				if !ok {
					last = started
				}
				if now.Before(r.Schedule.Next(last)) {
					continue
				}
				_, err := w.queue.Enqueue(ctx, r.Name, nil,
					queue.QueueOpt(r.Queue),
					queue.Priority(r.Priority),
					queue.Attempts(r.Attempts),
				)
				if err != nil {
					w.logger.Error("failed to enqueue scheduled run", "name", r.Name, "error", err)
					continue
				}
				lastRun[r.Name] = now
			}
		}
	}
}
