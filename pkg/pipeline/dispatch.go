package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/queue"
)

const (
	// HandlerName is the queue handler the orchestrator is registered under.
	HandlerName = "research.pipeline"
	// QueueName is the queue research runs are placed on.
	QueueName = "research"
)

// Register installs o as the handler for research runs.
func Register(q *queue.Queue, o *Orchestrator, opts ...queue.Option) {
	q.Register(HandlerName, o.Handle, opts...)
}

// Dispatcher enqueues research runs.
type Dispatcher struct {
	queue    *queue.Queue
	attempts int
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. attempts <= 0 uses queue.DefaultAttempts.
//
// It declares HandlerName on q, so a process that only creates or resumes
// jobs can enqueue research runs without registering an orchestrator.
func NewDispatcher(q *queue.Queue, attempts int) *Dispatcher {
	if attempts <= 0 {
		attempts = queue.DefaultAttempts
	}
	q.Declare(HandlerName)
	return &Dispatcher{queue: q, attempts: attempts, now: time.Now}
}

// EnqueueInitial enqueues the first run of job under the job's own id, so a
// second creation of the same job fails with core.ErrDuplicateRun.
func (d *Dispatcher) EnqueueInitial(ctx context.Context, job *core.Job) (string, error) {
	return d.queue.Enqueue(ctx, HandlerName, core.PayloadFor(job),
		queue.QueueOpt(QueueName),
		queue.Handle(job.ID),
		queue.ForJob(job.ID),
		queue.Attempts(d.attempts),
	)
}

// EnqueueResume enqueues a run continuing job at stage, carrying what the
// job has produced so far.
func (d *Dispatcher) EnqueueResume(ctx context.Context, job *core.Job, stage core.Stage) (string, error) {
	p := core.PayloadFor(job)
	p.ResumeStage = stage
	p.ClarificationResponse = job.ClarificationResponse
	p.Understanding = job.Understanding
	p.NoteRef = job.NoteRef

	return d.queue.Enqueue(ctx, HandlerName, p,
		queue.QueueOpt(QueueName),
		queue.Handle(ResumeHandle(job.ID, d.now())),
		queue.ForJob(job.ID),
		queue.Attempts(d.attempts),
	)
}

// ResumeHandle is the queue handle of a resume run started at t.
func ResumeHandle(jobID string, t time.Time) string {
	return fmt.Sprintf("%s-resume-%d", jobID, t.UnixNano())
}
