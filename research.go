// Package research runs resumable research jobs on a durable queue.
//
// A job moves through UNDERSTAND, CLARIFY, RESEARCH, SYNTHESIZE, NOTIFY and
// COMPLETE. Each stage persists what it produced before the next one
// starts, so a retried or resumed run skips the work already done. A job
// that needs the user's input stops at CLARIFY without holding a worker and
// continues in a new run once the answer arrives.
//
// This is the package embedders import. It re-exports the public types of
// the pkg/ packages.
//
// Basic usage:
//
//	db, _ := gorm.Open(sqlite.Open("research.db"), &gorm.Config{})
//	store := research.NewGormStorage(db)
//	store.Migrate(ctx)
//
//	q := research.NewQueue(store)
//	d := research.NewDispatcher(q, 3)
//	gate := research.NewGate(store, notifier, d)
//	orch := research.NewOrchestrator(store, gate, research.Providers{
//	    Understander: model,
//	    Researcher:   scraper,
//	    Synthesizer:  model,
//	    Notifier:     notifier,
//	})
//	research.Register(q, orch)
//
//	svc := research.NewService(store, q, d, research.NewLedger(store), gate, nil)
//	job, _ := svc.CreateJob(ctx, research.CreateRequest{TaskID: taskID})
//
//	research.NewWorker(q, research.WorkerQueue(research.QueueName)).Start(ctx)
package research

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/durable-research/pkg/clarify"
	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/jobctx"
	"github.com/jdziat/durable-research/pkg/pipeline"
	"github.com/jdziat/durable-research/pkg/queue"
	"github.com/jdziat/durable-research/pkg/quota"
	"github.com/jdziat/durable-research/pkg/schedule"
	"github.com/jdziat/durable-research/pkg/service"
	"github.com/jdziat/durable-research/pkg/storage"
	"github.com/jdziat/durable-research/pkg/worker"
)

// Type aliases
type (
	// Job is one research request and everything it has produced so far.
	Job = core.Job

	// Stage is a step of the pipeline.
	Stage = core.Stage

	// JobStatus is the human-facing state of a job.
	JobStatus = core.JobStatus

	// AutomationConfig is the per-category research policy.
	AutomationConfig = core.AutomationConfig

	// Task is the user's item a job is started for.
	Task = core.Task

	// Note is a synthesized research note.
	Note = core.Note

	// Run is one queued invocation of a handler.
	Run = core.Run

	// RunStatus is the state of a run.
	RunStatus = core.RunStatus

	// Payload is the argument of a research run.
	Payload = core.Payload

	// Event is the interface for all queue events.
	Event = core.Event

	// Understander interprets tasks.
	Understander = core.Understander

	// Researcher gathers sources.
	Researcher = core.Researcher

	// Synthesizer writes notes.
	Synthesizer = core.Synthesizer

	// Notifier delivers messages to a channel.
	Notifier = core.Notifier

	// Message is a notification, optionally with buttons.
	Message = core.Message

	// NoRetryError indicates an error that should not be retried.
	NoRetryError = core.NoRetryError

	// RetryAfterError indicates an error that should be retried after a delay.
	RetryAfterError = core.RetryAfterError

	// Queue manages handler registration and enqueueing.
	Queue = queue.Queue

	// Option modifies run options.
	Option = queue.Option

	// Retention bounds how many finished runs are kept.
	Retention = queue.Retention

	// Worker processes runs from the queue.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.WorkerOption

	// Schedule defines when a recurring run fires next.
	Schedule = schedule.Schedule

	// GormStorage implements every store using GORM.
	GormStorage = storage.GormStorage

	// Orchestrator is the stage state machine.
	Orchestrator = pipeline.Orchestrator

	// Providers bundles the external capabilities the stages call.
	Providers = pipeline.Providers

	// Dispatcher enqueues research runs.
	Dispatcher = pipeline.Dispatcher

	// Gate asks clarification questions and resumes answered jobs.
	Gate = clarify.Gate

	// Ledger enforces the daily job cap.
	Ledger = quota.Ledger

	// Service creates, looks up and cancels jobs.
	Service = service.Service

	// CreateRequest asks for a job for one task.
	CreateRequest = service.CreateRequest
)

// Stage constants
const (
	StageUnderstand = core.StageUnderstand
	StageClarify    = core.StageClarify
	StageResearch   = core.StageResearch
	StageSynthesize = core.StageSynthesize
	StageNotify     = core.StageNotify
	StageComplete   = core.StageComplete
)

// Status constants
const (
	StatusPending               = core.StatusPending
	StatusUnderstanding         = core.StatusUnderstanding
	StatusAwaitingClarification = core.StatusAwaitingClarification
	StatusResearching           = core.StatusResearching
	StatusSynthesizing          = core.StatusSynthesizing
	StatusCompleted             = core.StatusCompleted
	StatusFailed                = core.StatusFailed
	StatusCancelled             = core.StatusCancelled
)

// QueueName is the queue research runs are placed on.
const QueueName = pipeline.QueueName

// Error variables
var (
	ErrJobNotFound      = core.ErrJobNotFound
	ErrTaskNotFound     = core.ErrTaskNotFound
	ErrNoAutomation     = core.ErrNoAutomation
	ErrQuotaExceeded    = core.ErrQuotaExceeded
	ErrNotClarification = core.ErrNotClarification
	ErrAlreadyAnswered  = core.ErrAlreadyAnswered
	ErrInvalidCallback  = core.ErrInvalidCallback
	ErrCannotCancel     = core.ErrCannotCancel
	ErrDuplicateRun     = core.ErrDuplicateRun
	ErrStaleJob         = core.ErrStaleJob
)

// NewGormStorage creates a GORM-backed store.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// NewQueue creates a queue over s.
func NewQueue(s core.RunStore) *Queue {
	return queue.New(s)
}

// NewWorker creates a worker for q.
func NewWorker(q *Queue, opts ...WorkerOption) *Worker {
	return worker.NewWorker(q, opts...)
}

// NewDispatcher creates a dispatcher. attempts <= 0 uses the queue default.
func NewDispatcher(q *Queue, attempts int) *Dispatcher {
	return pipeline.NewDispatcher(q, attempts)
}

// NewOrchestrator creates the stage state machine. gate may be nil, in
// which case no job stops to ask.
func NewOrchestrator(store pipeline.Store, gate pipeline.Clarifier, p Providers, opts ...pipeline.Option) *Orchestrator {
	return pipeline.NewOrchestrator(store, gate, p, opts...)
}

// Register installs o as the research handler on q.
func Register(q *Queue, o *Orchestrator) {
	pipeline.Register(q, o)
}

// NewGate creates a clarification gate.
func NewGate(store clarify.Store, notifier Notifier, d *Dispatcher, opts ...clarify.GateOption) *Gate {
	return clarify.NewGate(store, notifier, d, opts...)
}

// NewLedger creates a quota ledger.
func NewLedger(store core.QuotaStore, opts ...quota.Option) *Ledger {
	return quota.NewLedger(store, opts...)
}

// NewService creates the job entry point. logger may be nil.
func NewService(store service.Store, q *Queue, d *Dispatcher, l *Ledger, g *Gate, logger *slog.Logger) *Service {
	return service.New(store, q, d, l, g, logger)
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// Worker option functions

// Concurrency sets the concurrency for a queue.
func Concurrency(n int) WorkerOption {
	return worker.Concurrency(n)
}

// WorkerQueue adds a queue to process with optional concurrency.
func WorkerQueue(name string, opts ...WorkerOption) WorkerOption {
	return worker.WorkerQueue(name, opts...)
}

// WithScheduler enables the scheduler in the worker.
func WithScheduler(enabled bool) WorkerOption {
	return worker.WithScheduler(enabled)
}

// Schedule functions

// Every creates a schedule that fires at fixed intervals.
func Every(d time.Duration) Schedule {
	return schedule.Every(d)
}

// Cron creates a schedule from a cron expression.
func Cron(expr string) Schedule {
	return schedule.Cron(expr)
}

// RunFromContext returns the run being processed, or nil outside a handler.
func RunFromContext(ctx context.Context) *Run {
	return jobctx.RunFromContext(ctx)
}

// JobIDFromContext returns the research job id of the current run.
func JobIDFromContext(ctx context.Context) string {
	return jobctx.JobIDFromContext(ctx)
}
