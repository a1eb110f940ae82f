package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jdziat/durable-research/pkg/clarify"
	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/pipeline"
	"github.com/jdziat/durable-research/pkg/queue"
	"github.com/jdziat/durable-research/pkg/quota"
)

// Store is the persistence the service needs.
type Store interface {
	core.JobStore
	core.TaskStore
	core.RunStore
}

// Service creates and manages research jobs.
type Service struct {
	store      Store
	queue      *queue.Queue
	dispatcher *pipeline.Dispatcher
	ledger     *quota.Ledger
	gate       *clarify.Gate
	logger     *slog.Logger
}

// New creates a service.
func New(store Store, q *queue.Queue, d *pipeline.Dispatcher, ledger *quota.Ledger, gate *clarify.Gate, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		queue:      q,
		dispatcher: d,
		ledger:     ledger,
		gate:       gate,
		logger:     logger,
	}
}

// CreateRequest asks for research on a task.
type CreateRequest struct {
	TaskID    string `json:"task_id" binding:"required"`
	UserID    string `json:"user_id"`    // Must own the task when set
	ChannelID string `json:"channel_id"` // Where questions and results are sent
}

// CreateJob validates the request, writes the job and enqueues its first
// run. The quota is only counted once the first run is queued.
func (s *Service) CreateJob(ctx context.Context, req CreateRequest) (*core.Job, error) {
	task, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if req.UserID != "" && req.UserID != task.UserID {
		return nil, core.ErrTaskNotFound
	}

	auto, err := s.store.GetAutomation(ctx, task.CategoryID)
	if err != nil {
		return nil, err
	}

	ok, err := s.ledger.CanStart(ctx, task.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.ErrQuotaExceeded
	}

	job := &core.Job{
		TaskID:          task.ID,
		TaskName:        task.Name,
		TaskDescription: task.Description,
		UserID:          task.UserID,
		ChannelID:       req.ChannelID,
		CategoryID:      task.CategoryID,
		Automation:      *auto,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("research: create job: %w", err)
	}
	if _, err := s.dispatcher.EnqueueInitial(ctx, job); err != nil {
		job.SetTerminal(core.TerminalFailed)
		job.LastError = err.Error()
		if saveErr := s.store.SaveJob(context.WithoutCancel(ctx), job); saveErr != nil {
			s.logger.Error("failed to mark unqueued job failed", "job_id", job.ID, "error", saveErr)
		}
		return nil, fmt.Errorf("research: enqueue job %s: %w", job.ID, err)
	}
	if err := s.ledger.Increment(ctx, task.UserID); err != nil {
		s.logger.Error("failed to count job against quota", "job_id", job.ID, "user_id", task.UserID, "error", err)
	}

	s.logger.Info("job created", "job_id", job.ID, "task_id", task.ID, "user_id", task.UserID)
	return job, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, jobID string) (*core.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// List returns a user's most recent jobs.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*core.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListJobsByUser(ctx, userID, limit)
}

// Runs returns the queue runs of a job.
func (s *Service) Runs(ctx context.Context, jobID string) ([]*core.Run, error) {
	return s.store.GetRunsByJob(ctx, jobID)
}

// Cancel stops a job that is not executing. A job waiting in the queue has
// its runs removed; a job waiting on a clarification has its question
// withdrawn. A job a worker holds returns core.ErrCannotCancel.
func (s *Service) Cancel(ctx context.Context, jobID string) (*core.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Done() {
		return nil, core.ErrCannotCancel
	}
	if job.Stage == core.StageClarify && job.ClarificationResponse == "" && job.Terminal == core.TerminalNone {
		return s.gate.Cancel(ctx, jobID)
	}

	runs, err := s.store.GetRunsByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if r.Status == core.RunStatusRunning {
			return nil, core.ErrCannotCancel
		}
	}

	n, err := s.queue.CancelJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, core.ErrCannotCancel
	}

	for i := 0; i < 3; i++ {
		job.SetTerminal(core.TerminalCancelled)
		err = s.store.SaveJob(ctx, job)
		if !errors.Is(err, core.ErrStaleJob) {
			break
		}
		if job, err = s.store.GetJob(ctx, jobID); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, fmt.Errorf("research: cancel job %s: %w", jobID, err)
	}
	s.logger.Info("job cancelled", "job_id", jobID, "runs", n)
	return job, nil
}

// Usage returns a user's quota standing.
func (s *Service) Usage(ctx context.Context, userID string) (quota.Usage, error) {
	return s.ledger.Usage(ctx, userID)
}

// Gate returns the clarification gate.
func (s *Service) Gate() *clarify.Gate {
	return s.gate
}
