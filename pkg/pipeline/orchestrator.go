package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"

	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/jobctx"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	core.JobStore
	core.NoteStore
}

// Clarifier opens and closes the clarification question of a job.
// *clarify.Gate satisfies it.
type Clarifier interface {
	Open(ctx context.Context, job *core.Job, question string, choices []string, deadline time.Time) error
	Close(ctx context.Context, job *core.Job) error
}

// Providers bundles the external capabilities the stages call.
type Providers struct {
	Understander core.Understander
	Researcher   core.Researcher
	Synthesizer  core.Synthesizer
	Notifier     core.Notifier // Optional
}

// Result is the outcome of one invocation.
type Result struct {
	Status  core.JobStatus
	NoteRef string
}

// errJobCancelled stops an invocation whose job was cancelled underneath it.
var errJobCancelled = errors.New("pipeline: job cancelled")

// Orchestrator is the stage state machine.
type Orchestrator struct {
	store     Store
	clarifier Clarifier
	providers Providers
	cfg       config
	logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator. clarifier may be nil, in which
// case no job ever stops at CLARIFY.
func NewOrchestrator(store Store, clarifier Clarifier, p Providers, opts ...Option) *Orchestrator {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		clarifier: clarifier,
		providers: p,
		cfg:       cfg,
		logger:    logger,
	}
}

// Handle is the queue handler for HandlerName.
func (o *Orchestrator) Handle(ctx context.Context, p core.Payload) error {
	_, err := o.Run(ctx, p)
	return err
}

// Run executes the job named by p from its persisted stage until it
// completes, suspends for clarification, or a stage fails.
func (o *Orchestrator) Run(ctx context.Context, p core.Payload) (Result, error) {
	job, err := o.store.GetJob(ctx, p.JobID)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			return Result{}, core.NoRetry(err)
		}
		return Result{}, fmt.Errorf("pipeline: load job %s: %w", p.JobID, err)
	}
	log := o.logger.With("job_id", job.ID, "run_id", jobctx.RunIDFromContext(ctx), "attempt", jobctx.Attempt(ctx))

	if job.Done() {
		log.Info("job already finished, nothing to do", "status", job.Status)
		return Result{Status: job.Status, NoteRef: job.NoteRef}, nil
	}

	o.adopt(ctx, job, p)
	stage := startStage(job, p)
	log.Debug("running job", "from_stage", stage.String())

	for {
		if err := o.enter(ctx, job, stage); err != nil {
			return o.fail(ctx, log, job, err)
		}
		if stage == core.StageComplete {
			log.Info("job completed", "note_ref", job.NoteRef, "sources", job.SourceCount)
			return Result{Status: job.Status, NoteRef: job.NoteRef}, nil
		}

		next, err := o.execute(ctx, log, job, stage)
		if err != nil {
			return o.fail(ctx, log, job, fmt.Errorf("%s: %w", stage, err))
		}
		if next == stage {
			log.Info("job suspended", "stage", stage.String(), "timeout_at", job.ClarificationTimeoutAt)
			return Result{Status: job.Status}, nil
		}
		stage = next
	}
}

// adopt merges what the payload carries into the loaded job without
// overwriting anything already persisted.
func (o *Orchestrator) adopt(ctx context.Context, job *core.Job, p core.Payload) {
	if run := jobctx.RunFromContext(ctx); run != nil {
		job.RetryCount = max(run.Attempt-1, 0)
		job.MaxRetries = run.MaxAttempts
	}
	if job.Terminal == core.TerminalFailed {
		job.SetTerminal(core.TerminalNone)
	}

	if job.Understanding == nil && p.Understanding != nil {
		u := *p.Understanding
		job.Understanding = &u
		if job.InterpretedTopic == "" {
			job.InterpretedTopic = u.InterpretedTopic
		}
		if len(job.SearchQueries) == 0 {
			job.SearchQueries = u.SearchQueries
		}
		if len(job.FocusAreas) == 0 {
			job.FocusAreas = u.SuggestedFocusAreas
		}
	}
	if job.ClarificationResponse == "" && p.ClarificationResponse != "" {
		job.ClarificationResponse = p.ClarificationResponse
	}
	if len(job.ResearchPayload) == 0 && p.Research != nil {
		if raw, err := json.Marshal(p.Research); err == nil {
			job.ResearchPayload = datatypes.JSON(raw)
			job.Sources = p.Research.URLs()
			job.SourceCount = len(p.Research.Results)
		}
	}
	if job.NoteRef == "" && p.NoteRef != "" {
		job.NoteRef = p.NoteRef
	}
}

// startStage is the furthest of UNDERSTAND, the persisted stage and the
// requested resume stage. An answered question always moves past CLARIFY.
func startStage(job *core.Job, p core.Payload) core.Stage {
	stage := max(core.StageUnderstand, job.Stage, p.ResumeStage)
	if stage == core.StageClarify && job.ClarificationResponse != "" {
		stage = core.StageResearch
	}
	return min(stage, core.StageComplete)
}

// enter persists stage before any of its work starts.
func (o *Orchestrator) enter(ctx context.Context, job *core.Job, stage core.Stage) error {
	job.SetStage(stage)
	if stage == core.StageComplete {
		now := o.cfg.now()
		job.CompletedAt = &now
		job.LastError = ""
	}
	if err := o.save(ctx, job); err != nil {
		return err
	}
	if o.cfg.events != nil {
		o.cfg.events.Emit(&core.StageEntered{JobID: job.ID, Stage: stage, Timestamp: o.cfg.now()})
	}
	return nil
}

// save writes the job. A conflicting write is only survivable if it did not
// finish the job; a cancelled job stops the invocation.
func (o *Orchestrator) save(ctx context.Context, job *core.Job) error {
	err := o.store.SaveJob(ctx, job)
	if !errors.Is(err, core.ErrStaleJob) {
		return err
	}
	fresh, gerr := o.store.GetJob(ctx, job.ID)
	if gerr != nil {
		return fmt.Errorf("pipeline: reload job %s: %w", job.ID, gerr)
	}
	if fresh.Done() {
		*job = *fresh
		return errJobCancelled
	}
	return fmt.Errorf("pipeline: save job %s: %w", job.ID, err)
}

func (o *Orchestrator) execute(ctx context.Context, log *slog.Logger, job *core.Job, stage core.Stage) (core.Stage, error) {
	switch stage {
	case core.StageUnderstand:
		return o.understand(ctx, job)
	case core.StageClarify:
		return o.clarify(ctx, job)
	case core.StageResearch:
		return o.research(ctx, job)
	case core.StageSynthesize:
		return o.synthesize(ctx, log, job)
	case core.StageNotify:
		return o.notify(ctx, log, job)
	default:
		return stage, core.NoRetry(fmt.Errorf("pipeline: unknown stage %d", stage))
	}
}

// fail records a stage error on the job and hands it back to the queue.
// The failure message is sent once, on the attempt the queue will not retry.
func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, job *core.Job, cause error) (Result, error) {
	if errors.Is(cause, errJobCancelled) {
		log.Info("job cancelled while running, stopping")
		return Result{Status: job.Status}, nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		// Shutdown. The worker requeues the run and the job keeps its stage.
		return Result{}, cause
	}

	storeCtx := context.WithoutCancel(ctx)
	final := jobctx.FinalAttempt(ctx) || core.Permanent(cause)

	if err := o.markFailed(storeCtx, job, cause); err != nil {
		if errors.Is(err, errJobCancelled) {
			return Result{Status: job.Status}, nil
		}
		log.Error("failed to record job failure", "error", err)
	}
	log.Warn("stage failed", "stage", job.Stage.String(), "final", final, "error", cause)

	if final {
		o.send(storeCtx, log, job, core.Message{Text: failureText(job, cause)})
	}
	return Result{Status: core.StatusFailed}, cause
}

func (o *Orchestrator) markFailed(ctx context.Context, job *core.Job, cause error) error {
	for i := 0; i < 3; i++ {
		job.SetTerminal(core.TerminalFailed)
		job.LastError = cause.Error()
		err := o.store.SaveJob(ctx, job)
		if !errors.Is(err, core.ErrStaleJob) {
			return err
		}
		fresh, gerr := o.store.GetJob(ctx, job.ID)
		if gerr != nil {
			return gerr
		}
		if fresh.Done() {
			*job = *fresh
			return errJobCancelled
		}
		*job = *fresh
	}
	return core.ErrStaleJob
}

// send delivers a message if the job has somewhere to deliver it.
func (o *Orchestrator) send(ctx context.Context, log *slog.Logger, job *core.Job, msg core.Message) {
	if o.providers.Notifier == nil || job.ChannelID == "" {
		return
	}
	delivered, err := o.providers.Notifier.Notify(ctx, job.ChannelID, msg)
	if err != nil || !delivered {
		log.Warn("notification not delivered", "channel_id", job.ChannelID, "error", err)
	}
}
