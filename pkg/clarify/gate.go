package clarify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/security"
)

// Store is the persistence the gate needs.
type Store interface {
	core.JobStore
	core.ConversationStore
	// ListExpiredClarifications returns awaiting jobs past their deadline,
	// including jobs whose channel has since been bound to another question.
	ListExpiredClarifications(ctx context.Context, now time.Time, limit int) ([]*core.Job, error)
}

// Resumer enqueues the run that continues a job. *pipeline.Dispatcher
// satisfies it.
type Resumer interface {
	EnqueueResume(ctx context.Context, job *core.Job, stage core.Stage) (string, error)
}

// ExpiryPolicy decides what happens to a question nobody answered in time.
type ExpiryPolicy string

const (
	// ExpireProceed answers with AllText and resumes the job.
	ExpireProceed ExpiryPolicy = "proceed"
	// ExpireFail fails the job and tells the user once.
	ExpireFail ExpiryPolicy = "fail"
	// ExpireKeep leaves the question open indefinitely.
	ExpireKeep ExpiryPolicy = "keep"
)

// ParseExpiryPolicy accepts proceed, fail or keep. Empty means proceed.
func ParseExpiryPolicy(s string) (ExpiryPolicy, error) {
	switch p := ExpiryPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ExpireProceed, nil
	case ExpireProceed, ExpireFail, ExpireKeep:
		return p, nil
	}
	return "", fmt.Errorf("clarify: unknown expiry policy %q", s)
}

// Gate opens clarification questions and turns answers into resume runs.
type Gate struct {
	store    Store
	notifier core.Notifier
	resumer  Resumer
	policy   ExpiryPolicy
	logger   *slog.Logger
	now      func() time.Time
	locks    keyedMutex
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithExpiryPolicy sets the policy SweepExpired applies.
func WithExpiryPolicy(p ExpiryPolicy) GateOption {
	return func(g *Gate) { g.policy = p }
}

// WithLogger sets the gate's logger.
func WithLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate. resumer may be set later with SetResumer when the
// dispatcher is built after the gate.
func NewGate(store Store, notifier core.Notifier, resumer Resumer, opts ...GateOption) *Gate {
	g := &Gate{
		store:    store,
		notifier: notifier,
		resumer:  resumer,
		policy:   ExpireProceed,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetResumer sets the resumer.
func (g *Gate) SetResumer(r Resumer) {
	g.resumer = r
}

// Policy returns the expiry policy in effect.
func (g *Gate) Policy() ExpiryPolicy {
	return g.policy
}

// Open binds job's channel to the question and sends it with one button per
// choice plus "all" and "custom".
func (g *Gate) Open(ctx context.Context, job *core.Job, question string, choices []string, deadline time.Time) error {
	if job.ChannelID == "" {
		return core.NoRetry(fmt.Errorf("clarify: job %s has no channel", job.ID))
	}
	if prev, err := g.store.GetConversation(ctx, job.ChannelID); err == nil && prev != nil && prev.Awaiting() && prev.JobID != job.ID {
		g.logger.Warn("channel question replaced, previous job waits for its deadline",
			"job_id", job.ID, "previous_job_id", prev.JobID, "channel_id", job.ChannelID)
	}
	conv := &core.Conversation{
		ChannelID: job.ChannelID,
		JobID:     job.ID,
		Question:  question,
		Choices:   choices,
		ExpiresAt: &deadline,
	}
	if err := g.store.OpenConversation(ctx, conv); err != nil {
		return fmt.Errorf("clarify: open conversation: %w", err)
	}

	if g.notifier == nil {
		return nil
	}
	delivered, err := g.notifier.Notify(ctx, job.ChannelID, Menu(job.ID, question, choices))
	if err != nil {
		return fmt.Errorf("clarify: send question: %w", err)
	}
	if !delivered {
		g.logger.Warn("clarification question not delivered", "job_id", job.ID, "channel_id", job.ChannelID)
	}
	return nil
}

// Menu builds the question message.
func Menu(jobID, question string, choices []string) core.Message {
	rows := make([][]core.Button, 0, len(choices)+1)
	for i, c := range choices {
		rows = append(rows, []core.Button{{Text: c, Data: FormatCallback(jobID, FocusIndex(i))}})
	}
	rows = append(rows, []core.Button{
		{Text: "All of the above", Data: FormatCallback(jobID, All())},
		{Text: "Let me specify", Data: FormatCallback(jobID, Custom())},
	})
	return core.Message{Text: question, Buttons: rows}
}

// Close returns job's channel to idle if it is still bound to job.
func (g *Gate) Close(ctx context.Context, job *core.Job) error {
	if job.ChannelID == "" {
		return nil
	}
	if _, err := g.store.CloseConversation(ctx, job.ChannelID, job.ID); err != nil {
		return fmt.Errorf("clarify: close conversation: %w", err)
	}
	return nil
}

// HandleCallback applies a button press from channelID. A "custom" press
// only switches the channel to expect text; the job is returned unchanged.
func (g *Gate) HandleCallback(ctx context.Context, channelID, data string) (*core.Job, error) {
	jobID, sel, err := ParseCallback(data)
	if err != nil {
		return nil, err
	}

	unlock := g.locks.Lock(jobID)
	defer unlock()

	conv, err := g.openFor(ctx, channelID, jobID)
	if err != nil {
		return nil, err
	}

	if sel.Kind == KindCustom {
		ok, err := g.store.MarkAwaitingText(ctx, channelID, jobID)
		if err != nil {
			return nil, fmt.Errorf("clarify: mark awaiting text: %w", err)
		}
		if !ok {
			return nil, core.ErrNotClarification
		}
		g.send(ctx, channelID, "Type what the research should focus on.")
		return g.store.GetJob(ctx, jobID)
	}

	text, err := sel.Resolve(conv.Choices)
	if err != nil {
		return nil, err
	}
	return g.answer(ctx, conv, text)
}

// HandleText treats a message from channelID as the answer to its open
// question. Channels without one get core.ErrNotClarification.
func (g *Gate) HandleText(ctx context.Context, channelID, text string) (*core.Job, error) {
	text = strings.TrimSpace(text)
	conv, err := g.store.GetConversation(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("clarify: get conversation: %w", err)
	}
	if !conv.Awaiting() || text == "" {
		return nil, core.ErrNotClarification
	}

	unlock := g.locks.Lock(conv.JobID)
	defer unlock()

	conv, err = g.openFor(ctx, channelID, conv.JobID)
	if err != nil {
		return nil, err
	}
	return g.answer(ctx, conv, text)
}

// Answer records response as the answer for jobID and resumes the job.
func (g *Gate) Answer(ctx context.Context, channelID, jobID, response string) (*core.Job, error) {
	unlock := g.locks.Lock(jobID)
	defer unlock()

	conv, err := g.openFor(ctx, channelID, jobID)
	if err != nil {
		return nil, err
	}
	return g.answer(ctx, conv, strings.TrimSpace(response))
}

// openFor returns channelID's conversation if it is open for jobID. A
// channel that has moved on reports core.ErrAlreadyAnswered when the job no
// longer waits, core.ErrNotClarification otherwise.
func (g *Gate) openFor(ctx context.Context, channelID, jobID string) (*core.Conversation, error) {
	conv, err := g.store.GetConversation(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("clarify: get conversation: %w", err)
	}
	if conv.Awaiting() && conv.JobID == jobID {
		return conv, nil
	}
	job, err := g.store.GetJob(ctx, jobID)
	if err == nil && !awaiting(job) {
		return nil, core.ErrAlreadyAnswered
	}
	return nil, core.ErrNotClarification
}

func awaiting(job *core.Job) bool {
	return job.Stage == core.StageClarify && job.ClarificationResponse == "" && job.Terminal == core.TerminalNone
}

// answer must be called with the job lock held.
func (g *Gate) answer(ctx context.Context, conv *core.Conversation, text string) (*core.Job, error) {
	text = security.CleanText(text, security.MaxAnswerLength)
	if text == "" {
		return nil, core.ErrNotClarification
	}
	job, err := g.store.GetJob(ctx, conv.JobID)
	if err != nil {
		return nil, err
	}
	if !awaiting(job) {
		return nil, core.ErrAlreadyAnswered
	}

	job.ClarificationResponse = text
	job.SetStage(core.StageResearch)
	if err := g.store.SaveJob(ctx, job); err != nil {
		if errors.Is(err, core.ErrStaleJob) {
			return nil, core.ErrAlreadyAnswered
		}
		return nil, fmt.Errorf("clarify: save answer: %w", err)
	}

	if g.resumer == nil {
		return nil, errors.New("clarify: no resumer configured")
	}
	handle, err := g.resumer.EnqueueResume(ctx, job, core.StageResearch)
	if err != nil {
		g.revert(ctx, job)
		return nil, fmt.Errorf("clarify: enqueue resume: %w", err)
	}

	if _, err := g.store.CloseConversation(ctx, conv.ChannelID, job.ID); err != nil {
		g.logger.Warn("failed to close answered conversation", "job_id", job.ID, "error", err)
	}
	g.logger.Info("clarification answered", "job_id", job.ID, "channel_id", conv.ChannelID, "resume_run", handle)
	g.send(ctx, conv.ChannelID, fmt.Sprintf("Got it. Researching %q with focus on: %s", job.TaskName, text))
	return job, nil
}

// revert puts an answered job back to waiting when its resume run could not
// be queued, so the user can answer again.
func (g *Gate) revert(ctx context.Context, job *core.Job) {
	job.ClarificationResponse = ""
	job.SetStage(core.StageClarify)
	if err := g.store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		g.logger.Error("failed to revert unqueued answer", "job_id", job.ID, "error", err)
	}
}

// Cancel withdraws the question of an awaiting job and marks it cancelled.
// Jobs that are not waiting return core.ErrCannotCancel.
func (g *Gate) Cancel(ctx context.Context, jobID string) (*core.Job, error) {
	unlock := g.locks.Lock(jobID)
	defer unlock()

	job, err := g.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !awaiting(job) {
		return nil, core.ErrCannotCancel
	}
	job.SetTerminal(core.TerminalCancelled)
	if err := g.store.SaveJob(ctx, job); err != nil {
		if errors.Is(err, core.ErrStaleJob) {
			return nil, core.ErrCannotCancel
		}
		return nil, err
	}
	if err := g.Close(ctx, job); err != nil {
		g.logger.Warn("failed to close cancelled conversation", "job_id", job.ID, "error", err)
	}
	return job, nil
}

// SweepResult counts what a sweep did.
type SweepResult struct {
	Proceeded int
	Failed    int
	Closed    int // Conversations whose job had already moved on
}

const sweepBatch = 100

// SweepExpired applies the expiry policy to every question whose deadline
// has passed. Jobs whose channel was taken over by a later question are
// found through their own deadline and resolved the same way.
func (g *Gate) SweepExpired(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if g.policy == ExpireKeep {
		return res, nil
	}

	now := g.now()
	convs, err := g.store.ListExpiredConversations(ctx, now, sweepBatch)
	if err != nil {
		return res, fmt.Errorf("clarify: list expired: %w", err)
	}

	var errs []error
	for _, conv := range convs {
		if err := g.expire(ctx, conv, &res); err != nil {
			errs = append(errs, err)
		}
	}

	jobs, err := g.store.ListExpiredClarifications(ctx, now, sweepBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("clarify: list expired jobs: %w", err))
		return res, errors.Join(errs...)
	}
	for _, job := range jobs {
		// A displaced job no longer owns its channel; CloseConversation on
		// this stand-in leaves the channel's current question alone.
		conv := &core.Conversation{ChannelID: job.ChannelID, JobID: job.ID}
		if err := g.expire(ctx, conv, &res); err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

func (g *Gate) expire(ctx context.Context, conv *core.Conversation, res *SweepResult) error {
	unlock := g.locks.Lock(conv.JobID)
	defer unlock()

	job, err := g.store.GetJob(ctx, conv.JobID)
	if err != nil && !errors.Is(err, core.ErrJobNotFound) {
		return err
	}
	if job == nil || !awaiting(job) {
		if _, err := g.store.CloseConversation(ctx, conv.ChannelID, conv.JobID); err != nil {
			return err
		}
		res.Closed++
		return nil
	}

	log := g.logger.With("job_id", job.ID, "channel_id", conv.ChannelID)
	switch g.policy {
	case ExpireFail:
		job.SetTerminal(core.TerminalFailed)
		job.LastError = "clarification timed out"
		if err := g.store.SaveJob(ctx, job); err != nil {
			if errors.Is(err, core.ErrStaleJob) {
				return nil
			}
			return err
		}
		if _, err := g.store.CloseConversation(ctx, conv.ChannelID, job.ID); err != nil {
			log.Warn("failed to close expired conversation", "error", err)
		}
		g.send(ctx, conv.ChannelID, fmt.Sprintf("Research on %q stopped: the question was not answered in time.", job.TaskName))
		log.Info("clarification expired, job failed")
		res.Failed++
	default:
		if _, err := g.answer(ctx, conv, AllText); err != nil {
			if errors.Is(err, core.ErrAlreadyAnswered) {
				return nil
			}
			return err
		}
		log.Info("clarification expired, proceeding with all focus areas")
		res.Proceeded++
	}
	return nil
}

func (g *Gate) send(ctx context.Context, channelID, text string) {
	if g.notifier == nil {
		return
	}
	if _, err := g.notifier.Notify(ctx, channelID, core.Message{Text: text}); err != nil {
		g.logger.Warn("notification failed", "channel_id", channelID, "error", err)
	}
}
