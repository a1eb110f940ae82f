package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/jdziat/durable-research/pkg/core"
)

// MaxSearchQueries bounds the queries taken from an understanding.
const MaxSearchQueries = 5

func (o *Orchestrator) understand(ctx context.Context, job *core.Job) (core.Stage, error) {
	if job.Understanding == nil {
		u, err := o.providers.Understander.Understand(ctx, job.TaskName, job.TaskDescription)
		if err != nil {
			return 0, err
		}
		if u == nil {
			return 0, errors.New("understanding provider returned nothing")
		}
		normalize(u, job.TaskName)

		job.Understanding = u
		job.InterpretedTopic = u.InterpretedTopic
		job.FocusAreas = u.SuggestedFocusAreas
		job.SearchQueries = u.SearchQueries
		if err := o.save(ctx, job); err != nil {
			return 0, err
		}
	}

	if job.ClarificationResponse == "" && o.wantsClarification(job) {
		return core.StageClarify, nil
	}
	return core.StageResearch, nil
}

func (o *Orchestrator) wantsClarification(job *core.Job) bool {
	if o.clarifier == nil || job.ChannelID == "" {
		return false
	}
	switch job.Automation.ClarifyMode {
	case core.ClarifyAlways: // Overrides a confident understanding
		return true
	case core.ClarifyNever:
		return false
	default:
		return job.Understanding != nil && job.Understanding.NeedsClarification
	}
}

// clarify asks the question and suspends. Returning StageClarify ends the
// invocation; the answer arrives as a new run.
func (o *Orchestrator) clarify(ctx context.Context, job *core.Job) (core.Stage, error) {
	requested := job.Understanding != nil && job.Understanding.NeedsClarification

	question := ""
	if job.Understanding != nil {
		question = strings.TrimSpace(job.Understanding.ClarificationQuestion)
	}
	if question == "" {
		question = fmt.Sprintf("What should the research on %q focus on?", job.TaskName)
	}

	timeout := o.cfg.unrequestedTimeout
	if requested {
		timeout = o.cfg.clarifyTimeout
	}
	now := o.cfg.now()
	deadline := now.Add(timeout)

	job.ClarificationQuestion = question
	job.ClarificationSentAt = &now
	job.ClarificationTimeoutAt = &deadline
	if err := o.save(ctx, job); err != nil {
		return 0, err
	}

	choices := job.FocusAreas
	if len(choices) > o.cfg.maxChoices {
		choices = choices[:o.cfg.maxChoices]
	}
	if err := o.clarifier.Open(ctx, job, question, choices, deadline); err != nil {
		return 0, err
	}
	return core.StageClarify, nil
}

func (o *Orchestrator) research(ctx context.Context, job *core.Job) (core.Stage, error) {
	if job.ClarificationResponse != "" && job.RefinedAt == nil {
		u, err := o.providers.Understander.Refine(ctx, job.TaskName, job.Understanding, job.ClarificationResponse)
		if err != nil {
			return 0, fmt.Errorf("refine: %w", err)
		}
		if u != nil {
			normalize(u, job.TaskName)
			job.SearchQueries = u.SearchQueries
			if len(u.SuggestedFocusAreas) > 0 {
				job.FocusAreas = u.SuggestedFocusAreas
			}
			if u.InterpretedTopic != "" {
				job.InterpretedTopic = u.InterpretedTopic
			}
		}
		now := o.cfg.now()
		job.RefinedAt = &now
		if err := o.save(ctx, job); err != nil {
			return 0, err
		}
	}

	if len(job.ResearchPayload) == 0 {
		queries := job.SearchQueries
		if len(queries) == 0 {
			queries = []string{job.TaskName}
		}
		depth := job.Automation.Depth
		if !depth.Valid() {
			depth = core.DepthMedium
		}

		data, err := o.providers.Researcher.Research(ctx, queries, depth)
		if err != nil {
			return 0, err
		}
		if data == nil {
			data = &core.ResearchData{Queries: queries}
		}
		capSources(data, job.Automation.MaxSources)

		raw, err := json.Marshal(data)
		if err != nil {
			return 0, core.NoRetry(fmt.Errorf("encode research: %w", err))
		}
		job.ResearchPayload = datatypes.JSON(raw)
		job.Sources = data.URLs()
		job.SourceCount = len(data.Results)
		if err := o.save(ctx, job); err != nil {
			return 0, err
		}
	}
	return core.StageSynthesize, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, log *slog.Logger, job *core.Job) (core.Stage, error) {
	if job.NoteRef != "" {
		return core.StageNotify, nil
	}

	data := &core.ResearchData{}
	if len(job.ResearchPayload) > 0 {
		if err := json.Unmarshal(job.ResearchPayload, data); err != nil {
			return 0, core.NoRetry(fmt.Errorf("decode research: %w", err))
		}
	}

	out, err := o.providers.Synthesizer.Synthesize(ctx, job.TaskName, data, job.FocusAreas)
	if err != nil {
		return 0, err
	}
	if out == nil {
		return 0, errors.New("synthesis provider returned nothing")
	}

	note := &core.Note{
		ID:      uuid.New().String(),
		UserID:  job.UserID,
		TaskID:  job.TaskID,
		JobID:   job.ID,
		Title:   out.Title,
		Content: out.Content,
		Sources: out.Sources,
	}
	if note.Title == "" {
		note.Title = job.TaskName
	}
	if len(note.Sources) == 0 {
		note.Sources = data.URLs()
	}
	if err := o.store.CreateNote(ctx, note); err != nil {
		return 0, fmt.Errorf("create note: %w", err)
	}
	if err := o.store.LinkNoteToTask(ctx, job.TaskID, note.ID); err != nil {
		if !errors.Is(err, core.ErrTaskNotFound) {
			return 0, fmt.Errorf("link note: %w", err)
		}
		log.Warn("task gone, note left unlinked", "task_id", job.TaskID, "note_id", note.ID)
	}

	job.NoteRef = note.ID
	if err := o.save(ctx, job); err != nil {
		return 0, err
	}
	return core.StageNotify, nil
}

func (o *Orchestrator) notify(ctx context.Context, log *slog.Logger, job *core.Job) (core.Stage, error) {
	if job.Automation.Notify {
		note, err := o.store.GetNote(ctx, job.NoteRef)
		if err != nil {
			log.Warn("note lookup failed, sending summary without it", "note_id", job.NoteRef, "error", err)
		}
		o.send(ctx, log, job, core.Message{Text: completionText(job, note)})
	}
	if o.clarifier != nil {
		if err := o.clarifier.Close(ctx, job); err != nil {
			log.Warn("failed to close clarification", "channel_id", job.ChannelID, "error", err)
		}
	}
	return core.StageComplete, nil
}

// normalize trims and dedups an understanding's queries, falling back to
// the task name when none are usable.
func normalize(u *core.Understanding, taskName string) {
	u.InterpretedTopic = strings.TrimSpace(u.InterpretedTopic)
	if u.InterpretedTopic == "" {
		u.InterpretedTopic = taskName
	}
	u.SearchQueries = dedup(u.SearchQueries, MaxSearchQueries)
	if len(u.SearchQueries) == 0 {
		u.SearchQueries = []string{taskName}
	}
	u.SuggestedFocusAreas = dedup(u.SuggestedFocusAreas, 0)
}

func dedup(in []string, limit int) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// capSources drops results with a repeated or empty URL and keeps at most
// limit of them. limit <= 0 keeps all.
func capSources(data *core.ResearchData, limit int) {
	seen := make(map[string]bool, len(data.Results))
	kept := data.Results[:0]
	for _, r := range data.Results {
		url := strings.TrimSpace(r.URL)
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		kept = append(kept, r)
		if limit > 0 && len(kept) == limit {
			break
		}
	}
	data.Results = kept
	data.TotalSources = len(kept)
}

const summaryExcerpt = 500

func completionText(job *core.Job, note *core.Note) string {
	var b strings.Builder
	title := job.TaskName
	if note != nil && note.Title != "" {
		title = note.Title
	}
	fmt.Fprintf(&b, "Research complete: %s\n", title)
	if note != nil && note.Content != "" {
		excerpt := []rune(note.Content)
		if len(excerpt) > summaryExcerpt {
			excerpt = append(excerpt[:summaryExcerpt], '…')
		}
		fmt.Fprintf(&b, "\n%s\n", string(excerpt))
	}
	fmt.Fprintf(&b, "\nSources: %d", job.SourceCount)
	return b.String()
}

func failureText(job *core.Job, cause error) string {
	return fmt.Sprintf("Research on %q failed: %v", job.TaskName, cause)
}
