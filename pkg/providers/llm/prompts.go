package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jdziat/durable-research/pkg/core"
)

const understandSystem = `You plan web research for a personal task list.
Given a task, work out what the user most likely wants to learn and reply with JSON only:
{"interpreted_topic": string, "search_queries": [string], "needs_clarification": bool,
 "clarification_question": string, "suggested_focus_areas": [string], "confidence": number}
Give 3 to 5 search queries. Set needs_clarification when the task is ambiguous enough that
the research would go in the wrong direction without asking, and then offer 2 to 4 focus areas.`

const refineSystem = `You plan web research for a personal task list.
The user answered a clarification question. Rewrite the research plan to match the answer and
reply with JSON only:
{"interpreted_topic": string, "search_queries": [string], "suggested_focus_areas": [string], "confidence": number}`

const synthesizeSystem = `You write concise, well-structured research notes in Markdown.
Use only the sources given. Reply with JSON only:
{"title": string, "content": string, "sections": [{"heading": string, "body": string}], "sources": [string]}
content is the full note. sources lists the URLs you relied on.`

// Understand interprets a task. A reply that is not valid JSON falls back to
// researching the task name.
func (p *Provider) Understand(ctx context.Context, taskName, taskDescription string) (*core.Understanding, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", taskName)
	if d := strings.TrimSpace(taskDescription); d != "" {
		fmt.Fprintf(&b, "Details: %s\n", d)
	}

	out, err := p.generate(ctx, understandSystem, b.String())
	if err != nil {
		return nil, err
	}
	u := &core.Understanding{}
	if err := decode(out, u); err != nil {
		return fallback(taskName), nil
	}
	return u, nil
}

// Refine merges a clarification answer into an earlier understanding.
func (p *Provider) Refine(ctx context.Context, taskName string, prior *core.Understanding, clarification string) (*core.Understanding, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", taskName)
	if prior != nil {
		fmt.Fprintf(&b, "Current interpretation: %s\n", prior.InterpretedTopic)
		if len(prior.SearchQueries) > 0 {
			fmt.Fprintf(&b, "Current queries: %s\n", strings.Join(prior.SearchQueries, "; "))
		}
		if prior.ClarificationQuestion != "" {
			fmt.Fprintf(&b, "Question asked: %s\n", prior.ClarificationQuestion)
		}
	}
	fmt.Fprintf(&b, "Answer: %s\n", clarification)

	out, err := p.generate(ctx, refineSystem, b.String())
	if err != nil {
		return nil, err
	}
	u := &core.Understanding{}
	if err := decode(out, u); err != nil {
		// Keep the prior plan and steer it with the answer.
		u = fallback(taskName)
		if prior != nil {
			*u = *prior
		}
		u.SearchQueries = append([]string{taskName + " " + clarification}, u.SearchQueries...)
	}
	return u, nil
}

// Synthesize writes a note from the research results.
func (p *Provider) Synthesize(ctx context.Context, taskName string, data *core.ResearchData, focusAreas []string) (*core.SynthesizedNote, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", taskName)
	if len(focusAreas) > 0 {
		fmt.Fprintf(&b, "Focus on: %s\n", strings.Join(focusAreas, ", "))
	}
	b.WriteString("\nSources:\n")
	if data != nil {
		for i, r := range data.Results {
			fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, r.Title, r.URL, truncate(r.Content, 2000))
		}
	}

	out, err := p.generate(ctx, synthesizeSystem, b.String())
	if err != nil {
		return nil, err
	}
	note := &core.SynthesizedNote{}
	if err := decode(out, note); err != nil {
		// Plain Markdown reply.
		note = &core.SynthesizedNote{Title: taskName, Content: strings.TrimSpace(out)}
	}
	if note.Content == "" {
		note.Content = render(note.Sections)
	}
	if note.Content == "" {
		return nil, fmt.Errorf("llm: note for %q has no content", taskName)
	}
	if len(note.Sources) == 0 {
		note.Sources = data.URLs()
	}
	return note, nil
}

func fallback(taskName string) *core.Understanding {
	return &core.Understanding{
		InterpretedTopic: taskName,
		SearchQueries:    []string{taskName},
		Confidence:       0.5,
	}
}

// decode parses the first JSON object in s, tolerating code fences and
// surrounding prose.
func decode(s string, v any) error {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return fmt.Errorf("llm: no json object in reply")
	}
	return json.Unmarshal([]byte(s[start:end+1]), v)
}

func render(sections []core.NoteSection) string {
	var b strings.Builder
	for _, s := range sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", s.Heading, s.Body)
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
