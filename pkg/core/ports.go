package core

import "context"

// Understander interprets a task and, after clarification, refines that
// interpretation with the user's answer.
type Understander interface {
	Understand(ctx context.Context, taskName, taskDescription string) (*Understanding, error)
	// Refine returns an updated understanding with NeedsClarification false.
	Refine(ctx context.Context, taskName string, prior *Understanding, clarification string) (*Understanding, error)
}

// Researcher gathers sources for a set of queries.
type Researcher interface {
	Research(ctx context.Context, queries []string, depth Depth) (*ResearchData, error)
}

// Synthesizer turns gathered sources into a note.
type Synthesizer interface {
	Synthesize(ctx context.Context, taskName string, data *ResearchData, focusAreas []string) (*SynthesizedNote, error)
}

// Button is one choice of an inline menu attached to a message.
type Button struct {
	Text string `json:"text"`
	Data string `json:"callback_data"`
}

// Message is an outbound notification.
type Message struct {
	Text    string
	Buttons [][]Button // Rows of buttons; empty for plain text
}

// Notifier delivers messages to a user-addressable channel.
type Notifier interface {
	Notify(ctx context.Context, channelID string, msg Message) (bool, error)
}
