package pipeline

import (
	"log/slog"
	"time"

	"github.com/jdziat/durable-research/pkg/core"
)

// Emitter receives stage events. *queue.Queue satisfies it.
type Emitter interface {
	Emit(core.Event)
}

// Option configures an Orchestrator.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	clarifyTimeout     time.Duration
	unrequestedTimeout time.Duration
	maxChoices         int
	logger             *slog.Logger
	events             Emitter
	now                func() time.Time
}

func defaultConfig() config {
	return config{
		clarifyTimeout:     24 * time.Hour,
		unrequestedTimeout: time.Hour,
		maxChoices:         4,
		now:                time.Now,
	}
}

// WithClarifyTimeouts sets how long a question stays open: requested when
// the understanding asked for clarification, unrequested when the
// automation forced it.
func WithClarifyTimeouts(requested, unrequested time.Duration) Option {
	return optionFunc(func(c *config) {
		if requested > 0 {
			c.clarifyTimeout = requested
		}
		if unrequested > 0 {
			c.unrequestedTimeout = unrequested
		}
	})
}

// WithLogger sets the orchestrator's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *config) {
		c.logger = l
	})
}

// WithEvents publishes a StageEntered event for every persisted stage.
func WithEvents(e Emitter) Option {
	return optionFunc(func(c *config) {
		c.events = e
	})
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *config) {
		c.now = now
	})
}
