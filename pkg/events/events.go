// Package events forwards queue and pipeline events to an AMQP exchange.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/security"
)

// Routing keys.
const (
	KeyRunCompleted = "run.completed"
	KeyRunFailed    = "run.failed"
	KeyRunCancelled = "run.cancelled"
	KeyJobCompleted = "job.completed"
)

// Envelope is the JSON body of a published event.
type Envelope struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id"`
	RunID     string    `json:"run_id,omitempty"`
	Handler   string    `json:"handler,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Duration  string    `json:"duration,omitempty"`
	Error     string    `json:"error,omitempty"`
	Cancelled int64     `json:"cancelled,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EnvelopeOf maps an event to its routing key and body. Events that are not
// forwarded report false.
func EnvelopeOf(ev core.Event) (string, Envelope, bool) {
	switch e := ev.(type) {
	case *core.RunCompleted:
		return KeyRunCompleted, Envelope{
			Type:      KeyRunCompleted,
			JobID:     e.Run.JobID,
			RunID:     e.Run.ID,
			Handler:   e.Run.Type,
			Attempt:   e.Run.Attempt,
			Duration:  e.Duration.String(),
			Timestamp: e.Timestamp,
		}, true
	case *core.RunFailed:
		env := Envelope{
			Type:      KeyRunFailed,
			JobID:     e.Run.JobID,
			RunID:     e.Run.ID,
			Handler:   e.Run.Type,
			Attempt:   e.Run.Attempt,
			Timestamp: e.Timestamp,
		}
		if e.Error != nil {
			env.Error = security.CleanError(e.Error.Error())
		}
		return KeyRunFailed, env, true
	case *core.RunCancelled:
		return KeyRunCancelled, Envelope{
			Type:      KeyRunCancelled,
			JobID:     e.JobID,
			Cancelled: e.Count,
			Timestamp: e.Timestamp,
		}, true
	case *core.StageEntered:
		if e.Stage != core.StageComplete {
			return "", Envelope{}, false
		}
		return KeyJobCompleted, Envelope{Type: KeyJobCompleted, JobID: e.JobID, Timestamp: e.Timestamp}, true
	default:
		return "", Envelope{}, false
	}
}

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends envelopes to one exchange.
type Publisher struct {
	ch          Channel
	exchange    string
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewPublisher creates a publisher. logger may be nil.
func NewPublisher(ch Channel, exchange string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		ch:          ch,
		exchange:    exchange,
		logger:      logger,
		maxAttempts: 5,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    10 * time.Second,
	}
}

// Declare creates the topic exchange on ch.
func Declare(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("events: declare exchange %s: %w", exchange, err)
	}
	return nil
}

// Publish sends one event. Events that are not forwarded are dropped.
func (p *Publisher) Publish(ctx context.Context, ev core.Event) error {
	key, env, ok := EnvelopeOf(ev)
	if !ok {
		return nil
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", key, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    env.Timestamp,
		Body:         body,
	}
	return p.publishWithRetry(ctx, key, msg)
}

func (p *Publisher) publishWithRetry(ctx context.Context, key string, msg amqp.Publishing) error {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if lastErr = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg); lastErr == nil {
			return nil
		}
		if attempt == p.maxAttempts {
			break
		}
		backoff := p.baseDelay << (attempt - 1)
		if backoff > p.maxDelay {
			backoff = p.maxDelay
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("events: publish %s after %d attempts: %w", key, p.maxAttempts, lastErr)
}

// Run forwards events until ctx is done. Failed publishes are logged and
// dropped.
func (p *Publisher) Run(ctx context.Context, events <-chan core.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := p.Publish(ctx, ev); err != nil && ctx.Err() == nil {
				p.logger.Error("failed to publish event", "error", err)
			}
		}
	}
}
