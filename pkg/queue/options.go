package queue

import (
	"time"

	"github.com/jdziat/durable-research/pkg/security"
)

// DefaultAttempts is the attempt budget of a run enqueued without Attempts.
const DefaultAttempts = 3

// DefaultQueue receives runs enqueued without QueueOpt.
const DefaultQueue = "default"

type settings struct {
	queue    string
	priority int
	attempts int
	delay    time.Duration
	handle   string // replaces the generated uuid
	jobID    string // defaults to the handle
	timeout  time.Duration
}

func newSettings(opts []Option) settings {
	s := settings{queue: DefaultQueue, attempts: DefaultAttempts}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Option adjusts how a run is enqueued or a handler registered.
type Option func(*settings)

// QueueOpt places the run on the named queue.
func QueueOpt(name string) Option {
	return func(s *settings) { s.queue = name }
}

// Priority orders runs within a queue; higher runs first.
func Priority(p int) Option {
	return func(s *settings) { s.priority = p }
}

// Attempts sets how many times a run is tried before it fails for good,
// clamped to [1, security.MaxAttempts].
func Attempts(n int) Option {
	return func(s *settings) { s.attempts = security.ClampAttempts(n) }
}

// Delay holds the run back for d.
func Delay(d time.Duration) Option {
	return func(s *settings) { s.delay = d }
}

// Handle uses h as the run id. A second run with a handle already in the
// store fails with core.ErrDuplicateRun, whatever the first run's status.
func Handle(h string) Option {
	return func(s *settings) { s.handle = h }
}

// ForJob ties the run to a research job, so CancelJob and the job's run
// history find it.
func ForJob(jobID string) Option {
	return func(s *settings) { s.jobID = jobID }
}

// Timeout bounds each execution of a handler. It is read by Register and
// ignored by Enqueue.
func Timeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}
