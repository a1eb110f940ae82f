package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdziat/durable-research/pkg/security"
)

// Limiter throttles run starts. Wait blocks until a start is permitted or
// ctx is done.
type Limiter interface {
	Wait(ctx context.Context) error
}

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Queues            map[string]int // queue name -> concurrency
	PollInterval      time.Duration
	WorkerID          string
	EnableScheduler   bool
	HeartbeatInterval time.Duration
	Backoff           Backoff
	Limiter           Limiter
	Logger            *slog.Logger

	StoreRetry   StoreRetry
	DequeueRetry StoreRetry
}

// Backoff is the delay policy between attempts of a failed run:
// Initial, then doubling, capped at Max.
type Backoff struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// DefaultBackoff waits 1s, 2s, 4s... up to a minute.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: time.Minute}
}

// Delay returns how long to wait after the given 1-based attempt failed.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return b.Max
	}
	d := b.Initial * time.Duration(1<<(attempt-1))
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}

// DefaultQueueConcurrency is the concurrency of a queue added without Concurrency.
const DefaultQueueConcurrency = 2

// Concurrency sets the concurrency of every queue configured so far.
// Inside WorkerQueue it applies to that queue only.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		clamped := security.ClampConcurrency(n)
		for k := range c.Queues {
			c.Queues[k] = clamped
		}
	})
}

// WorkerQueue adds a queue to process with optional concurrency.
func WorkerQueue(name string, opts ...WorkerOption) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if c.Queues == nil {
			c.Queues = make(map[string]int)
		}
		scoped := WorkerConfig{Queues: map[string]int{name: DefaultQueueConcurrency}}
		for _, opt := range opts {
			opt.ApplyWorker(&scoped)
		}
		c.Queues[name] = scoped.Queues[name]
	})
}

// WithScheduler enables the scheduler in the worker.
func WithScheduler(enabled bool) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.EnableScheduler = enabled
	})
}

// WithPollInterval sets how often idle queues are polled.
func WithPollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.PollInterval = d
	})
}

// WithWorkerID sets the id the worker locks runs with.
func WithWorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.WorkerID = id
	})
}

// WithHeartbeatInterval sets how often a running run's lock is extended.
func WithHeartbeatInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.HeartbeatInterval = d
	})
}

// WithBackoff sets the delay policy between attempts of a failed run.
func WithBackoff(b Backoff) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Backoff = b
	})
}

// WithLimiter throttles how fast the worker starts runs, across all queues.
func WithLimiter(l Limiter) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Limiter = l
	})
}

// WithLogger sets the worker's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}

// WithStoreRetry sets the retry policy for complete, fail and heartbeat
// writes.
func WithStoreRetry(r StoreRetry) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StoreRetry = r
	})
}

// WithDequeueRetry sets the retry policy for dequeue calls.
func WithDequeueRetry(r StoreRetry) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.DequeueRetry = r
	})
}

// NoStoreRetry makes every store call single-shot.
func NoStoreRetry() WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StoreRetry = StoreRetry{Tries: 1}
		c.DequeueRetry = StoreRetry{Tries: 1}
	})
}
