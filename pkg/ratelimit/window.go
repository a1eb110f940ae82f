package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Option configures a limiter.
type Option interface {
	apply(*options)
}

type options struct {
	now func() time.Time
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(o *options) {
		o.now = now
	})
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt.apply(&o)
	}
	return o
}

// SlidingWindow permits at most Limit starts in any trailing Window.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	starts []time.Time // oldest first
}

// NewSlidingWindow creates an in-memory limiter. A limit below 1 is treated as 1.
func NewSlidingWindow(limit int, window time.Duration, opts ...Option) *SlidingWindow {
	if limit < 1 {
		limit = 1
	}
	o := buildOptions(opts)
	return &SlidingWindow{
		limit:  limit,
		window: window,
		now:    o.now,
		starts: make([]time.Time, 0, limit),
	}
}

// Allow records a start and returns true if one is permitted right now.
func (w *SlidingWindow) Allow() bool {
	_, ok := w.reserve()
	return ok
}

// Wait blocks until a start is permitted or ctx is done.
func (w *SlidingWindow) Wait(ctx context.Context) error {
	for {
		delay, ok := w.reserve()
		if ok {
			return nil
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// reserve takes a slot if one is free, otherwise it returns how long until
// the oldest start leaves the window.
func (w *SlidingWindow) reserve() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.starts) && !w.starts[i].After(cutoff) {
		i++
	}
	w.starts = w.starts[i:]

	if len(w.starts) < w.limit {
		w.starts = append(w.starts, now)
		return 0, true
	}
	return w.starts[0].Add(w.window).Sub(now), false
}

// Len returns the number of starts inside the current window.
func (w *SlidingWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-w.window)
	n := 0
	for _, t := range w.starts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
