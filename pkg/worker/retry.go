package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jdziat/durable-research/pkg/core"
)

// StoreRetry is how the worker retries its own calls to the run store:
// dequeue, complete, fail and heartbeat. It has nothing to do with the
// attempt budget of a run.
type StoreRetry struct {
	Tries  int
	Wait   Backoff
	Jitter float64 // fraction of each wait randomized either way
}

// DefaultStoreRetry is used for complete, fail and heartbeat writes.
func DefaultStoreRetry() StoreRetry {
	return StoreRetry{
		Tries:  5,
		Wait:   Backoff{Initial: 100 * time.Millisecond, Max: 5 * time.Second},
		Jitter: 0.1,
	}
}

// defaultDequeueRetry gives up sooner and waits longer, so an idle worker
// does not hammer a database that is down.
func defaultDequeueRetry() StoreRetry {
	return StoreRetry{
		Tries:  3,
		Wait:   Backoff{Initial: 500 * time.Millisecond, Max: 10 * time.Second},
		Jitter: 0.2,
	}
}

// do calls op until it succeeds, fails permanently, the tries run out or
// ctx ends. The last error from op is returned.
func (r StoreRetry) do(ctx context.Context, op func() error) error {
	tries := max(r.Tries, 1)
	var err error
	for try := 1; ; try++ {
		if err = op(); err == nil || !transient(err) || try >= tries {
			return err
		}
		t := time.NewTimer(r.pause(try))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (r StoreRetry) pause(try int) time.Duration {
	d := r.Wait.Delay(try)
	if r.Jitter <= 0 {
		return d
	}
	spread := float64(d) * r.Jitter * (2*rand.Float64() - 1)
	if j := d + time.Duration(spread); j > 0 {
		return j
	}
	return d
}

// transient reports whether a store error may succeed on a later try.
// Cancellation and a lost run lock never do; anything else (dropped
// connections, lock timeouts, deadlocks) is assumed to.
func transient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, core.ErrRunNotOwned):
		return false
	}
	return true
}
