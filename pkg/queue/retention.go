package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jdziat/durable-research/pkg/core"
)

// Bound limits how many finished runs of one status are kept.
// A run is pruned when it is older than MaxAge or falls outside the newest
// MaxCount. Zero MaxAge disables the age bound; negative MaxCount disables
// the count bound.
type Bound struct {
	MaxAge   time.Duration `yaml:"max_age"`
	MaxCount int           `yaml:"max_count"`
}

// Retention holds the bounds for completed and failed runs.
type Retention struct {
	Completed Bound `yaml:"completed"`
	Failed    Bound `yaml:"failed"`
	Cancelled Bound `yaml:"cancelled"`
}

// DefaultRetention keeps completed runs for a day (newest 100) and failed
// runs for a week (newest 50).
func DefaultRetention() Retention {
	return Retention{
		Completed: Bound{MaxAge: 24 * time.Hour, MaxCount: 100},
		Failed:    Bound{MaxAge: 7 * 24 * time.Hour, MaxCount: 50},
		Cancelled: Bound{MaxAge: 24 * time.Hour, MaxCount: 100},
	}
}

// SetRetention replaces the retention bounds used by Prune.
func (q *Queue) SetRetention(r Retention) {
	q.mu.Lock()
	q.retention = r
	q.mu.Unlock()
}

// Retention returns the retention bounds used by Prune.
func (q *Queue) Retention() Retention {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.retention
}

// Prune deletes finished runs outside the retention bounds.
// Pending and running runs are never touched.
func (q *Queue) Prune(ctx context.Context, now time.Time) (int64, error) {
	r := q.Retention()

	var total int64
	for _, b := range []struct {
		status core.RunStatus
		bound  Bound
	}{
		{core.RunStatusCompleted, r.Completed},
		{core.RunStatusFailed, r.Failed},
		{core.RunStatusCancelled, r.Cancelled},
	} {
		cutoff := time.Time{}
		if b.bound.MaxAge > 0 {
			cutoff = now.Add(-b.bound.MaxAge)
		}
		n, err := q.store.PruneRuns(ctx, b.status, cutoff, b.bound.MaxCount)
		if err != nil {
			return total, fmt.Errorf("research: prune %s runs: %w", b.status, err)
		}
		total += n
	}
	return total, nil
}
