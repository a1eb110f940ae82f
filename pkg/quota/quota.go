// Package quota enforces the per-user daily cap on job creation.
//
// Counters are keyed by calendar day, so a new day starts from zero without
// any reset job. The ledger is consulted when a job is created and never when
// one resumes.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/jdziat/durable-research/pkg/core"
)

// DefaultDailyCap applies to users without a configured cap.
const DefaultDailyCap = 10

// Ledger reads and bumps daily job counters.
type Ledger struct {
	store      core.QuotaStore
	defaultCap int
	loc        *time.Location
	now        func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithDefaultCap sets the cap for users with no record yet.
func WithDefaultCap(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.defaultCap = n
		}
	}
}

// WithLocation sets the time zone calendar days are computed in. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// NewLedger creates a ledger over store.
func NewLedger(store core.QuotaStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		defaultCap: DefaultDailyCap,
		loc:        time.UTC,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Usage is a user's standing for the current day.
type Usage struct {
	UserID       string `json:"user_id"`
	Day          string `json:"day"`
	JobsToday    int    `json:"jobs_today"`
	MaxPerDay    int    `json:"max_jobs_per_day"`
	LifetimeJobs int64  `json:"lifetime_jobs"`
}

// Remaining returns how many more jobs the user may start today.
func (u Usage) Remaining() int {
	if n := u.MaxPerDay - u.JobsToday; n > 0 {
		return n
	}
	return 0
}

// Today returns the day key counters are stored under.
func (l *Ledger) Today() string {
	return l.now().In(l.loc).Format(time.DateOnly)
}

// Usage returns the user's counters for today. A record from an earlier day
// reports zero jobs today.
func (l *Ledger) Usage(ctx context.Context, userID string) (Usage, error) {
	today := l.Today()
	rec, err := l.store.GetQuota(ctx, userID)
	if err != nil {
		return Usage{}, fmt.Errorf("quota: get %s: %w", userID, err)
	}
	u := Usage{UserID: userID, Day: today, MaxPerDay: l.defaultCap}
	if rec == nil {
		return u, nil
	}
	u.MaxPerDay = rec.MaxJobsPerDay
	u.LifetimeJobs = rec.LifetimeJobs
	if rec.Day == today {
		u.JobsToday = rec.JobsToday
	}
	return u, nil
}

// CanStart reports whether the user may create another job today.
func (l *Ledger) CanStart(ctx context.Context, userID string) (bool, error) {
	u, err := l.Usage(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.JobsToday < u.MaxPerDay, nil
}

// Increment counts one created job against today.
func (l *Ledger) Increment(ctx context.Context, userID string) error {
	if err := l.store.IncrementQuota(ctx, userID, l.Today(), l.defaultCap); err != nil {
		return fmt.Errorf("quota: increment %s: %w", userID, err)
	}
	return nil
}

// SetCap changes a user's daily cap.
func (l *Ledger) SetCap(ctx context.Context, userID string, maxPerDay int) error {
	if maxPerDay < 0 {
		maxPerDay = 0
	}
	if err := l.store.SetQuotaCap(ctx, userID, maxPerDay); err != nil {
		return fmt.Errorf("quota: set cap %s: %w", userID, err)
	}
	return nil
}
