package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/durable-research/pkg/core"
)

// GetQuota returns the user's quota record, or nil if the user never started a job.
func (s *GormStorage) GetQuota(ctx context.Context, userID string) (*core.QuotaRecord, error) {
	var rec core.QuotaRecord
	err := s.db.WithContext(ctx).First(&rec, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// IncrementQuota upserts the user's counter in a single statement. When the
// stored day differs from day the counter restarts at one; the lifetime
// counter always grows. Concurrent callers never lose an increment.
func (s *GormStorage) IncrementQuota(ctx context.Context, userID, day string, defaultCap int) error {
	rec := core.QuotaRecord{
		UserID:        userID,
		Day:           day,
		JobsToday:     1,
		MaxJobsPerDay: defaultCap,
		LifetimeJobs:  1,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"jobs_today":    gorm.Expr("CASE WHEN quota_records.day = ? THEN quota_records.jobs_today + 1 ELSE 1 END", day),
				"day":           day,
				"lifetime_jobs": gorm.Expr("quota_records.lifetime_jobs + 1"),
				"updated_at":    time.Now(),
			}),
		}).
		Create(&rec).Error
}

// SetQuotaCap sets a user's daily cap, creating the record if needed.
func (s *GormStorage) SetQuotaCap(ctx context.Context, userID string, maxPerDay int) error {
	rec := core.QuotaRecord{
		UserID:        userID,
		MaxJobsPerDay: maxPerDay,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{"max_jobs_per_day": maxPerDay}),
		}).
		Create(&rec).Error
}
