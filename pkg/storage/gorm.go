package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/security"
)

// lockDuration is how long a dequeued run stays locked without a heartbeat.
const lockDuration = 5 * time.Minute

// GormStorage implements the pipeline stores using GORM.
type GormStorage struct {
	db *gorm.DB
}

var (
	_ core.RunStore          = (*GormStorage)(nil)
	_ core.JobStore          = (*GormStorage)(nil)
	_ core.ConversationStore = (*GormStorage)(nil)
	_ core.QuotaStore        = (*GormStorage)(nil)
	_ core.NoteStore         = (*GormStorage)(nil)
	_ core.TaskStore         = (*GormStorage)(nil)
)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying connection.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the connection uses the SQLite dialect.
func (s *GormStorage) IsSQLite() bool {
	if s.db == nil || s.db.Dialector == nil {
		return false
	}
	return s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(models()...)
}

// models lists every table the store owns.
func models() []any {
	return []any{
		&core.Run{},
		&core.Job{},
		&core.Conversation{},
		&core.QuotaRecord{},
		&core.Note{},
		&core.Task{},
		&core.AutomationConfig{},
	}
}

// Enqueue adds a run to the queue. A run whose ID is already taken, in any
// status, is rejected with core.ErrDuplicateRun.
func (s *GormStorage) Enqueue(ctx context.Context, run *core.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = core.RunStatusPending
	}
	if run.Queue == "" {
		run.Queue = "default"
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&core.Run{}).Where("id = ?", run.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return core.ErrDuplicateRun
		}
		return tx.Create(run).Error
	})
}

// Dequeue fetches and locks the next available run.
func (s *GormStorage) Dequeue(ctx context.Context, queues []string, workerID string) (*core.Run, error) {
	var run core.Run
	now := time.Now()
	lockUntil := now.Add(lockDuration)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Where("queue IN ?", queues).
			Where("status = ?", core.RunStatusPending).
			Where("attempt < max_attempts").
			Where("(run_at IS NULL OR run_at <= ?)", now).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Order("priority DESC, created_at ASC").
			First(&run)

		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return result.Error
		}

		// Claim with a guarded update so two workers racing on the same
		// row cannot both win.
		claim := tx.Model(&core.Run{}).
			Where("id = ? AND status = ? AND attempt < max_attempts", run.ID, core.RunStatusPending).
			Updates(map[string]any{
				"status":       core.RunStatusRunning,
				"locked_by":    workerID,
				"locked_until": lockUntil,
				"started_at":   now,
				"attempt":      gorm.Expr("attempt + 1"),
			})
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			run = core.Run{}
			return nil
		}

		run.Status = core.RunStatusRunning
		run.LockedBy = workerID
		run.LockedUntil = &lockUntil
		run.StartedAt = &now
		run.Attempt++
		return nil
	})

	if err != nil {
		return nil, err
	}
	if run.ID == "" {
		return nil, nil
	}
	return &run, nil
}

// updateOwned applies fields to a run only while workerID holds its lock.
func (s *GormStorage) updateOwned(ctx context.Context, runID, workerID string, fields map[string]any) error {
	res := s.db.WithContext(ctx).
		Model(&core.Run{}).
		Where("id = ? AND locked_by = ?", runID, workerID).
		Updates(fields)
	switch {
	case res.Error != nil:
		return res.Error
	case res.RowsAffected == 0:
		return core.ErrRunNotOwned
	}
	return nil
}

// Complete finishes a run held by workerID.
func (s *GormStorage) Complete(ctx context.Context, runID, workerID string) error {
	return s.updateOwned(ctx, runID, workerID, map[string]any{
		"status":       core.RunStatusCompleted,
		"completed_at": time.Now(),
		"locked_by":    "",
		"locked_until": nil,
	})
}

// Fail records errMsg on a run held by workerID. With retryAt the run goes
// back to pending until then; without it the run is failed for good.
func (s *GormStorage) Fail(ctx context.Context, runID, workerID, errMsg string, retryAt *time.Time) error {
	fields := map[string]any{
		"last_error":   security.CleanError(errMsg),
		"locked_by":    "",
		"locked_until": nil,
		"status":       core.RunStatusFailed,
		"completed_at": time.Now(),
	}
	if retryAt != nil {
		fields["status"] = core.RunStatusPending
		fields["run_at"] = *retryAt
		fields["completed_at"] = nil
	}
	return s.updateOwned(ctx, runID, workerID, fields)
}

// Heartbeat pushes the lock of a run held by workerID forward. It returns
// core.ErrRunNotOwned once the lock was released, so the worker stops
// beating for a run someone else may now hold.
func (s *GormStorage) Heartbeat(ctx context.Context, runID, workerID string) error {
	now := time.Now()
	return s.updateOwned(ctx, runID, workerID, map[string]any{
		"locked_until":      now.Add(lockDuration),
		"last_heartbeat_at": now,
	})
}

// Release hands a run held by workerID back to the queue without spending
// the attempt it was claimed with, for runs interrupted before they finished.
func (s *GormStorage) Release(ctx context.Context, runID, workerID, reason string) error {
	return s.updateOwned(ctx, runID, workerID, map[string]any{
		"status":       core.RunStatusPending,
		"attempt":      gorm.Expr("CASE WHEN attempt > 0 THEN attempt - 1 ELSE 0 END"),
		"last_error":   security.CleanError(reason),
		"run_at":       time.Now(),
		"locked_by":    "",
		"locked_until": nil,
	})
}

// staleFinalError is recorded on runs whose lock expired on their last attempt.
const staleFinalError = "lock expired on final attempt"

// ReleaseStaleLocks reclaims runs whose lock expired more than staleDuration
// ago, so work held by a crashed worker is picked up again. A run that was
// on its final attempt is failed instead of being claimed past its limit.
func (s *GormStorage) ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleDuration)
	var released int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := func() *gorm.DB {
			return tx.Model(&core.Run{}).
				Where("status = ?", core.RunStatusRunning).
				Where("locked_until < ?", cutoff)
		}

		failed := stale().
			Where("attempt >= max_attempts").
			Updates(map[string]any{
				"status":       core.RunStatusFailed,
				"last_error":   staleFinalError,
				"completed_at": time.Now(),
				"locked_by":    "",
				"locked_until": nil,
			})
		if failed.Error != nil {
			return failed.Error
		}

		requeued := stale().
			Where("attempt < max_attempts").
			Updates(map[string]any{
				"status":       core.RunStatusPending,
				"locked_by":    "",
				"locked_until": nil,
			})
		if requeued.Error != nil {
			return requeued.Error
		}
		released = failed.RowsAffected + requeued.RowsAffected
		return nil
	})
	return released, err
}

// GetRun retrieves a run by handle. Returns nil when it does not exist.
func (s *GormStorage) GetRun(ctx context.Context, runID string) (*core.Run, error) {
	var run core.Run
	err := s.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRunsByJob returns every retained run of a logical job, oldest first.
func (s *GormStorage) GetRunsByJob(ctx context.Context, jobID string) ([]*core.Run, error) {
	var runs []*core.Run
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&runs).Error
	return runs, err
}

// GetRunsByStatus retrieves runs by status.
func (s *GormStorage) GetRunsByStatus(ctx context.Context, status core.RunStatus, limit int) ([]*core.Run, error) {
	var runs []*core.Run
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// CancelPendingRuns cancels the runs of a job that no worker holds yet.
func (s *GormStorage) CancelPendingRuns(ctx context.Context, jobID string) (int64, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Run{}).
		Where("job_id = ? AND status = ?", jobID, core.RunStatusPending).
		Where("(locked_until IS NULL OR locked_until < ?)", now).
		Updates(map[string]any{
			"status":       core.RunStatusCancelled,
			"completed_at": now,
		})
	return result.RowsAffected, result.Error
}

// PruneRuns deletes runs in status that finished before olderThan, then
// trims the remainder to the newest keep rows. A negative keep disables the
// count bound.
func (s *GormStorage) PruneRuns(ctx context.Context, status core.RunStatus, olderThan time.Time, keep int) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Where("status = ? AND completed_at < ?", status, olderThan).
			Delete(&core.Run{})
		if result.Error != nil {
			return result.Error
		}
		deleted += result.RowsAffected

		if keep < 0 {
			return nil
		}

		var ids []string
		if err := tx.Model(&core.Run{}).
			Where("status = ?", status).
			Order("completed_at DESC, id DESC").
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) <= keep {
			return nil
		}

		result = tx.Where("id IN ?", ids[keep:]).Delete(&core.Run{})
		if result.Error != nil {
			return result.Error
		}
		deleted += result.RowsAffected
		return nil
	})
	return deleted, err
}
