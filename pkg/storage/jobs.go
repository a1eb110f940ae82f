package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/security"
)

// CreateJob inserts a new research job in the pending state.
func (s *GormStorage) CreateJob(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Version == 0 {
		job.Version = 1
	}
	job.Status = core.StatusFor(job.Stage, job.Terminal)
	return s.db.WithContext(ctx).Create(job).Error
}

// GetJob retrieves a job by its logical id.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// SaveJob writes job back if nobody else saved it since it was read.
// On success job.Version is advanced; on conflict it is left untouched and
// core.ErrStaleJob is returned.
func (s *GormStorage) SaveJob(ctx context.Context, job *core.Job) error {
	job.Status = core.StatusFor(job.Stage, job.Terminal)
	job.LastError = security.CleanError(job.LastError)

	prev := job.Version
	job.Version = prev + 1

	result := s.db.WithContext(ctx).
		Model(job).
		Where("version = ?", prev).
		Select("*").
		Omit("id", "created_at").
		Updates(job)
	if result.Error != nil {
		job.Version = prev
		return result.Error
	}
	if result.RowsAffected == 0 {
		job.Version = prev
		return core.ErrStaleJob
	}
	return nil
}

// ListJobsByUser returns a user's most recent jobs first.
func (s *GormStorage) ListJobsByUser(ctx context.Context, userID string, limit int) ([]*core.Job, error) {
	var jobs []*core.Job
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ListExpiredClarifications returns jobs still waiting for an answer whose
// clarification deadline passed, oldest deadline first.
func (s *GormStorage) ListExpiredClarifications(ctx context.Context, now time.Time, limit int) ([]*core.Job, error) {
	var jobs []*core.Job
	err := s.db.WithContext(ctx).
		Where("status = ? AND clarification_response = ? AND clarification_timeout_at IS NOT NULL AND clarification_timeout_at < ?",
			core.StatusAwaitingClarification, "", now).
		Order("clarification_timeout_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// CreateNote persists a generated note.
func (s *GormStorage) CreateNote(ctx context.Context, note *core.Note) error {
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(note).Error
}

// GetNote retrieves a note by id. Returns nil when it does not exist.
func (s *GormStorage) GetNote(ctx context.Context, noteID string) (*core.Note, error) {
	var note core.Note
	err := s.db.WithContext(ctx).First(&note, "id = ?", noteID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &note, nil
}

// LinkNoteToTask records noteID as the task's generated note.
func (s *GormStorage) LinkNoteToTask(ctx context.Context, taskID, noteID string) error {
	result := s.db.WithContext(ctx).
		Model(&core.Task{}).
		Where("id = ?", taskID).
		Update("note_id", noteID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrTaskNotFound
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *GormStorage) GetTask(ctx context.Context, taskID string) (*core.Task, error) {
	var task core.Task
	err := s.db.WithContext(ctx).First(&task, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// SaveTask inserts or replaces a task.
func (s *GormStorage) SaveTask(ctx context.Context, task *core.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(task).Error
}

// GetAutomation returns the enabled policy for a category.
func (s *GormStorage) GetAutomation(ctx context.Context, categoryID string) (*core.AutomationConfig, error) {
	var cfg core.AutomationConfig
	err := s.db.WithContext(ctx).First(&cfg, "category_id = ?", categoryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrNoAutomation
	}
	if err != nil {
		return nil, err
	}
	if cfg.Disabled {
		return nil, core.ErrNoAutomation
	}
	return &cfg, nil
}

// SaveAutomation inserts or replaces a category policy.
func (s *GormStorage) SaveAutomation(ctx context.Context, cfg *core.AutomationConfig) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(cfg).Error
}
