package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/durable-research/pkg/core"
)

// GetConversation returns the channel's clarification record, or nil if the
// channel never had one.
func (s *GormStorage) GetConversation(ctx context.Context, channelID string) (*core.Conversation, error) {
	var conv core.Conversation
	err := s.db.WithContext(ctx).First(&conv, "channel_id = ?", channelID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// OpenConversation binds the channel to conv.JobID, replacing whatever
// question the channel held before.
func (s *GormStorage) OpenConversation(ctx context.Context, conv *core.Conversation) error {
	conv.State = core.ConversationAwaiting
	conv.AwaitingText = false
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_id"}},
			UpdateAll: true,
		}).
		Create(conv).Error
}

// MarkAwaitingText switches an open conversation to expect a typed answer.
func (s *GormStorage) MarkAwaitingText(ctx context.Context, channelID, jobID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Conversation{}).
		Where("channel_id = ? AND job_id = ? AND state = ?", channelID, jobID, core.ConversationAwaiting).
		Update("awaiting_text", true)
	return result.RowsAffected > 0, result.Error
}

// CloseConversation returns the channel to idle and detaches the job. It is
// a no-op when the channel has meanwhile been bound to another job.
func (s *GormStorage) CloseConversation(ctx context.Context, channelID, jobID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Conversation{}).
		Where("channel_id = ? AND job_id = ?", channelID, jobID).
		Updates(map[string]any{
			"state":         core.ConversationIdle,
			"job_id":        "",
			"awaiting_text": false,
			"expires_at":    nil,
		})
	return result.RowsAffected > 0, result.Error
}

// ListExpiredConversations returns open conversations whose deadline passed.
func (s *GormStorage) ListExpiredConversations(ctx context.Context, now time.Time, limit int) ([]*core.Conversation, error) {
	var convs []*core.Conversation
	err := s.db.WithContext(ctx).
		Where("state = ? AND expires_at IS NOT NULL AND expires_at < ?", core.ConversationAwaiting, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&convs).Error
	return convs, err
}
