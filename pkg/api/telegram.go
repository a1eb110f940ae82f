package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/providers/telegram"
)

// CallbackAcker acknowledges button presses. *telegram.Bot satisfies it.
type CallbackAcker interface {
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// TelegramWebhook serves POST /v1/telegram/webhook. When secret is set,
// requests without the matching secret header are rejected.
func (s *Server) TelegramWebhook(r *gin.Engine, secret string, acker CallbackAcker) {
	r.POST("/v1/telegram/webhook", func(c *gin.Context) {
		if secret != "" && c.GetHeader(secretHeader) != secret {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad secret"})
			return
		}
		var u telegram.Update
		if err := c.ShouldBindJSON(&u); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// Telegram redelivers on anything but 200, so failures are only logged.
		ctx := c.Request.Context()
		kind, channelID, payload := u.Route()
		log := s.logger.With("update_id", u.UpdateID, "channel_id", channelID)
		switch kind {
		case telegram.KindCallback:
			_, err := s.clarify.HandleCallback(ctx, channelID, payload)
			if acker != nil {
				if ackErr := acker.AnswerCallback(ctx, u.CallbackQuery.ID, ackText(err)); ackErr != nil {
					log.Warn("failed to answer callback", "error", ackErr)
				}
			}
			if err != nil && !ignorable(err) {
				log.Error("callback failed", "error", err)
			}
		case telegram.KindText:
			if _, err := s.clarify.HandleText(ctx, channelID, payload); err != nil && !ignorable(err) {
				log.Error("reply failed", "error", err)
			}
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
}

func ignorable(err error) bool {
	return errors.Is(err, core.ErrNotClarification) ||
		errors.Is(err, core.ErrAlreadyAnswered) ||
		errors.Is(err, core.ErrInvalidCallback)
}

func ackText(err error) string {
	switch {
	case err == nil:
		return "Got it"
	case errors.Is(err, core.ErrAlreadyAnswered):
		return "Already answered"
	case errors.Is(err, core.ErrNotClarification):
		return "This question is closed"
	default:
		return "Something went wrong"
	}
}
