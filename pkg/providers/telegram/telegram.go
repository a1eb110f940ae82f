// Package telegram delivers messages through the Telegram Bot API and
// decodes the updates it posts back.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jdziat/durable-research/pkg/core"
)

// DefaultAPIURL is the public Bot API.
const DefaultAPIURL = "https://api.telegram.org"

// maxText is the Bot API limit on message length.
const maxText = 4096

// Config configures the bot.
type Config struct {
	Token         string        `yaml:"token"`
	APIURL        string        `yaml:"api_url"`
	WebhookSecret string        `yaml:"webhook_secret"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Bot sends messages as one bot.
type Bot struct {
	client *http.Client
	base   string
}

var _ core.Notifier = (*Bot)(nil)

// New creates a bot. A nil client gets one with cfg.Timeout.
func New(client *http.Client, cfg Config) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: bot token required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Bot{
		client: client,
		base:   strings.TrimSuffix(cfg.APIURL, "/") + "/bot" + cfg.Token,
	}, nil
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendMessage struct {
	ChatID      string       `json:"chat_id"`
	Text        string       `json:"text"`
	ReplyMarkup *replyMarkup `json:"reply_markup,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Notify sends msg to the chat channelID. It reports false without an error
// when Telegram refuses the chat permanently (bot blocked, chat gone).
func (b *Bot) Notify(ctx context.Context, channelID string, msg core.Message) (bool, error) {
	body := sendMessage{ChatID: channelID, Text: clip(msg.Text)}
	if len(msg.Buttons) > 0 {
		kb := make([][]inlineButton, 0, len(msg.Buttons))
		for _, row := range msg.Buttons {
			r := make([]inlineButton, 0, len(row))
			for _, btn := range row {
				r = append(r, inlineButton{Text: btn.Text, CallbackData: btn.Data})
			}
			kb = append(kb, r)
		}
		body.ReplyMarkup = &replyMarkup{InlineKeyboard: kb}
	}

	err := b.call(ctx, "sendMessage", body)
	var refused *refusedError
	if errors.As(err, &refused) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AnswerCallback acknowledges a button press so the client stops its
// loading indicator.
func (b *Bot) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return b.call(ctx, "answerCallbackQuery", map[string]string{
		"callback_query_id": callbackID,
		"text":              text,
	})
}

type refusedError struct{ desc string }

func (e *refusedError) Error() string { return "telegram: chat refused: " + e.desc }

func (b *Bot) call(ctx context.Context, method string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/"+method, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("telegram: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("telegram: %s: %s", method, resp.Status)
	}
	if out.OK {
		return nil
	}

	switch {
	case out.ErrorCode == http.StatusTooManyRequests:
		wait := time.Duration(out.Parameters.RetryAfter) * time.Second
		if wait <= 0 {
			wait = time.Second
		}
		return core.RetryAfter(wait, fmt.Errorf("telegram: %s: %s", method, out.Description))
	case out.ErrorCode == http.StatusForbidden,
		out.ErrorCode == http.StatusBadRequest && strings.Contains(strings.ToLower(out.Description), "chat not found"):
		return &refusedError{desc: out.Description}
	default:
		return fmt.Errorf("telegram: %s: %d %s", method, out.ErrorCode, out.Description)
	}
}

func clip(s string) string {
	r := []rune(s)
	if len(r) <= maxText {
		return s
	}
	return string(r[:maxText-1]) + "…"
}
