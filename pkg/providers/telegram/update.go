package telegram

import (
	"strconv"
	"strings"
)

// Update is the subset of a Bot API update the service reacts to.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// Message is an incoming text message.
type Message struct {
	MessageID int64  `json:"message_id"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// CallbackQuery is a press of an inline button.
type CallbackQuery struct {
	ID      string   `json:"id"`
	Data    string   `json:"data"`
	Message *Message `json:"message,omitempty"`
}

// Kind of an update.
type Kind int

const (
	KindIgnored Kind = iota
	KindText
	KindCallback
)

// Route says what an update carries: the channel (chat id as a string) and
// either the callback data or the message text.
func (u *Update) Route() (kind Kind, channelID, payload string) {
	switch {
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil:
		return KindCallback, chatID(u.CallbackQuery.Message.Chat), u.CallbackQuery.Data
	case u.Message != nil && strings.TrimSpace(u.Message.Text) != "" && !strings.HasPrefix(u.Message.Text, "/"):
		return KindText, chatID(u.Message.Chat), u.Message.Text
	default:
		return KindIgnored, "", ""
	}
}

func chatID(c Chat) string {
	return strconv.FormatInt(c.ID, 10)
}
