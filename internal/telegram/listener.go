package telegram

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	pollTimeout  = 50 * time.Second
	errorBackoff = 5 * time.Second
)

// Update represents a Telegram Update object (partial schema)
type Update struct {
	UpdateID      int            `json:"update_id"`
	Message       *Message       `json:"message"`
	CallbackQuery *CallbackQuery `json:"callback_query"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Message struct {
	Text string `json:"text"`
	Chat Chat   `json:"chat"`
	From User   `json:"from"`
}

type CallbackQuery struct {
	ID      string   `json:"id"`
	Data    string   `json:"data"`
	From    User     `json:"from"`
	Message *Message `json:"message"`
}

// CommandHandler handles a "/command args" line and returns the reply.
type CommandHandler func(ctx context.Context, command string) string

// CallbackHandler handles button data and returns the toast text.
type CallbackHandler func(ctx context.Context, data string) string

// Listen long-polls getUpdates until ctx is done. Updates from other chats
// are logged and dropped without a reply.
func (c *Client) Listen(ctx context.Context, onCommand CommandHandler, onCallback CallbackHandler) {
	offset := 0
	c.logger.Info("telegram listener started")
	defer c.logger.Info("telegram listener stopped")

	for ctx.Err() == nil {
		var updates []Update
		err := c.call(ctx, "getUpdates", map[string]any{
			"offset":          offset,
			"timeout":         int(pollTimeout / time.Second),
			"allowed_updates": []string{"message", "callback_query"},
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("telegram poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}

		for _, u := range updates {
			offset = u.UpdateID + 1
			c.dispatch(ctx, u, onCommand, onCallback)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, u Update, onCommand CommandHandler, onCallback CallbackHandler) {
	switch {
	case u.Message != nil:
		m := u.Message
		if m.Chat.ID != c.chatID {
			c.logger.Warn("unauthorized telegram command",
				zap.String("user", m.From.Username), zap.Int64("chat", m.Chat.ID), zap.String("text", m.Text))
			return
		}
		text := strings.TrimSpace(m.Text)
		if !strings.HasPrefix(text, "/") || onCommand == nil {
			return
		}
		c.logger.Info("command received", zap.String("command", text))
		if reply := onCommand(ctx, text); reply != "" {
			if err := c.Notify(ctx, reply); err != nil {
				c.logger.Warn("command reply failed", zap.Error(err))
			}
		}

	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		if q.Message == nil || q.Message.Chat.ID != c.chatID {
			c.logger.Warn("unauthorized telegram callback",
				zap.String("user", q.From.Username), zap.String("data", q.Data))
			return
		}
		if onCallback == nil {
			return
		}
		toast := onCallback(ctx, q.Data)
		if err := c.AnswerCallback(ctx, q.ID, toast); err != nil {
			c.logger.Warn("callback answer failed", zap.Error(err))
		}
	}
}
