// Package telegram talks to the Bot API: outbound alerts with optional
// inline buttons and a long-poll listener for commands and button presses.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const defaultAPI = "https://api.telegram.org"

var ErrNotConfigured = errors.New("telegram credentials missing")

// Button represents an inline keyboard button.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// Client is bound to a single authorized chat.
type Client struct {
	token   string
	chatID  int64
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(token, chatID string, logger *zap.Logger) (*Client, error) {
	if token == "" || chatID == "" {
		return nil, ErrNotConfigured
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		token:   token,
		chatID:  id,
		baseURL: defaultAPI,
		// long polls hold the connection for up to pollTimeout
		http:   &http.Client{Timeout: pollTimeout + 15*time.Second},
		logger: logger,
	}, nil
}

// WithBaseURL points the client at another API host.
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = u
	return c
}

type apiResponse struct {
	Ok          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var res apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("telegram %s: decode (status %s): %w", method, resp.Status, err)
	}
	if !res.Ok {
		return fmt.Errorf("telegram %s: %s (code %d)", method, res.Description, res.ErrorCode)
	}
	if out != nil {
		return json.Unmarshal(res.Result, out)
	}
	return nil
}

// Notify sends a Markdown message to the chat.
func (c *Client) Notify(ctx context.Context, text string) error {
	c.logger.Debug("telegram notify", zap.String("text", text))
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id":    c.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}, nil)
}

// SendInteractive sends a message with one row of inline buttons.
func (c *Client) SendInteractive(ctx context.Context, text string, buttons []Button) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id":    c.chatID,
		"text":       text,
		"parse_mode": "Markdown",
		"reply_markup": map[string]any{
			"inline_keyboard": [][]Button{buttons},
		},
	}, nil)
}

// AnswerCallback acknowledges a button press, showing text as a toast.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return c.call(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
		"text":              text,
	}, nil)
}
