package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultBaseURL = "https://api.telegram.org"

// Notifier pushes operator alerts.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Client sends messages to one chat through the Bot API.
type Client struct {
	token   string
	chatID  string
	baseURL string
	http    *http.Client
	log     logrus.FieldLogger
}

// New returns a client, or Disabled when credentials are missing.
func New(token, chatID string, log logrus.FieldLogger) Notifier {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if token == "" || chatID == "" {
		log.Warn("Telegram credentials missing, notifications disabled")
		return Disabled{}
	}
	return &Client{
		token:   token,
		chatID:  chatID,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

type apiResponse struct {
	Ok          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
}

// Notify sends text as a Markdown message.
func (c *Client) Notify(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id":    c.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Debugf("Telegram notify: %s", text)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil || !out.Ok {
		if out.Description != "" {
			return fmt.Errorf("telegram: %s (code %d)", out.Description, out.ErrorCode)
		}
		return fmt.Errorf("telegram: status %s", resp.Status)
	}
	return nil
}

// Disabled drops every message.
type Disabled struct{}

// Notify does nothing.
func (Disabled) Notify(context.Context, string) error { return nil }
