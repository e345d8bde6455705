// Package notify pushes download reports to messaging services,
// batching per series so one feed tick produces one message.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sender delivers one message to one service.
type Sender interface {
	Name() string
	Send(ctx context.Context, title, body string) error
}

const senderTimeout = 15 * time.Second

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode > 299 {
		return errors.New("unexpected status " + resp.Status)
	}
	return nil
}

// TelegramSender posts through the Bot API.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiBase: "https://api.telegram.org",
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: senderTimeout},
	}
}

func (s *TelegramSender) Name() string { return "telegram" }

func (s *TelegramSender) Send(ctx context.Context, title, body string) error {
	return postJSON(ctx, s.client, fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, s.token), map[string]string{
		"chat_id": s.chatID,
		"text":    title + "\n" + body,
	})
}

// PushPlusSender posts through the pushplus.plus service.
type PushPlusSender struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewPushPlusSender(token string) *PushPlusSender {
	return &PushPlusSender{
		endpoint: "https://www.pushplus.plus/send",
		token:    token,
		client:   &http.Client{Timeout: senderTimeout},
	}
}

func (s *PushPlusSender) Name() string { return "pushplus" }

func (s *PushPlusSender) Send(ctx context.Context, title, body string) error {
	return postJSON(ctx, s.client, s.endpoint, map[string]string{
		"token":    s.token,
		"title":    title,
		"content":  body,
		"template": "txt",
	})
}
