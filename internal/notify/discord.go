package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"htbtracker/internal/metrics"
)

// ErrMessageGone is returned when the webhook message to edit no longer exists.
var ErrMessageGone = errors.New("webhook message not found")

type WebhookPayload struct {
	Username  string  `json:"username,omitempty"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Content   string  `json:"content,omitempty"`
	Embeds    []Embed `json:"embeds"`
}

type Embed struct {
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	URL         string          `json:"url,omitempty"`
	Color       int             `json:"color,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
	Footer      *EmbedFooter    `json:"footer,omitempty"`
	Thumbnail   *EmbedThumbnail `json:"thumbnail,omitempty"`
	Fields      []EmbedField    `json:"fields,omitempty"`
}

type EmbedFooter struct {
	Text    string `json:"text,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

type EmbedThumbnail struct {
	URL string `json:"url"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Webhook posts, edits and deletes messages through one Discord webhook URL.
type Webhook struct {
	URL    string
	Client *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{URL: strings.TrimRight(url, "/"), Client: &http.Client{Timeout: 30 * time.Second}}
}

type messageResponse struct {
	ID string `json:"id"`
}

// Post sends a new message and returns its id.
func (w *Webhook) Post(ctx context.Context, p WebhookPayload) (string, error) {
	body, err := w.send(ctx, "post", http.MethodPost, w.URL+"?wait=true", p)
	if errors.Is(err, ErrMessageGone) {
		return "", errors.New("webhook does not exist")
	}
	if err != nil {
		return "", err
	}
	var msg messageResponse
	if err := json.Unmarshal(body, &msg); err != nil {
		return "", fmt.Errorf("decode webhook response: %w", err)
	}
	if msg.ID == "" {
		return "", errors.New("webhook response carried no message id")
	}
	return msg.ID, nil
}

// Edit replaces the content of an earlier message.
func (w *Webhook) Edit(ctx context.Context, messageID string, p WebhookPayload) error {
	_, err := w.send(ctx, "edit", http.MethodPatch, w.URL+"/messages/"+messageID, p)
	return err
}

// Delete removes a message. A message that is already gone is not an error.
func (w *Webhook) Delete(ctx context.Context, messageID string) error {
	_, err := w.send(ctx, "delete", http.MethodDelete, w.URL+"/messages/"+messageID, nil)
	if errors.Is(err, ErrMessageGone) {
		return nil
	}
	return err
}

func (w *Webhook) send(ctx context.Context, action, method, url string, p any) ([]byte, error) {
	var reader io.Reader
	if p != nil {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal webhook payload: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if p != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		metrics.ChatMessages.WithLabelValues(action, "error").Inc()
		return nil, fmt.Errorf("webhook %s: %w", action, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		metrics.ChatMessages.WithLabelValues(action, "gone").Inc()
		return nil, ErrMessageGone
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		metrics.ChatMessages.WithLabelValues(action, "error").Inc()
		snippet := body
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, fmt.Errorf("webhook %s returned %d: %s", action, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	metrics.ChatMessages.WithLabelValues(action, "ok").Inc()
	return body, nil
}
