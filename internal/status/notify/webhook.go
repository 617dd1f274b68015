package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"sensorwatch/internal/status/application"
	"sensorwatch/internal/transport"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Sensorwatch-Signature"

// Message is a status event plus its rendered text.
type Message struct {
	Event application.Event
	Text  string
}

// Channel delivers a rendered status event.
type Channel interface {
	Send(ctx context.Context, msg Message) error
}

// statusPayload is the JSON body posted to the webhook.
type statusPayload struct {
	Source   string    `json:"source"`
	Event    string    `json:"event"`
	DeviceID string    `json:"device_id,omitempty"`
	IssueID  string    `json:"issue_id,omitempty"`
	Tag      string    `json:"tag,omitempty"`
	Message  string    `json:"message"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

// WebhookChannel posts status events as JSON.
type WebhookChannel struct {
	url    string
	secret []byte
	client *http.Client
}

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebhookChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// WithSecret signs every body with HMAC-SHA256.
func WithSecret(secret string) WebhookOption {
	return func(ch *WebhookChannel) {
		if secret != "" {
			ch.secret = []byte(secret)
		}
	}
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string, opts ...WebhookOption) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	channel := &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(channel)
	}
	return channel, nil
}

// Send posts msg. A non-2xx answer is returned as a *transport.Error.
func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(statusPayload{
		Source:   "sensorwatch",
		Event:    string(msg.Event.Type),
		DeviceID: msg.Event.DeviceID,
		IssueID:  msg.Event.IssueID,
		Tag:      string(msg.Event.Tag),
		Message:  msg.Event.Message,
		Text:     msg.Text,
		At:       msg.Event.At.UTC(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sensorwatch-Event", string(msg.Event.Type))
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook channel: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 300 {
		return &transport.Error{
			Tag:     transport.TagForStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("webhook answered %d", resp.StatusCode),
		}
	}
	return nil
}

// Sign returns "sha256=" plus the hex HMAC of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// LogChannel writes notifications to a logger. Used when no webhook is configured.
type LogChannel struct {
	Printf func(format string, args ...any)
}

func (l LogChannel) Send(_ context.Context, msg Message) error {
	if l.Printf != nil {
		l.Printf("status notification: event=%s device=%s\n%s", msg.Event.Type, msg.Event.DeviceID, msg.Text)
	}
	return nil
}
