package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// LogNotifier is the dev fallback: it records dispatches in the log only.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify logs the dispatch.
func (n *LogNotifier) Notify(_ context.Context, userID string, p Notification) error {
	n.log.Info("push.dispatch", "user_id", userID, "title", p.Title, "body", p.Body)
	return nil
}

// WebhookNotifier POSTs notifications to an external push-dispatch service.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier constructs a WebhookNotifier for the given endpoint.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = defaultPushTimeout
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type webhookBody struct {
	UserID string `json:"user_id"`
	Notification
}

// Notify POSTs the notification payload.
func (n *WebhookNotifier) Notify(ctx context.Context, userID string, p Notification) error {
	body, err := json.Marshal(webhookBody{UserID: userID, Notification: p})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
