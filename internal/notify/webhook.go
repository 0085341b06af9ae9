// Package notify delivers detection events to a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/oszuidwest/zwfm-wakeword/internal/util"
)

// AppName identifies the service in notifications.
const AppName = "ZuidWest FM Wake Word"

const webhookTimeout = 10 * time.Second

// ErrNoWebhook is returned when a test is requested without a configured URL.
var ErrNoWebhook = errors.New("webhook URL not configured")

// Payload is the JSON document posted to the webhook.
type Payload struct {
	Event       string `json:"event"`
	Model       string `json:"model,omitempty"`
	Keyphrase   string `json:"keyphrase,omitempty"`
	KeyphraseID int    `json:"keyphrase_id,omitempty"`
	Verdict     string `json:"verdict,omitempty"`
	Recording   string `json:"recording,omitempty"`
	Message     string `json:"message,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// Webhook posts payloads to the URL returned by url at send time.
type Webhook struct {
	url    func() string
	client *http.Client
	logger *slog.Logger
}

// NewWebhook creates a webhook notifier. url is read on every send so that
// configuration changes apply immediately.
func NewWebhook(url func() string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger,
	}
}

// Send posts p synchronously. It is a no-op without a configured URL.
func (w *Webhook) Send(ctx context.Context, p *Payload) error {
	url := w.url()
	if !util.IsConfigured(url) {
		return nil
	}
	if p.Timestamp == "" {
		p.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return util.WrapError("create webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", AppName)

	resp, err := w.client.Do(req)
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Response already consumed
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Notify sends p in the background and logs the outcome.
func (w *Webhook) Notify(p *Payload) {
	if !util.IsConfigured(w.url()) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
		defer cancel()
		if err := w.Send(ctx, p); err != nil {
			w.logger.Error("webhook notification failed", "event", p.Event, "error", err)
			return
		}
		w.logger.Info("webhook notification sent", "event", p.Event)
	}()
}

// SendTest posts a test event.
func (w *Webhook) SendTest(ctx context.Context) error {
	if !util.IsConfigured(w.url()) {
		return ErrNoWebhook
	}
	return w.Send(ctx, &Payload{Event: "test", Message: "This is a test notification from " + AppName})
}
