// Package alert posts lifecycle notifications for the rented instance to a
// webhook, so a forgotten or half-stopped instance does not go unnoticed.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tmeurs/vpod/internal/logging"
)

// Level is the severity of an alert.
type Level string

const (
	// LevelCritical means money may be leaking: the instance could not be
	// destroyed, or its state could not be recorded.
	LevelCritical Level = "CRITICAL"
	// LevelError is a failed start or stop.
	LevelError Level = "ERROR"
	// LevelWarn is a problem that did not stop the operation.
	LevelWarn Level = "WARN"
	// LevelInfo is an instance started or stopped.
	LevelInfo Level = "INFO"
)

// Context describes the instance an alert is about.
type Context struct {
	InstanceID string `json:"instance_id,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Action     string `json:"action,omitempty"`
	GPU        string `json:"gpu,omitempty"`
	Workspace  string `json:"workspace,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Level     Level   `json:"level"`
	Message   string  `json:"message"`
	Timestamp string  `json:"timestamp"`
	Context   Context `json:"context"`
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, level Level, message string, alertCtx Context) error
}

// WebhookClient posts alerts to a webhook URL.
type WebhookClient struct {
	url        string
	httpClient *http.Client
	userAgent  string
	now        func() time.Time
}

// WebhookOption configures a WebhookClient.
type WebhookOption func(*WebhookClient)

// WithHTTPClient sets the HTTP client used for posting.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(wc *WebhookClient) {
		wc.httpClient = client
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) WebhookOption {
	return func(wc *WebhookClient) {
		wc.userAgent = ua
	}
}

// NewWebhookClient returns a client for url, or nil when url is empty.
// A nil *WebhookClient accepts and drops every alert.
func NewWebhookClient(url string, opts ...WebhookOption) *WebhookClient {
	if url == "" {
		return nil
	}

	wc := &WebhookClient{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		userAgent:  "vpod",
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(wc)
	}
	return wc
}

// Notify posts the alert. Delivery failures are logged and swallowed: a
// broken webhook must never abort a start or stop. Only a payload that
// cannot be built is returned as an error.
func (wc *WebhookClient) Notify(ctx context.Context, level Level, message string, alertCtx Context) error {
	if wc == nil {
		return nil
	}

	body, err := json.Marshal(Payload{
		Level:     level,
		Message:   message,
		Timestamp: wc.now().UTC().Format(time.RFC3339),
		Context:   alertCtx,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", wc.userAgent)

	log := logging.Get()
	log.Debug().Str("level", string(level)).Str("message", message).Msg("Sending webhook alert")

	resp, err := wc.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("level", string(level)).Msg("Failed to send webhook alert")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Int("status_code", resp.StatusCode).Str("level", string(level)).Msg("Webhook returned non-success status")
	}
	return nil
}

// Nop is a Notifier that drops everything.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Level, string, Context) error { return nil }

var (
	_ Notifier = (*WebhookClient)(nil)
	_ Notifier = Nop{}
)
