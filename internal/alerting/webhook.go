package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// WebhookAlerter posts alerts as JSON to an arbitrary endpoint (Slack/Feishu relays, ops bridges).
type WebhookAlerter struct {
	url    string
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewWebhookAlerter 构造 webhook 告警器。
func NewWebhookAlerter(url string, timeout time.Duration, logger zerolog.Logger) *WebhookAlerter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_webhook").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type webhookPayload struct {
	Level     Level          `json:"level"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notify posts the alert payload.
func (w *WebhookAlerter) Notify(ctx context.Context, level Level, title, message string, metadata map[string]any) error {
	body, err := json.Marshal(webhookPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Text:      renderMessage(level, title, message, metadata),
		Metadata:  metadata,
		Timestamp: w.now(),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 响应码异常: %d", resp.StatusCode)
	}
	w.logger.Info().Str("level", string(level)).Str("title", title).Msg("告警已发送 (Webhook)")
	return nil
}

var _ Alerter = (*WebhookAlerter)(nil)
