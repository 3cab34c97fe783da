package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/grantpulse/sentinel/pkg/alerting"
)

// WebhookConfig configures the generic webhook channel.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
}

// Webhook POSTs notifications as JSON to an arbitrary HTTP endpoint, for
// integrations we don't ship a dedicated channel for (PagerDuty relays,
// internal chat bridges).
type Webhook struct {
	config     WebhookConfig
	logger     *zap.Logger
	httpClient *http.Client
}

type webhookPayload struct {
	ID        string                 `json:"id"`
	Key       string                 `json:"key"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	SourceID  string                 `json:"source_id,omitempty"`
	RuleID    string                 `json:"rule_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewWebhook creates a webhook channel targeting the given URL.
func NewWebhook(config WebhookConfig, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		config: config,
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name implements alerting.Channel.
func (w *Webhook) Name() string { return "webhook" }

// Send delivers the notification as a JSON POST. Any 2xx response counts
// as delivered.
func (w *Webhook) Send(ctx context.Context, n alerting.Notification) error {
	if w.config.URL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	payload := webhookPayload{
		ID:        n.ID,
		Key:       n.Key,
		Type:      string(n.Type),
		Severity:  string(n.Severity),
		Title:     n.Title,
		Body:      n.Body,
		SourceID:  n.SourceID,
		RuleID:    n.RuleID,
		Metadata:  n.Metadata,
		CreatedAt: n.CreatedAt,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sentinel-Event", string(n.Type))
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("webhook notification delivered",
		zap.String("key", n.Key),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}
