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

// SlackConfig configures the Slack webhook channel.
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
}

// Slack delivers notifications to a Slack incoming webhook.
type Slack struct {
	config     SlackConfig
	logger     *zap.Logger
	httpClient *http.Client
}

// SlackMessage is the webhook payload.
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is the rich block under the message text.
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField is one short key/value pair in an attachment.
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlack creates a Slack channel posting to the configured webhook.
func NewSlack(config SlackConfig, logger *zap.Logger) *Slack {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Slack{
		config: config,
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name implements alerting.Channel.
func (s *Slack) Name() string { return "slack" }

// Send posts the notification to the webhook.
func (s *Slack) Send(ctx context.Context, n alerting.Notification) error {
	if s.config.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	payload, err := json.Marshal(s.buildMessage(n))
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}

	s.logger.Debug("slack notification delivered",
		zap.String("key", n.Key),
		zap.String("webhook_url", maskWebhookURL(s.config.WebhookURL)),
	)
	return nil
}

// buildMessage renders the notification as a Slack payload.
func (s *Slack) buildMessage(n alerting.Notification) SlackMessage {
	msg := SlackMessage{
		Text:      n.Title,
		Username:  s.config.Username,
		Channel:   s.config.Channel,
		IconEmoji: severityEmoji(n),
	}

	ts := n.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	attachment := SlackAttachment{
		Color:     severityColor(n),
		Text:      n.Body,
		Footer:    "GrantPulse Sentinel",
		Timestamp: ts.Unix(),
	}

	if n.SourceID != "" {
		attachment.Fields = append(attachment.Fields, SlackField{Title: "Source", Value: n.SourceID, Short: true})
	}
	if n.RuleID != "" {
		attachment.Fields = append(attachment.Fields, SlackField{Title: "Rule", Value: n.RuleID, Short: true})
	}
	if v, ok := n.Metadata["value"]; ok {
		attachment.Fields = append(attachment.Fields, SlackField{Title: "Value", Value: fmt.Sprintf("%v", v), Short: true})
	}
	if v, ok := n.Metadata["threshold"]; ok {
		attachment.Fields = append(attachment.Fields, SlackField{Title: "Threshold", Value: fmt.Sprintf("%v", v), Short: true})
	}

	msg.Attachments = []SlackAttachment{attachment}
	return msg
}

// severityColor maps a notification to Slack's attachment color bar.
// Recoveries are always green regardless of the severity they carry.
func severityColor(n alerting.Notification) string {
	if n.Type == alerting.TypeRecovery {
		return "good"
	}
	switch n.Severity {
	case alerting.SeverityCritical:
		return "danger"
	case alerting.SeverityHigh:
		return "warning"
	case alerting.SeverityMedium:
		return "#439fe0"
	default:
		return "#36a64f"
	}
}

func severityEmoji(n alerting.Notification) string {
	if n.Type == alerting.TypeRecovery {
		return ":white_check_mark:"
	}
	switch n.Severity {
	case alerting.SeverityCritical:
		return ":rotating_light:"
	case alerting.SeverityHigh:
		return ":warning:"
	case alerting.SeverityLow:
		return ":information_source:"
	default:
		return ":bell:"
	}
}

// maskWebhookURL hides the webhook token in log output.
func maskWebhookURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
