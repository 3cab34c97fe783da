// Package channels provides the delivery sinks the notification
// dispatcher fans out to: console, Slack, email, and a generic webhook.
// Every sink implements alerting.Channel and owns its own transport
// failures; the dispatcher decides what to do when one fails.
package channels

import (
	"context"

	"go.uber.org/zap"

	"github.com/grantpulse/sentinel/pkg/alerting"
)

// Console writes notifications to the service log. It is the default
// channel and the only one enabled out of the box.
type Console struct {
	logger *zap.Logger
}

// NewConsole creates a console channel logging through logger.
func NewConsole(logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{logger: logger}
}

// Name implements alerting.Channel.
func (c *Console) Name() string { return "console" }

// Send logs the notification at a level matching its severity.
func (c *Console) Send(_ context.Context, n alerting.Notification) error {
	fields := []zap.Field{
		zap.String("key", n.Key),
		zap.String("type", string(n.Type)),
		zap.String("severity", string(n.Severity)),
		zap.String("source", n.SourceID),
		zap.String("body", n.Body),
	}

	switch n.Severity {
	case alerting.SeverityCritical, alerting.SeverityHigh:
		c.logger.Error("ALERT: "+n.Title, fields...)
	case alerting.SeverityMedium:
		c.logger.Warn("ALERT: "+n.Title, fields...)
	default:
		c.logger.Info("ALERT: "+n.Title, fields...)
	}
	return nil
}
