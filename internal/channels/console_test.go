package channels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/grantpulse/sentinel/pkg/alerting"
)

func TestConsole_SendNeverFails(t *testing.T) {
	channel := NewConsole(zaptest.NewLogger(t))

	severities := []alerting.Severity{
		alerting.SeverityCritical,
		alerting.SeverityHigh,
		alerting.SeverityMedium,
		alerting.SeverityLow,
	}
	for _, sev := range severities {
		err := channel.Send(context.Background(), alerting.Notification{
			Key:      "system-health:success-rate",
			Type:     alerting.TypeSystemHealth,
			Severity: sev,
			Title:    "Pipeline success rate degraded",
			Body:     "Success rate 0.4 below threshold 0.7",
			SourceID: "pipeline",
		})
		require.NoError(t, err)
	}
}

func TestConsole_Name(t *testing.T) {
	assert.Equal(t, "console", NewConsole(nil).Name())
}
