package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/grantpulse/sentinel/pkg/alerting"
)

func TestWebhook_Send(t *testing.T) {
	logger := zaptest.NewLogger(t)

	var receivedPayload webhookPayload
	var receivedEvent, receivedAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		receivedEvent = r.Header.Get("X-Sentinel-Event")
		receivedAuth = r.Header.Get("Authorization")

		err := json.NewDecoder(r.Body).Decode(&receivedPayload)
		require.NoError(t, err)

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel := NewWebhook(WebhookConfig{
		URL:     server.URL,
		Headers: map[string]string{"Authorization": "Bearer token-123"},
	}, logger)

	err := channel.Send(context.Background(), alerting.Notification{
		ID:       "n-1",
		Key:      "consecutive-failures:grants-gov",
		Type:     alerting.TypeConsecutiveFailures,
		Severity: alerting.SeverityHigh,
		Title:    "5 consecutive failures on grants-gov",
		Body:     "The source has failed 5 times in a row",
		SourceID: "grants-gov",
	})

	require.NoError(t, err)
	assert.Equal(t, "consecutive-failures", receivedEvent)
	assert.Equal(t, "Bearer token-123", receivedAuth)
	assert.Equal(t, "n-1", receivedPayload.ID)
	assert.Equal(t, "consecutive-failures:grants-gov", receivedPayload.Key)
	assert.Equal(t, "high", receivedPayload.Severity)
	assert.Equal(t, "grants-gov", receivedPayload.SourceID)
}

func TestWebhook_Send_AcceptsAny2xx(t *testing.T) {
	logger := zaptest.NewLogger(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	channel := NewWebhook(WebhookConfig{URL: server.URL}, logger)

	err := channel.Send(context.Background(), alerting.Notification{Title: "test"})
	require.NoError(t, err)
}

func TestWebhook_Send_ServerError(t *testing.T) {
	logger := zaptest.NewLogger(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	channel := NewWebhook(WebhookConfig{URL: server.URL}, logger)

	err := channel.Send(context.Background(), alerting.Notification{Title: "test"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook returned status 502")
}

func TestWebhook_Send_NoURL(t *testing.T) {
	logger := zaptest.NewLogger(t)
	channel := NewWebhook(WebhookConfig{}, logger)

	err := channel.Send(context.Background(), alerting.Notification{Title: "test"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook URL not configured")
}
