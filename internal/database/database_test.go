package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantpulse/sentinel/pkg/alerting"
	"github.com/grantpulse/sentinel/pkg/config"
)

func TestNew_NilConfig(t *testing.T) {
	db, err := New(nil)

	require.Error(t, err)
	assert.Nil(t, db)
	assert.Contains(t, err.Error(), "database configuration is required")
}

func TestNew_ConnectFailure(t *testing.T) {
	// Port 1 is never a Postgres listener; connect must fail fast.
	db, err := New(&config.DatabaseConfig{
		Host:            "127.0.0.1",
		Port:            1,
		Name:            "sentinel_test",
		User:            "sentinel",
		Password:        "sentinel",
		SSLMode:         "disable",
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})

	require.Error(t, err)
	assert.Nil(t, db)
}

func TestDB_Health_NilHandle(t *testing.T) {
	var db *DB
	err := db.Health(context.Background())

	require.Error(t, err)
}

func TestNewMigrator_NilConfig(t *testing.T) {
	m, err := NewMigrator(nil, "")

	require.Error(t, err)
	assert.Nil(t, m)
}

func TestNewSnapshotSource_RequiresDB(t *testing.T) {
	s, err := NewSnapshotSource(nil, 0)

	require.Error(t, err)
	assert.Nil(t, s)
}

func TestAuditLog_NilReceiverIsNoOp(t *testing.T) {
	var audit *AuditLog
	ctx := context.Background()

	assert.NotPanics(t, func() {
		audit.AlertOpened(ctx, alerting.Instance{ID: "a-1"})
		audit.AlertUpdated(ctx, alerting.Instance{ID: "a-1"})
		audit.NotificationSent(ctx, alerting.Notification{Key: "k"}, "slack", "sent")
	})

	records, err := audit.RecentNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, records)
}

func TestToAlertRow(t *testing.T) {
	ack := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	inst := alerting.Instance{
		ID:             "a-1",
		Key:            "rule:failed-jobs",
		RuleID:         "failed-jobs",
		RuleName:       "Failed jobs",
		SourceID:       "grants-gov",
		Severity:       alerting.SeverityHigh,
		Status:         alerting.StatusAcknowledged,
		Title:          "Failed jobs above threshold",
		Value:          10,
		Threshold:      5,
		TriggeredAt:    ack.Add(-time.Hour),
		LastSeenAt:     ack,
		AcknowledgedAt: &ack,
		AcknowledgedBy: "oncall",
	}

	row := toAlertRow(inst)

	assert.Equal(t, "a-1", row.ID)
	assert.Equal(t, "rule:failed-jobs", row.AlertKey)
	assert.Equal(t, "high", row.Severity)
	assert.Equal(t, "acknowledged", row.Status)
	assert.Equal(t, 10.0, row.Value)
	require.NotNil(t, row.AcknowledgedAt)
	assert.Equal(t, ack, *row.AcknowledgedAt)
	assert.Nil(t, row.ResolvedAt)
}
