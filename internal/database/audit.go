package database

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/grantpulse/sentinel/pkg/alerting"
	"github.com/grantpulse/sentinel/pkg/logging"
)

// AuditLog persists the alert lifecycle and the notification send log.
// Writes are best effort: a failed insert is logged and dropped, never
// surfaced to the engine. All methods are safe on a nil receiver so the
// sentinel runs unchanged without a database.
type AuditLog struct {
	db     *DB
	logger *logging.Logger
}

// NewAuditLog creates an audit log writing through db.
func NewAuditLog(db *DB, logger *logging.Logger) *AuditLog {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &AuditLog{db: db, logger: logger}
}

type alertRow struct {
	ID             string     `db:"id"`
	AlertKey       string     `db:"alert_key"`
	RuleID         string     `db:"rule_id"`
	RuleName       string     `db:"rule_name"`
	SourceID       string     `db:"source_id"`
	Severity       string     `db:"severity"`
	Status         string     `db:"status"`
	Title          string     `db:"title"`
	Body           string     `db:"body"`
	Value          float64    `db:"value"`
	Threshold      float64    `db:"threshold"`
	TriggeredAt    time.Time  `db:"triggered_at"`
	LastSeenAt     time.Time  `db:"last_seen_at"`
	AcknowledgedAt *time.Time `db:"acknowledged_at"`
	AcknowledgedBy string     `db:"acknowledged_by"`
	ResolvedAt     *time.Time `db:"resolved_at"`
	ResolvedBy     string     `db:"resolved_by"`
	EscalatedAt    *time.Time `db:"escalated_at"`
}

func toAlertRow(inst alerting.Instance) alertRow {
	return alertRow{
		ID:             inst.ID,
		AlertKey:       inst.Key,
		RuleID:         inst.RuleID,
		RuleName:       inst.RuleName,
		SourceID:       inst.SourceID,
		Severity:       string(inst.Severity),
		Status:         string(inst.Status),
		Title:          inst.Title,
		Body:           inst.Body,
		Value:          inst.Value,
		Threshold:      inst.Threshold,
		TriggeredAt:    inst.TriggeredAt,
		LastSeenAt:     inst.LastSeenAt,
		AcknowledgedAt: inst.AcknowledgedAt,
		AcknowledgedBy: inst.AcknowledgedBy,
		ResolvedAt:     inst.ResolvedAt,
		ResolvedBy:     inst.ResolvedBy,
		EscalatedAt:    inst.EscalatedAt,
	}
}

// AlertOpened implements alerting.AuditSink.
func (a *AuditLog) AlertOpened(ctx context.Context, inst alerting.Instance) {
	if a == nil || a.db == nil {
		return
	}

	const query = `
		INSERT INTO sentinel_alert_instances (
			id, alert_key, rule_id, rule_name, source_id, severity, status,
			title, body, value, threshold, triggered_at, last_seen_at
		) VALUES (
			:id, :alert_key, :rule_id, :rule_name, :source_id, :severity, :status,
			:title, :body, :value, :threshold, :triggered_at, :last_seen_at
		) ON CONFLICT (id) DO NOTHING`

	if _, err := a.db.NamedExecContext(ctx, query, toAlertRow(inst)); err != nil {
		a.logger.WithError(err).WithFields(logging.Fields{
			"alert_id": inst.ID,
			"rule_id":  inst.RuleID,
		}).Warn("Failed to persist alert instance")
	}
}

// AlertUpdated implements alerting.AuditSink. It rewrites the mutable
// lifecycle columns; the insert-time columns are left alone.
func (a *AuditLog) AlertUpdated(ctx context.Context, inst alerting.Instance) {
	if a == nil || a.db == nil {
		return
	}

	const query = `
		UPDATE sentinel_alert_instances SET
			status          = :status,
			value           = :value,
			last_seen_at    = :last_seen_at,
			acknowledged_at = :acknowledged_at,
			acknowledged_by = :acknowledged_by,
			resolved_at     = :resolved_at,
			resolved_by     = :resolved_by,
			escalated_at    = :escalated_at
		WHERE id = :id`

	if _, err := a.db.NamedExecContext(ctx, query, toAlertRow(inst)); err != nil {
		a.logger.WithError(err).WithFields(logging.Fields{
			"alert_id": inst.ID,
			"status":   inst.Status,
		}).Warn("Failed to update alert instance")
	}
}

// NotificationSent implements alerting.NotificationAudit, recording one
// row per channel delivery attempt. Every dispatch hits this path, so the
// insert goes through the prepared-statement cache.
func (a *AuditLog) NotificationSent(ctx context.Context, n alerting.Notification, channel, status string) {
	if a == nil || a.db == nil {
		return
	}

	const query = `
		INSERT INTO sentinel_notifications (
			id, notification_id, alert_key, type, severity, title, source_id,
			channel, status, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	stmt, err := a.db.PrepareStatement(ctx, "insert_notification", query)
	if err != nil {
		a.logger.WithError(err).Warn("Failed to prepare notification insert")
		return
	}

	if _, err := stmt.ExecContext(ctx,
		uuid.New().String(), n.ID, n.Key, string(n.Type), string(n.Severity),
		n.Title, n.SourceID, channel, status, time.Now(),
	); err != nil {
		a.logger.WithError(err).WithFields(logging.Fields{
			"alert_key": n.Key,
			"channel":   channel,
		}).Warn("Failed to record notification")
	}
}

// RecentNotifications returns the latest send-log rows, newest first.
// The admin API exposes it for delivery debugging.
func (a *AuditLog) RecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	const query = `
		SELECT notification_id, alert_key, type, severity, title, source_id, channel, status, sent_at
		FROM sentinel_notifications
		ORDER BY sent_at DESC
		LIMIT $1`

	var records []NotificationRecord
	if err := a.db.SelectContext(ctx, &records, query, limit); err != nil {
		return nil, err
	}
	return records, nil
}

// NotificationRecord is one row of the send log.
type NotificationRecord struct {
	NotificationID string    `db:"notification_id" json:"notification_id"`
	AlertKey       string    `db:"alert_key" json:"alert_key"`
	Type           string    `db:"type" json:"type"`
	Severity       string    `db:"severity" json:"severity"`
	Title          string    `db:"title" json:"title"`
	SourceID       string    `db:"source_id" json:"source_id,omitempty"`
	Channel        string    `db:"channel" json:"channel"`
	Status         string    `db:"status" json:"status"`
	SentAt         time.Time `db:"sent_at" json:"sent_at"`
}
