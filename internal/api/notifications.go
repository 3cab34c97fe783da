package api

import (
	"errors"
	"io"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/grantpulse/sentinel/internal/database"
	"github.com/grantpulse/sentinel/pkg/alerting"
	apperrors "github.com/grantpulse/sentinel/pkg/errors"
)

// NotificationHandler serves the notification endpoints
type NotificationHandler struct {
	dispatcher *alerting.Dispatcher
	audit      *database.AuditLog
}

// NewNotificationHandler creates a new notification handler. The audit log
// is optional; without it the recent-notifications endpoint reports 503.
func NewNotificationHandler(dispatcher *alerting.Dispatcher, audit *database.AuditLog) *NotificationHandler {
	return &NotificationHandler{dispatcher: dispatcher, audit: audit}
}

// testNotificationRequest selects the channel for a test send. Empty means
// every registered channel.
type testNotificationRequest struct {
	Channel string `json:"channel"`
}

// SendTest handles POST /api/v1/notifications/test
func (h *NotificationHandler) SendTest(c *gin.Context) {
	var req testNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	registered := h.dispatcher.ChannelNames()
	targets := registered
	if req.Channel != "" {
		found := false
		for _, name := range registered {
			if name == req.Channel {
				found = true
				break
			}
		}
		if !found {
			NotFoundResponse(c, "Channel not registered: "+req.Channel)
			return
		}
		targets = []string{req.Channel}
	}

	n := alerting.Notification{
		Type:     alerting.TypeTest,
		Severity: alerting.SeverityLow,
		Title:    "Test notification",
		Body:     "This is a test notification from GrantPulse Sentinel. If you can read this, the channel works.",
		Channels: targets,
	}
	if op := GetOperator(c); op != "" {
		n.Metadata = map[string]interface{}{"requested_by": op}
	}

	if err := h.dispatcher.Send(c.Request.Context(), n); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, gin.H{
		"delivered": true,
		"channels":  targets,
	})
}

// RecentNotifications handles GET /api/v1/notifications/recent. The send
// log lives in Postgres, so this needs the database enabled.
func (h *NotificationHandler) RecentNotifications(c *gin.Context) {
	if h.audit == nil {
		ErrorResponseFromError(c, apperrors.NewUnavailableError("notification audit log"))
		return
	}

	limit := defaultErrorLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			BadRequestResponse(c, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	records, err := h.audit.RecentNotifications(c.Request.Context(), limit)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, gin.H{
		"notifications": records,
		"total":         len(records),
	})
}
