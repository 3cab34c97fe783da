package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/grantpulse/sentinel/internal/history"
)

const (
	defaultErrorLimit    = 50
	maxErrorLimit        = 500
	defaultSummaryWindow = 24 * time.Hour
)

// ErrorHandler serves the error history endpoints
type ErrorHandler struct {
	history *history.History
}

// NewErrorHandler creates a new error history handler
func NewErrorHandler(hist *history.History) *ErrorHandler {
	return &ErrorHandler{history: hist}
}

// RecentErrors handles GET /api/v1/errors/recent
func (h *ErrorHandler) RecentErrors(c *gin.Context) {
	limit := defaultErrorLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			BadRequestResponse(c, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > maxErrorLimit {
		limit = maxErrorLimit
	}

	var entries []history.Entry
	if source := c.Query("source"); source != "" {
		entries = h.history.Recent(source, limit)
	} else {
		entries = h.history.AllRecent(limit)
	}

	SuccessResponse(c, gin.H{
		"errors": entries,
		"total":  len(entries),
	})
}

// ErrorMetrics handles GET /api/v1/errors/metrics
func (h *ErrorHandler) ErrorMetrics(c *gin.Context) {
	SuccessResponse(c, gin.H{
		"kinds": h.history.MetricsSnapshot(),
	})
}

// SourceSummaries handles GET /api/v1/errors/summaries
func (h *ErrorHandler) SourceSummaries(c *gin.Context) {
	window := defaultSummaryWindow
	if raw := c.Query("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			BadRequestResponse(c, "window must be a positive duration such as 30m or 24h")
			return
		}
		window = parsed
	}

	SuccessResponse(c, gin.H{
		"window":  window.String(),
		"sources": h.history.Summaries(window),
	})
}
