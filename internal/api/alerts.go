package api

import (
	"errors"
	"fmt"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/grantpulse/sentinel/pkg/alerting"
)

// AlertHandler serves the alert instance endpoints
type AlertHandler struct {
	rules *alerting.RuleEngine
}

// NewAlertHandler creates a new alert handler
func NewAlertHandler(rules *alerting.RuleEngine) *AlertHandler {
	return &AlertHandler{rules: rules}
}

// actorRequest carries the operator performing an alert transition. When
// the body omits "by", the authenticated operator from the token is used.
type actorRequest struct {
	By string `json:"by"`
}

func (r actorRequest) actor(c *gin.Context) string {
	if r.By != "" {
		return r.By
	}
	if op := GetOperator(c); op != "" {
		return op
	}
	return "unknown"
}

// ListAlerts handles GET /api/v1/alerts
func (h *AlertHandler) ListAlerts(c *gin.Context) {
	var instances []alerting.Instance

	switch status := c.Query("status"); status {
	case "":
		instances = h.rules.Instances(nil)
	case string(alerting.StatusActive), string(alerting.StatusAcknowledged), string(alerting.StatusResolved):
		want := alerting.InstanceStatus(status)
		instances = h.rules.Instances(func(inst *alerting.Instance) bool {
			return inst.Status == want
		})
	default:
		BadRequestResponse(c, fmt.Sprintf("unknown alert status %q", status))
		return
	}

	SuccessResponse(c, gin.H{
		"alerts": instances,
		"total":  len(instances),
	})
}

// GetAlert handles GET /api/v1/alerts/:id
func (h *AlertHandler) GetAlert(c *gin.Context) {
	inst, ok := h.rules.Instance(c.Param("id"))
	if !ok {
		NotFoundResponse(c, "Alert not found")
		return
	}
	SuccessResponse(c, inst)
}

// AcknowledgeAlert handles POST /api/v1/alerts/:id/acknowledge. The body
// is optional; an empty one acknowledges as the token operator.
func (h *AlertHandler) AcknowledgeAlert(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	inst, err := h.rules.Acknowledge(c.Request.Context(), c.Param("id"), req.actor(c))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, inst)
}

// ResolveAlert handles POST /api/v1/alerts/:id/resolve
func (h *AlertHandler) ResolveAlert(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	inst, err := h.rules.Resolve(c.Request.Context(), c.Param("id"), req.actor(c))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, inst)
}
