package api

import (
	"github.com/gin-gonic/gin"

	"github.com/grantpulse/sentinel/internal/engine"
	"github.com/grantpulse/sentinel/pkg/alerting"
)

// RuleHandler serves the alert rule endpoints
type RuleHandler struct {
	rules  *alerting.RuleEngine
	engine *engine.Engine
}

// NewRuleHandler creates a new rule handler
func NewRuleHandler(rules *alerting.RuleEngine, eng *engine.Engine) *RuleHandler {
	return &RuleHandler{rules: rules, engine: eng}
}

// ListRules handles GET /api/v1/rules
func (h *RuleHandler) ListRules(c *gin.Context) {
	rules := h.rules.Rules()
	SuccessResponse(c, gin.H{
		"rules": rules,
		"total": len(rules),
	})
}

// checkRuleRequest carries an ad-hoc rule to evaluate against the current
// snapshot. With fire set, a satisfied rule opens a real alert.
type checkRuleRequest struct {
	Rule alerting.Rule `json:"rule"`
	Fire bool          `json:"fire"`
}

// CheckRule handles POST /api/v1/rules/check
func (h *RuleHandler) CheckRule(c *gin.Context) {
	var req checkRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	result, err := h.rules.CheckRule(c.Request.Context(), &req.Rule, req.Fire)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, gin.H{
		"rule_id": req.Rule.ID,
		"result":  result,
		"fired":   req.Fire && result.Satisfied,
	})
}

// RunChecks handles POST /api/v1/checks/run. The cycle's re-entrancy guard
// applies: a tick already in flight makes this a no-op.
func (h *RuleHandler) RunChecks(c *gin.Context) {
	if err := h.engine.RunAlertChecks(c.Request.Context()); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, gin.H{
		"checked":       true,
		"active_alerts": len(h.rules.ActiveAlerts()),
	})
}
