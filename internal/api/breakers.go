package api

import (
	"github.com/gin-gonic/gin"

	"github.com/grantpulse/sentinel/internal/engine"
)

// BreakerHandler serves the circuit breaker endpoints
type BreakerHandler struct {
	engine *engine.Engine
}

// NewBreakerHandler creates a new circuit breaker handler
func NewBreakerHandler(eng *engine.Engine) *BreakerHandler {
	return &BreakerHandler{engine: eng}
}

// ListBreakers handles GET /api/v1/breakers
func (h *BreakerHandler) ListBreakers(c *gin.Context) {
	stats := h.engine.Breakers()
	SuccessResponse(c, gin.H{
		"breakers": stats,
		"total":    len(stats),
	})
}

// ResetBreaker handles POST /api/v1/breakers/:resource/reset
func (h *BreakerHandler) ResetBreaker(c *gin.Context) {
	resource := c.Param("resource")
	if !h.engine.ResetBreaker(resource) {
		NotFoundResponse(c, "No circuit breaker for resource")
		return
	}

	SuccessResponse(c, gin.H{
		"resource": resource,
		"state":    "closed",
	})
}
