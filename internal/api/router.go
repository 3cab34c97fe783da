// Package api is the sentinel's admin surface: alert triage, rule checks,
// error history, circuit breaker state, and test notifications, served as
// JSON over gin.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/grantpulse/sentinel/internal/database"
	"github.com/grantpulse/sentinel/internal/engine"
	"github.com/grantpulse/sentinel/internal/history"
	"github.com/grantpulse/sentinel/pkg/alerting"
	"github.com/grantpulse/sentinel/pkg/config"
	"github.com/grantpulse/sentinel/pkg/health"
	"github.com/grantpulse/sentinel/pkg/logging"
	"github.com/grantpulse/sentinel/pkg/metrics"
	"github.com/grantpulse/sentinel/pkg/security"
	"github.com/grantpulse/sentinel/pkg/tracing"
)

// Deps carries the collaborators the admin API exposes. Engine, Rules,
// Dispatcher, and History are required; the rest degrade gracefully when
// nil.
type Deps struct {
	Engine     *engine.Engine
	Rules      *alerting.RuleEngine
	Dispatcher *alerting.Dispatcher
	History    *history.History
	Health     *health.Service
	Metrics    *metrics.Metrics
	Audit      *database.AuditLog
	Logger     *logging.Logger
	Tracing    *tracing.TracingService
}

// NewRouter creates and configures the admin API router
func NewRouter(cfg *config.Config, deps Deps) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(deps.Logger))
	router.Use(RecoveryMiddleware(deps.Logger))
	router.Use(security.SecurityMiddleware(security.DefaultSecurityHeadersConfig())...)
	router.Use(deps.Metrics.PrometheusMiddleware())
	if deps.Tracing != nil {
		router.Use(deps.Tracing.TracingMiddleware())
	}

	// Health and metrics endpoints (no auth required)
	if deps.Health != nil {
		router.GET("/health", deps.Health.Handler())
		router.GET("/health/live", deps.Health.LivenessHandler())
		router.GET("/health/ready", deps.Health.ReadinessHandler())
	}
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	// API version info (no auth required)
	router.GET("/api/v1", func(c *gin.Context) {
		SuccessResponse(c, map[string]interface{}{
			"name":    "GrantPulse Sentinel API",
			"version": "1.0.0",
			"status":  "ok",
		})
	})

	// Create handlers
	alertHandler := NewAlertHandler(deps.Rules)
	ruleHandler := NewRuleHandler(deps.Rules, deps.Engine)
	errorHandler := NewErrorHandler(deps.History)
	breakerHandler := NewBreakerHandler(deps.Engine)
	notificationHandler := NewNotificationHandler(deps.Dispatcher, deps.Audit)

	// API v1 routes
	v1 := router.Group("/api/v1")
	if cfg.Auth.Enabled {
		v1.Use(AuthMiddleware(cfg))
	}
	{
		// Alert instance routes
		alerts := v1.Group("/alerts")
		{
			alerts.GET("", alertHandler.ListAlerts)
			alerts.GET("/:id", alertHandler.GetAlert)
			alerts.POST("/:id/acknowledge", alertHandler.AcknowledgeAlert)
			alerts.POST("/:id/resolve", alertHandler.ResolveAlert)
		}

		// Rule routes
		rules := v1.Group("/rules")
		{
			rules.GET("", ruleHandler.ListRules)
			rules.POST("/check", ruleHandler.CheckRule)
		}
		v1.POST("/checks/run", ruleHandler.RunChecks)

		// Error history routes
		errs := v1.Group("/errors")
		{
			errs.GET("/recent", errorHandler.RecentErrors)
			errs.GET("/metrics", errorHandler.ErrorMetrics)
			errs.GET("/summaries", errorHandler.SourceSummaries)
		}

		// Circuit breaker routes
		breakers := v1.Group("/breakers")
		{
			breakers.GET("", breakerHandler.ListBreakers)
			breakers.POST("/:resource/reset", breakerHandler.ResetBreaker)
		}

		// Notification routes
		notifications := v1.Group("/notifications")
		{
			notifications.POST("/test", notificationHandler.SendTest)
			notifications.GET("/recent", notificationHandler.RecentNotifications)
		}
	}

	// JSON responses for undefined endpoints and methods
	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})
	router.HandleMethodNotAllowed = true
	router.NoMethod(func(c *gin.Context) {
		MethodNotAllowedResponse(c, "Method not allowed")
	})

	return router
}
