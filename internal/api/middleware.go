package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/grantpulse/sentinel/pkg/config"
	"github.com/grantpulse/sentinel/pkg/logging"
)

// RequestIDMiddleware adds a unique request ID to each request. An ID
// supplied by the caller in X-Request-ID is kept so upstream proxies can
// correlate.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// LoggingMiddleware logs completed requests with correlation IDs
func LoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = logging.GetLogger()
	}

	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.NewCorrelationID()
		}
		c.Header("X-Correlation-ID", correlationID)
		c.Request = c.Request.WithContext(logging.WithCorrelationID(c.Request.Context(), correlationID))

		c.Next()

		logger.LogRequest(
			c.Request.Context(),
			c.Request.Method,
			c.Request.URL.Path,
			c.Request.UserAgent(),
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// RecoveryMiddleware recovers from handler panics, logs them, and answers
// with the standard error envelope
func RecoveryMiddleware(logger *logging.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = logging.GetLogger()
	}

	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.LogPanic(c.Request.Context(), recovered, "Request panic recovered")
		InternalErrorResponse(c, "Internal server error")
		c.Abort()
	})
}

// AdminClaims represents the JWT token claims accepted on admin requests.
// The sentinel has no user store; the token names its operator and nothing
// more.
type AdminClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates JWT bearer tokens and sets the operator context
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			UnauthorizedResponse(c, "Authorization header is required")
			c.Abort()
			return
		}

		// Extract token from "Bearer <token>"
		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			UnauthorizedResponse(c, "Authorization header must be in format 'Bearer <token>'")
			c.Abort()
			return
		}

		tokenString := tokenParts[1]

		// Parse and validate token
		token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
			// Validate signing method
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(cfg.Auth.JWTSecret), nil
		})

		if err != nil {
			UnauthorizedResponse(c, "Invalid or expired token")
			c.Abort()
			return
		}

		claims, ok := token.Claims.(*AdminClaims)
		if !ok || !token.Valid {
			UnauthorizedResponse(c, "Invalid token claims")
			c.Abort()
			return
		}

		// Check token expiration
		if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(time.Now()) {
			UnauthorizedResponse(c, "Token has expired")
			c.Abort()
			return
		}

		operator := claims.Name
		if operator == "" {
			operator = claims.Subject
		}
		c.Set("operator", operator)

		c.Next()
	}
}

// GetOperator retrieves the authenticated operator name from the context.
// Empty when auth is disabled.
func GetOperator(c *gin.Context) string {
	if op, exists := c.Get("operator"); exists {
		if s, ok := op.(string); ok {
			return s
		}
	}
	return ""
}
