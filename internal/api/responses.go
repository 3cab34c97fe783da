package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/grantpulse/sentinel/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error with optional details
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// requestID pulls the request ID set by RequestIDMiddleware from the context.
func requestID(c *gin.Context) string {
	if id, exists := c.Get("request_id"); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// AcceptedResponse sends a 202 Accepted response for work that continues
// in the background
func AcceptedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// ErrorResponseFromError sends an error response based on the error type
func ErrorResponseFromError(c *gin.Context, err error) {
	var statusCode int
	var apiError *APIError

	switch e := err.(type) {
	case *errors.AppError:
		switch e.Type {
		case errors.ErrorTypeValidation:
			statusCode = http.StatusBadRequest
		case errors.ErrorTypeAuthentication:
			statusCode = http.StatusUnauthorized
		case errors.ErrorTypeAuthorization:
			statusCode = http.StatusForbidden
		case errors.ErrorTypeNotFound:
			statusCode = http.StatusNotFound
		case errors.ErrorTypeConflict:
			statusCode = http.StatusConflict
		case errors.ErrorTypeRateLimit:
			statusCode = http.StatusTooManyRequests
		case errors.ErrorTypeTimeout:
			statusCode = http.StatusRequestTimeout
		case errors.ErrorTypeUnavailable:
			statusCode = http.StatusServiceUnavailable
		default:
			statusCode = http.StatusInternalServerError
		}

		apiError = &APIError{
			Code:    e.Code,
			Message: e.Message,
		}
		if len(e.Details) > 0 {
			apiError.Details = make(map[string]interface{}, len(e.Details))
			for k, v := range e.Details {
				apiError.Details[k] = v
			}
		}
	default:
		statusCode = http.StatusInternalServerError
		apiError = &APIError{
			Code:    "UNKNOWN_ERROR",
			Message: "An unknown error occurred",
		}
	}

	c.JSON(statusCode, APIResponse{
		Success:   false,
		Error:     apiError,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusBadRequest, "BAD_REQUEST", message)
}

// UnauthorizedResponse sends a 401 Unauthorized response
func UnauthorizedResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

// NotFoundResponse sends a 404 Not Found response
func NotFoundResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusNotFound, "NOT_FOUND", message)
}

// MethodNotAllowedResponse sends a 405 Method Not Allowed response
func MethodNotAllowedResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", message)
}

// ConflictResponse sends a 409 Conflict response
func ConflictResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusConflict, "CONFLICT", message)
}

// InternalErrorResponse sends a 500 Internal Server Error response
func InternalErrorResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

func errorResponse(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}
