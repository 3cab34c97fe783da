// Package security provides the HTTP hardening middlewares shared by the
// sentinel's admin API: security headers, CORS, and request size limits.
package security

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// SecurityHeadersConfig holds configuration for security headers
type SecurityHeadersConfig struct {
	// Content Security Policy
	CSPDirectives map[string][]string

	// HSTS configuration
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
	HSTSPreload           bool

	// CORS configuration
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration

	// Additional security headers
	ReferrerPolicy      string
	XFrameOptions       string
	XContentTypeOptions bool
}

// DefaultSecurityHeadersConfig returns the defaults for the admin API. The
// sentinel serves JSON to operators, never HTML, so the CSP denies
// everything and referrers are stripped.
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		CSPDirectives: map[string][]string{
			"default-src":     {"'none'"},
			"frame-ancestors": {"'none'"},
		},
		HSTSMaxAge:            31536000, // 1 year
		HSTSIncludeSubdomains: true,
		AllowedOrigins: []string{
			"http://localhost:3000",
			"https://*.grantpulse.dev",
		},
		AllowedMethods: []string{
			"GET", "POST", "OPTIONS",
		},
		AllowedHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			"X-Requested-With", "X-Request-ID", "X-Correlation-ID",
		},
		ExposedHeaders: []string{
			"X-Request-ID", "X-Correlation-ID",
		},
		AllowCredentials:    true,
		MaxAge:              12 * time.Hour,
		ReferrerPolicy:      "no-referrer",
		XFrameOptions:       "DENY",
		XContentTypeOptions: true,
	}
}

// SecurityHeadersMiddleware returns a Gin middleware that sets security headers
func SecurityHeadersMiddleware(config SecurityHeadersConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Content Security Policy
		if len(config.CSPDirectives) > 0 {
			c.Header("Content-Security-Policy", buildCSP(config.CSPDirectives))
		}

		// HTTP Strict Transport Security
		if config.HSTSMaxAge > 0 {
			c.Header("Strict-Transport-Security", buildHSTS(config.HSTSMaxAge, config.HSTSIncludeSubdomains, config.HSTSPreload))
		}

		// Referrer Policy
		if config.ReferrerPolicy != "" {
			c.Header("Referrer-Policy", config.ReferrerPolicy)
		}

		// X-Frame-Options
		if config.XFrameOptions != "" {
			c.Header("X-Frame-Options", config.XFrameOptions)
		}

		// X-Content-Type-Options
		if config.XContentTypeOptions {
			c.Header("X-Content-Type-Options", "nosniff")
		}

		// Additional security headers
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Server", "GrantPulse-Sentinel")

		c.Next()
	}
}

// CORSMiddleware returns a CORS middleware with the given configuration
func CORSMiddleware(config SecurityHeadersConfig) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowOrigins:     config.AllowedOrigins,
		AllowMethods:     config.AllowedMethods,
		AllowHeaders:     config.AllowedHeaders,
		ExposeHeaders:    config.ExposedHeaders,
		AllowCredentials: config.AllowCredentials,
		MaxAge:           config.MaxAge,
	}

	// Custom origin validation for wildcard domains
	if containsWildcard(config.AllowedOrigins) {
		corsConfig.AllowOriginFunc = func(origin string) bool {
			return isOriginAllowed(origin, config.AllowedOrigins)
		}
		corsConfig.AllowOrigins = nil // Clear origins when using AllowOriginFunc
	}

	return cors.New(corsConfig)
}

// SecurityMiddleware combines all security middlewares
func SecurityMiddleware(config SecurityHeadersConfig) []gin.HandlerFunc {
	return []gin.HandlerFunc{
		CORSMiddleware(config),
		SecurityHeadersMiddleware(config),
		RequestSizeMiddleware(1 << 20), // rule and acknowledge payloads are tiny
	}
}

// RequestSizeMiddleware limits the size of request bodies
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":    "Request body too large",
				"max_size": maxSize,
			})
			c.Abort()
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// buildCSP constructs a Content Security Policy header value
func buildCSP(directives map[string][]string) string {
	var parts []string
	for directive, sources := range directives {
		if len(sources) > 0 {
			parts = append(parts, directive+" "+strings.Join(sources, " "))
		}
	}
	return strings.Join(parts, "; ")
}

// buildHSTS constructs an HSTS header value
func buildHSTS(maxAge int, includeSubdomains, preload bool) string {
	hsts := fmt.Sprintf("max-age=%d", maxAge)
	if includeSubdomains {
		hsts += "; includeSubDomains"
	}
	if preload {
		hsts += "; preload"
	}
	return hsts
}

// containsWildcard checks if any origin contains a wildcard
func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if strings.Contains(origin, "*") {
			return true
		}
	}
	return false
}

// isOriginAllowed checks if an origin is allowed based on patterns
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if matchOrigin(origin, allowed) {
			return true
		}
	}
	return false
}

// matchOrigin checks if an origin matches a pattern (supports wildcards)
func matchOrigin(origin, pattern string) bool {
	if pattern == "*" {
		return true
	}

	if !strings.Contains(pattern, "*") {
		return origin == pattern
	}

	// Handle subdomain wildcards like https://*.example.com
	if strings.HasPrefix(pattern, "https://*.") {
		domain := pattern[10:] // Remove "https://*."
		return strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain
	}

	if strings.HasPrefix(pattern, "http://*.") {
		domain := pattern[9:] // Remove "http://*."
		return strings.HasSuffix(origin, "."+domain) || origin == "http://"+domain
	}

	return false
}
