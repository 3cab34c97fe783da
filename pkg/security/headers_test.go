package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestSecurityHeadersMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	config := DefaultSecurityHeadersConfig()

	router := gin.New()
	router.Use(SecurityHeadersMiddleware(config))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "test"})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	headers := w.Header()

	// CSP denies everything: the API serves JSON, not pages
	csp := headers.Get("Content-Security-Policy")
	assert.Contains(t, csp, "default-src 'none'")
	assert.Contains(t, csp, "frame-ancestors 'none'")

	// HSTS header
	hsts := headers.Get("Strict-Transport-Security")
	assert.Contains(t, hsts, "max-age=31536000")
	assert.Contains(t, hsts, "includeSubDomains")

	// Other security headers
	assert.Equal(t, "no-referrer", headers.Get("Referrer-Policy"))
	assert.Equal(t, "DENY", headers.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", headers.Get("X-Content-Type-Options"))
	assert.Equal(t, "1; mode=block", headers.Get("X-XSS-Protection"))
	assert.Equal(t, "GrantPulse-Sentinel", headers.Get("Server"))
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	config := DefaultSecurityHeadersConfig()

	router := gin.New()
	router.Use(CORSMiddleware(config))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "test"})
	})

	// Preflight request from an allowed origin
	req := httptest.NewRequest("OPTIONS", "/test", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)

	headers := w.Header()
	assert.Equal(t, "http://localhost:3000", headers.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, headers.Get("Access-Control-Allow-Methods"), "GET")
	assert.Equal(t, "true", headers.Get("Access-Control-Allow-Credentials"))
}

func TestCORSMiddleware_UnallowedOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)

	config := DefaultSecurityHeadersConfig()

	router := gin.New()
	router.Use(CORSMiddleware(config))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "test"})
	})

	req := httptest.NewRequest("OPTIONS", "/test", nil)
	req.Header.Set("Origin", "https://evil.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMatchOrigin(t *testing.T) {
	tests := []struct {
		origin   string
		pattern  string
		expected bool
	}{
		{"https://example.com", "https://example.com", true},
		{"https://sub.example.com", "https://*.example.com", true},
		{"https://example.com", "https://*.example.com", true},
		{"https://evil.com", "https://*.example.com", false},
		{"http://localhost:3000", "http://localhost:3000", true},
		{"https://ops.grantpulse.dev", "https://*.grantpulse.dev", true},
		{"https://grantpulse.dev", "https://*.grantpulse.dev", true},
		{"https://evil.grantpulse.dev.evil.com", "https://*.grantpulse.dev", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin+"_vs_"+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.expected, matchOrigin(tt.origin, tt.pattern))
		})
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestSizeMiddleware(10)) // 10 bytes limit
	router.POST("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "test"})
	})

	// Request within limit
	req := httptest.NewRequest("POST", "/test", strings.NewReader("small"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Request exceeding limit
	req = httptest.NewRequest("POST", "/test", strings.NewReader("this is a very long request body"))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestBuildCSP(t *testing.T) {
	directives := map[string][]string{
		"default-src": {"'none'"},
		"connect-src": {"'self'", "https://api.grantpulse.dev"},
	}

	csp := buildCSP(directives)

	assert.Contains(t, csp, "default-src 'none'")
	assert.Contains(t, csp, "connect-src 'self' https://api.grantpulse.dev")
}

func TestBuildHSTS(t *testing.T) {
	tests := []struct {
		maxAge            int
		includeSubdomains bool
		preload           bool
		expected          string
	}{
		{31536000, true, true, "max-age=31536000; includeSubDomains; preload"},
		{31536000, true, false, "max-age=31536000; includeSubDomains"},
		{31536000, false, false, "max-age=31536000"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, buildHSTS(tt.maxAge, tt.includeSubdomains, tt.preload))
	}
}
