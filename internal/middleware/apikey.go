package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	CodeMissingAPIKey     = "MISSING_API_KEY"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

	// Context keys set on admitted requests
	ContextCustomerID = "customer_id"
	ContextAPIKey     = "api_key"
)

// Metering skips health, metrics, admin and the root path
func ShouldSkip(path string) bool {
	path = strings.ToLower(path)
	return path == "/" ||
		strings.HasPrefix(path, "/health") ||
		strings.HasPrefix(path, "/metrics") ||
		strings.HasPrefix(path, "/admin")
}

// ExtractAPIKey reads the key from a Bearer token, the X-API-Key header or
// the apiKey query parameter, in that order.
func ExtractAPIKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}

	if key := strings.TrimSpace(c.GetHeader("X-API-Key")); key != "" {
		return key
	}

	return strings.TrimSpace(c.Query("apiKey"))
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func abortWithError(c *gin.Context, status int, code, message string, now time.Time) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": errorBody{
			Code:      code,
			Message:   message,
			Timestamp: now.UTC().Format("2006-01-02T15:04:05.000Z"),
		},
	})
}

func abortMissingKey(c *gin.Context, now time.Time) {
	abortWithError(c, http.StatusUnauthorized, CodeMissingAPIKey, "API key is required", now)
}
