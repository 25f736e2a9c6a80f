package middleware

import (
	"strings"

	"github.com/aman-churiwal/monetization-gateway/internal/clock"
	"github.com/aman-churiwal/monetization-gateway/internal/usage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Enqueuer interface {
	Enqueue(entry usage.Entry) bool
}

// UsageTracking meters every request the admission stage let through. It
// must run before Admission so it observes the final status.
func UsageTracking(queue Enqueuer, clk clock.Clock) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ShouldSkip(c.Request.URL.Path) {
			c.Next()
			return
		}

		start := clk.Now()

		c.Next()

		value, exists := c.Get(ContextCustomerID)
		if !exists {
			return
		}
		customerID, ok := value.(uuid.UUID)
		if !ok {
			return
		}

		queue.Enqueue(usage.Entry{
			CustomerID:     customerID,
			UserID:         UserID(c),
			Endpoint:       c.Request.URL.Path,
			Method:         c.Request.Method,
			StatusCode:     c.Writer.Status(),
			ResponseTimeMs: clk.Now().Sub(start).Milliseconds(),
			IPAddress:      optional(ClientIP(c)),
			UserAgent:      optional(c.Request.UserAgent()),
			Timestamp:      start.UTC(),
		})
	}
}

// UserID identifies the end user of a customer, "anonymous" when unknown.
func UserID(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader("X-User-Id")); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.Query("userId")); id != "" {
		return id
	}
	return "anonymous"
}

// ClientIP prefers proxy headers over the connection address.
func ClientIP(c *gin.Context) string {
	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(c.GetHeader("X-Real-IP")); ip != "" {
		return ip
	}
	return c.RemoteIP()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
