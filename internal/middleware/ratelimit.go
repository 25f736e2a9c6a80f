package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/clock"
	"github.com/aman-churiwal/monetization-gateway/internal/metrics"
	"github.com/aman-churiwal/monetization-gateway/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Admitter interface {
	Admit(ctx context.Context, apiKey string) ratelimit.Decision
}

// Admission rejects requests without a key or over their tier's limits and
// consumes quota for the rest.
func Admission(limiter Admitter, clk clock.Clock, m *metrics.Collector, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ShouldSkip(c.Request.URL.Path) {
			c.Next()
			return
		}

		apiKey := ExtractAPIKey(c)
		if apiKey == "" {
			abortMissingKey(c, clk.Now())
			return
		}

		start := time.Now()
		decision := limiter.Admit(c.Request.Context(), apiKey)
		m.ObserveAdmission(decision.Allowed, decision.Reason, time.Since(start))

		now := clk.Now()
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if decision.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		}

		if !decision.Allowed {
			logger.Warn("Request denied",
				zap.String("request_id", c.GetString("request_id")),
				zap.String("customer_id", decision.CustomerID.String()),
				zap.String("reason", decision.Reason),
			)

			c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt(now).Unix(), 10))
			c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter/time.Second)))
			abortWithError(c, http.StatusTooManyRequests, CodeRateLimitExceeded, decision.Reason, now)
			return
		}

		c.Set(ContextCustomerID, decision.CustomerID)
		c.Set(ContextAPIKey, apiKey)

		c.Next()
	}
}
