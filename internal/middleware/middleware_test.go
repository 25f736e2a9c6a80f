package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/clock"
	"github.com/aman-churiwal/monetization-gateway/internal/ratelimit"
	"github.com/aman-churiwal/monetization-gateway/internal/usage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

type stubAdmitter struct {
	mu       sync.Mutex
	decision ratelimit.Decision
	keys     []string
}

func (s *stubAdmitter) Admit(_ context.Context, apiKey string) ratelimit.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, apiKey)
	return s.decision
}

type recordingQueue struct {
	entries []usage.Entry
}

func (q *recordingQueue) Enqueue(entry usage.Entry) bool {
	q.entries = append(q.entries, entry)
	return true
}

func newRouter(admitter Admitter, queue Enqueuer) *gin.Engine {
	return newRouterWithClock(admitter, queue, clock.NewFake(now))
}

func newRouterWithClock(admitter Admitter, queue Enqueuer, clk clock.Clock) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.Use(UsageTracking(queue, clk))
	r.Use(Admission(admitter, clk, nil, zap.NewNop()))

	r.GET("/api/orders", func(c *gin.Context) { c.JSON(http.StatusCreated, gin.H{"ok": true}) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/admin/tiers", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/slow", func(c *gin.Context) {
		if fake, ok := clk.(*clock.Fake); ok {
			fake.Advance(250 * time.Millisecond)
		}
		c.Status(http.StatusOK)
	})
	return r
}

type errorResponse struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	} `json:"error"`
}

func TestAdmission_MissingKey(t *testing.T) {
	admitter := &stubAdmitter{}
	router := newRouter(admitter, &recordingQueue{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/orders", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, CodeMissingAPIKey, body.Error.Code)
	assert.Equal(t, "2026-07-01T08:00:00.000Z", body.Error.Timestamp)
	assert.Empty(t, admitter.keys)
}

func TestAdmission_KeySources(t *testing.T) {
	admitter := &stubAdmitter{decision: ratelimit.Decision{Allowed: true, CustomerID: uuid.New()}}
	router := newRouter(admitter, &recordingQueue{})

	requests := []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/orders", nil),
		httptest.NewRequest(http.MethodGet, "/api/orders", nil),
		httptest.NewRequest(http.MethodGet, "/api/orders?apiKey=mg_query", nil),
		httptest.NewRequest(http.MethodGet, "/api/orders?apiKey=mg_query", nil),
	}
	requests[0].Header.Set("Authorization", "Bearer mg_bearer")
	requests[1].Header.Set("X-API-Key", "mg_header")
	requests[3].Header.Set("X-API-Key", "mg_header_wins")

	for _, req := range requests {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusCreated, w.Code)
	}

	assert.Equal(t, []string{"mg_bearer", "mg_header", "mg_query", "mg_header_wins"}, admitter.keys)
}

func TestAdmission_DenialHeadersAndBody(t *testing.T) {
	admitter := &stubAdmitter{decision: ratelimit.Decision{
		Reason:     ratelimit.ReasonRateExceeded,
		RetryAfter: time.Second,
		Limit:      2,
		CustomerID: uuid.New(),
	}}
	queue := &recordingQueue{}
	router := newRouter(admitter, queue)

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("X-API-Key", "mg_key")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, strconv.FormatInt(now.Add(time.Second).Unix(), 10), w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))

	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, CodeRateLimitExceeded, body.Error.Code)
	assert.Equal(t, ratelimit.ReasonRateExceeded, body.Error.Message)

	assert.Empty(t, queue.entries)
}

func TestAdmission_InvalidKeyIsRateLimitCode(t *testing.T) {
	admitter := &stubAdmitter{decision: ratelimit.Decision{Reason: ratelimit.ReasonInvalidKey, RetryAfter: time.Minute}}
	router := newRouter(admitter, &recordingQueue{})

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("X-API-Key", "mg_bad")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestUsageTracking_RecordsAdmittedRequests(t *testing.T) {
	customerID := uuid.New()
	admitter := &stubAdmitter{decision: ratelimit.Decision{Allowed: true, Remaining: 41, CustomerID: customerID}}
	queue := &recordingQueue{}
	router := newRouter(admitter, queue)

	req := httptest.NewRequest(http.MethodGet, "/api/orders?userId=u-query", nil)
	req.Header.Set("X-API-Key", "mg_key")
	req.Header.Set("X-User-Id", "u-header")
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.Header.Set("User-Agent", "curl/8.0")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "41", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	require.Len(t, queue.entries, 1)
	entry := queue.entries[0]
	assert.Equal(t, customerID, entry.CustomerID)
	assert.Equal(t, "u-header", entry.UserID)
	assert.Equal(t, "/api/orders", entry.Endpoint)
	assert.Equal(t, http.MethodGet, entry.Method)
	assert.Equal(t, http.StatusCreated, entry.StatusCode)
	require.NotNil(t, entry.IPAddress)
	assert.Equal(t, "203.0.113.7", *entry.IPAddress)
	require.NotNil(t, entry.UserAgent)
	assert.Equal(t, "curl/8.0", *entry.UserAgent)
}

func TestUsageTracking_TimesRequestsWithInjectedClock(t *testing.T) {
	admitter := &stubAdmitter{decision: ratelimit.Decision{Allowed: true, CustomerID: uuid.New()}}
	queue := &recordingQueue{}
	clk := clock.NewFake(now)
	router := newRouterWithClock(admitter, queue, clk)

	req := httptest.NewRequest(http.MethodGet, "/api/slow", nil)
	req.Header.Set("X-API-Key", "mg_key")
	router.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, queue.entries, 1)
	assert.True(t, queue.entries[0].Timestamp.Equal(now))
	assert.Equal(t, int64(250), queue.entries[0].ResponseTimeMs)
}

func TestSkippedPathsBypassAdmission(t *testing.T) {
	admitter := &stubAdmitter{}
	queue := &recordingQueue{}
	router := newRouter(admitter, queue)

	for _, path := range []string{"/health", "/admin/tiers"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	assert.Empty(t, admitter.keys)
	assert.Empty(t, queue.entries)
}

func TestUserIDAndClientIP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/x?userId=u-query", nil)
	assert.Equal(t, "u-query", UserID(c))

	c.Request = httptest.NewRequest(http.MethodGet, "/x", nil)
	assert.Equal(t, "anonymous", UserID(c))

	c.Request.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", ClientIP(c))

	c.Request = httptest.NewRequest(http.MethodGet, "/x", nil)
	c.Request.RemoteAddr = "192.0.2.10:5555"
	assert.Equal(t, "192.0.2.10", ClientIP(c))
}

func TestRequestID_PropagatesIncoming(t *testing.T) {
	router := newRouter(&stubAdmitter{}, &recordingQueue{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
}
