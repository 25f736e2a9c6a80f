package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/clock"
	"github.com/aman-churiwal/monetization-gateway/internal/models"
	"github.com/aman-churiwal/monetization-gateway/internal/repository"
	"github.com/aman-churiwal/monetization-gateway/internal/service"
	"github.com/aman-churiwal/monetization-gateway/internal/usage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

type UsageHandler struct {
	logs      *repository.UsageLogRepository
	summaries *repository.SummaryRepository
	recorder  *usage.Recorder
	analytics *service.AnalyticsService
	clock     clock.Clock
	logger    *zap.Logger
}

func NewUsageHandler(logs *repository.UsageLogRepository, summaries *repository.SummaryRepository, recorder *usage.Recorder, analytics *service.AnalyticsService, clk clock.Clock, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{
		logs:      logs,
		summaries: summaries,
		recorder:  recorder,
		analytics: analytics,
		clock:     clk,
		logger:    logger,
	}
}

// Handles GET /admin/usage/logs/:customerId
func (h *UsageHandler) GetLogs(c *gin.Context) {
	customerID, ok := parseID(c, "customerId")
	if !ok {
		return
	}

	from, err := parseTime(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from: " + err.Error()})
		return
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to: " + err.Error()})
		return
	}

	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := defaultPageSize
	if s, err := strconv.Atoi(c.Query("pageSize")); err == nil && s > 0 && s <= maxPageSize {
		pageSize = s
	}

	logs, total, err := h.logs.ListByCustomer(c.Request.Context(), customerID, from, to, pageSize, (page-1)*pageSize)
	if err != nil {
		h.logger.Error("Failed to list usage logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list usage logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":        logs,
		"page":        page,
		"page_size":   pageSize,
		"total":       total,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// Handles GET /admin/usage/summary/:customerId
func (h *UsageHandler) GetCustomerSummaries(c *gin.Context) {
	customerID, ok := parseID(c, "customerId")
	if !ok {
		return
	}

	summaries, err := h.summaries.ListByCustomer(c.Request.Context(), customerID)
	if err != nil {
		h.logger.Error("Failed to list summaries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list summaries"})
		return
	}

	c.JSON(http.StatusOK, summaries)
}

// Handles GET /admin/usage/summary/month/:year/:month
func (h *UsageHandler) GetMonthSummaries(c *gin.Context) {
	year, errYear := strconv.Atoi(c.Param("year"))
	month, errMonth := strconv.Atoi(c.Param("month"))
	period := models.Period{Year: year, Month: month}
	if errYear != nil || errMonth != nil || !period.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid year or month"})
		return
	}

	summaries, err := h.summaries.ListByPeriod(c.Request.Context(), period)
	if err != nil {
		h.logger.Error("Failed to list summaries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list summaries"})
		return
	}

	c.JSON(http.StatusOK, summaries)
}

// Handles GET /admin/usage/statistics/:customerId
func (h *UsageHandler) GetStatistics(c *gin.Context) {
	customerID, ok := parseID(c, "customerId")
	if !ok {
		return
	}

	year, err := optionalInt(c.Query("year"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid year"})
		return
	}
	month, err := optionalInt(c.Query("month"))
	if err != nil || (month != nil && (*month < 1 || *month > 12)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid month"})
		return
	}

	c.JSON(http.StatusOK, h.recorder.GetUsageStatistics(c.Request.Context(), customerID, year, month))
}

// Handles GET /admin/usage/dashboard
func (h *UsageHandler) GetDashboard(c *gin.Context) {
	dashboard, err := h.analytics.Dashboard(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to build dashboard", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build dashboard"})
		return
	}

	c.JSON(http.StatusOK, dashboard)
}

// Handles GET /admin/analytics
func (h *UsageHandler) GetAnalytics(c *gin.Context) {
	to := h.clock.Now()
	from := to.Add(-24 * time.Hour)

	if parsed, err := parseTime(c.Query("from")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from: " + err.Error()})
		return
	} else if parsed != nil {
		from = *parsed
	}
	if parsed, err := parseTime(c.Query("to")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to: " + err.Error()})
		return
	} else if parsed != nil {
		to = *parsed
	}

	summary, err := h.analytics.GetSummary(c.Request.Context(), from, to)
	if err != nil {
		h.logger.Error("Failed to build analytics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build analytics"})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// parseTime accepts RFC3339 or a unix timestamp. Empty input yields nil.
func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		timestamp, convErr := strconv.ParseInt(raw, 10, 64)
		if convErr != nil {
			return nil, errors.New("expected RFC3339 or unix seconds")
		}
		t = time.Unix(timestamp, 0)
	}

	t = t.UTC()
	return &t, nil
}

func optionalInt(raw string) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
