// Package usage meters admitted requests and serves usage statistics.
package usage

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aman-churiwal/monetization-gateway/internal/clock"
	"github.com/aman-churiwal/monetization-gateway/internal/metrics"
	"github.com/aman-churiwal/monetization-gateway/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultStorageTimeout = 5 * time.Second

type CustomerLookup interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Customer, error)
}

type LogStore interface {
	Create(ctx context.Context, log *models.APIUsageLog) error
	FindByCustomer(ctx context.Context, customerID uuid.UUID, from, to *time.Time) ([]models.APIUsageLog, error)
}

// Entry describes one completed request to be metered.
type Entry struct {
	CustomerID     uuid.UUID
	UserID         string
	Endpoint       string
	Method         string
	StatusCode     int
	ResponseTimeMs int64
	IPAddress      *string
	UserAgent      *string
	// Zero means the time the entry is written
	Timestamp time.Time
}

type Recorder struct {
	customers CustomerLookup
	logs      LogStore
	clock     clock.Clock
	timeout   time.Duration
	metrics   *metrics.Collector
	logger    *zap.Logger
}

type Option func(*Recorder)

func WithClock(c clock.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

func WithStorageTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(r *Recorder) { r.metrics = m }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

func NewRecorder(customers CustomerLookup, logs LogStore, opts ...Option) *Recorder {
	r := &Recorder{
		customers: customers,
		logs:      logs,
		clock:     clock.Real{},
		timeout:   defaultStorageTimeout,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LogUsage persists one usage log priced at the customer's current tier.
// Failures are logged and never returned.
func (r *Recorder) LogUsage(ctx context.Context, entry Entry) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	customer, err := r.customers.FindByID(ctx, entry.CustomerID)
	if err != nil {
		r.fail("Failed to load customer for usage log", entry, err)
		return
	}
	if customer == nil || customer.Tier == nil {
		r.logger.Warn("Usage log for unknown customer", zap.String("customer_id", entry.CustomerID.String()))
		r.metrics.UsageLogged("failed")
		return
	}

	timestamp := entry.Timestamp
	if timestamp.IsZero() {
		timestamp = r.clock.Now()
	}

	log := &models.APIUsageLog{
		CustomerID:     entry.CustomerID,
		UserID:         fit(entry.UserID, models.UserIDMaxLen),
		Endpoint:       fit(entry.Endpoint, models.EndpointMaxLen),
		Method:         fit(entry.Method, models.MethodMaxLen),
		Timestamp:      timestamp.UTC(),
		StatusCode:     entry.StatusCode,
		ResponseTimeMs: entry.ResponseTimeMs,
		IPAddress:      fitOptional(entry.IPAddress, models.IPAddressMaxLen),
		UserAgent:      fitOptional(entry.UserAgent, models.UserAgentMaxLen),
		Cost:           customer.Tier.PerRequestCost(),
	}

	if err := r.logs.Create(ctx, log); err != nil {
		r.fail("Failed to write usage log", entry, err)
		return
	}

	r.metrics.UsageLogged("written")
	r.logger.Debug("Logged API usage",
		zap.String("customer_id", entry.CustomerID.String()),
		zap.String("method", entry.Method),
		zap.String("endpoint", entry.Endpoint),
		zap.Int("status", entry.StatusCode),
		zap.Int64("response_time_ms", entry.ResponseTimeMs),
	)
}

// fit makes caller-supplied text storable: invalid UTF-8 is replaced and the
// result is cut to at most n characters.
func fit(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func fitOptional(s *string, n int) *string {
	if s == nil {
		return nil
	}
	v := fit(*s, n)
	return &v
}

func (r *Recorder) fail(msg string, entry Entry, err error) {
	r.metrics.UsageLogged("failed")
	r.logger.Error(msg,
		zap.String("customer_id", entry.CustomerID.String()),
		zap.String("endpoint", entry.Endpoint),
		zap.Error(err),
	)
}

// Statistics aggregates a customer's usage over [FromDate, ToDate).
type Statistics struct {
	TotalRequests       int64            `json:"total_requests"`
	TotalCost           decimal.Decimal  `json:"total_cost"`
	FromDate            time.Time        `json:"from_date"`
	ToDate              time.Time        `json:"to_date"`
	EndpointBreakdown   map[string]int64 `json:"endpoint_breakdown"`
	StatusCodeBreakdown map[int]int64    `json:"status_code_breakdown"`
}

func emptyStatistics(from, to time.Time) Statistics {
	return Statistics{
		TotalCost:           decimal.Zero,
		FromDate:            from,
		ToDate:              to,
		EndpointBreakdown:   map[string]int64{},
		StatusCodeBreakdown: map[int]int64{},
	}
}

// ResolvePeriod picks the statistics range: a month when both year and month
// are given, a whole year for year alone, otherwise the month containing now.
func ResolvePeriod(year, month *int, now time.Time) (time.Time, time.Time) {
	switch {
	case year != nil && month != nil:
		p := models.Period{Year: *year, Month: *month}
		return p.Start(), p.End()
	case year != nil:
		from := time.Date(*year, time.January, 1, 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(1, 0, 0)
	default:
		return models.MonthStart(now), models.NextMonthStart(now)
	}
}

// GetUsageStatistics never fails; storage errors are logged and yield zeroed statistics.
func (r *Recorder) GetUsageStatistics(ctx context.Context, customerID uuid.UUID, year, month *int) Statistics {
	from, to := ResolvePeriod(year, month, r.clock.Now())
	stats := emptyStatistics(from, to)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	logs, err := r.logs.FindByCustomer(ctx, customerID, &from, &to)
	if err != nil {
		r.logger.Error("Failed to load usage statistics",
			zap.String("customer_id", customerID.String()),
			zap.Error(err),
		)
		return stats
	}

	for _, log := range logs {
		stats.TotalRequests++
		stats.TotalCost = stats.TotalCost.Add(log.Cost)
		stats.EndpointBreakdown[log.Endpoint]++
		stats.StatusCodeBreakdown[log.StatusCode]++
	}

	return stats
}
