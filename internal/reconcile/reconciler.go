// Package reconcile folds raw usage logs into monthly billing summaries and
// resets customer usage counters at month rollover.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/clock"
	"github.com/aman-churiwal/monetization-gateway/internal/config"
	"github.com/aman-churiwal/monetization-gateway/internal/metrics"
	"github.com/aman-churiwal/monetization-gateway/internal/models"
	"github.com/aman-churiwal/monetization-gateway/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Optimistic summary writes retried before a customer-period is counted as failed
const maxConflictRetries = 3

type CustomerStore interface {
	ListActive(ctx context.Context) ([]models.Customer, error)
	ResetMonthlyUsage(ctx context.Context, id uuid.UUID, monthStart time.Time) (bool, error)
}

type LogStore interface {
	FindByCustomerMonth(ctx context.Context, customerID uuid.UUID, p models.Period) ([]models.APIUsageLog, error)
}

type SummaryStore interface {
	Find(ctx context.Context, customerID uuid.UUID, p models.Period) (*models.MonthlyUsageSummary, error)
	Upsert(ctx context.Context, summary *models.MonthlyUsageSummary, deltaRequests int64, deltaCost decimal.Decimal) error
}

// CycleResult counts what one cycle did.
type CycleResult struct {
	Customers int `json:"customers"`
	Updated   int `json:"updated_summaries"`
	Failed    int `json:"failed"`
	Resets    int `json:"resets"`
}

type Reconciler struct {
	customers CustomerStore
	logs      LogStore
	summaries SummaryStore
	cfg       config.ReconcileConfig
	clock     clock.Clock
	pacer     *rate.Limiter
	group     singleflight.Group
	metrics   *metrics.Collector
	logger    *zap.Logger

	scheduler
}

type Option func(*Reconciler)

func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func New(customers CustomerStore, logs LogStore, summaries SummaryStore, cfg config.ReconcileConfig, opts ...Option) *Reconciler {
	r := &Reconciler{
		customers: customers,
		logs:      logs,
		summaries: summaries,
		cfg:       cfg,
		clock:     clock.Real{},
		logger:    zap.NewNop(),
	}
	if cfg.CustomersPerSecond > 0 {
		r.pacer = rate.NewLimiter(rate.Limit(cfg.CustomersPerSecond), 1)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Periods to reconcile at now: the current month, plus the previous one
// during the first PriorMonthDays days so late logs still land.
func (r *Reconciler) periods(now time.Time) []models.Period {
	current := models.PeriodOf(now)
	if now.Day() <= r.cfg.PriorMonthDays {
		return []models.Period{current, current.Previous()}
	}
	return []models.Period{current}
}

// RunCycle reconciles every active customer then runs the month reset pass.
// Per customer failures are logged and counted; only failing to list
// customers or cancellation fails the cycle.
func (r *Reconciler) RunCycle(ctx context.Context) (CycleResult, error) {
	start := r.clock.Now()
	result, err := r.runCycle(ctx, start)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.metrics.ObserveCycle(outcome, r.clock.Now().Sub(start))

	return result, err
}

func (r *Reconciler) runCycle(ctx context.Context, now time.Time) (CycleResult, error) {
	var result CycleResult

	listCtx, cancel := context.WithTimeout(ctx, r.cfg.StorageTimeout)
	customers, err := r.customers.ListActive(listCtx)
	cancel()
	if err != nil {
		return result, fmt.Errorf("list active customers: %w", err)
	}
	result.Customers = len(customers)

	periods := r.periods(now)
	for _, customer := range customers {
		if err := r.pace(ctx); err != nil {
			return result, err
		}

		for _, p := range periods {
			updated, err := r.ReconcileCustomer(ctx, customer.ID, p)
			if err != nil {
				if ctx.Err() != nil {
					return result, ctx.Err()
				}
				result.Failed++
				r.metrics.CustomerReconcileFailed()
				r.logger.Error("Failed to reconcile monthly summary",
					zap.String("customer_id", customer.ID.String()),
					zap.String("period", p.String()),
					zap.Error(err),
				)
				continue
			}
			if updated {
				result.Updated++
			}
		}
	}

	monthStart := models.MonthStart(now)
	for _, customer := range customers {
		if !customer.NeedsUsageReset(now) {
			continue
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		resetCtx, cancel := context.WithTimeout(ctx, r.cfg.StorageTimeout)
		reset, err := r.customers.ResetMonthlyUsage(resetCtx, customer.ID, monthStart)
		cancel()
		if err != nil {
			result.Failed++
			r.logger.Error("Failed to reset monthly usage",
				zap.String("customer_id", customer.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if reset {
			result.Resets++
			r.metrics.UsageReset()
			r.logger.Info("Reset monthly usage", zap.String("customer_id", customer.ID.String()))
		}
	}

	r.logger.Debug("Reconcile cycle finished",
		zap.Int("customers", result.Customers),
		zap.Int("updated", result.Updated),
		zap.Int("failed", result.Failed),
		zap.Int("resets", result.Resets),
	)

	return result, nil
}

func (r *Reconciler) pace(ctx context.Context) error {
	if r.pacer == nil {
		return ctx.Err()
	}
	return r.pacer.Wait(ctx)
}

// ReconcileCustomer brings one customer-period summary in line with the raw
// logs by applying the difference as a single additive write. Concurrent
// calls for the same customer-period share one execution.
func (r *Reconciler) ReconcileCustomer(ctx context.Context, customerID uuid.UUID, p models.Period) (bool, error) {
	key := customerID.String() + "/" + p.String()

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, r.cfg.StorageTimeout)
		defer cancel()

		for attempt := 0; ; attempt++ {
			updated, err := r.reconcileOnce(ctx, customerID, p)
			if errors.Is(err, repository.ErrSummaryConflict) && attempt < maxConflictRetries {
				continue
			}
			return updated, err
		}
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (r *Reconciler) reconcileOnce(ctx context.Context, customerID uuid.UUID, p models.Period) (bool, error) {
	logs, err := r.logs.FindByCustomerMonth(ctx, customerID, p)
	if err != nil {
		return false, fmt.Errorf("query usage logs: %w", err)
	}

	requests := int64(len(logs))
	cost := decimal.Zero
	for _, log := range logs {
		cost = cost.Add(log.Cost)
	}

	summary, err := r.summaries.Find(ctx, customerID, p)
	if err != nil {
		return false, fmt.Errorf("load summary: %w", err)
	}

	if summary == nil {
		if requests == 0 {
			return false, nil
		}
		summary = models.NewMonthlyUsageSummary(customerID, p)
	}

	deltaRequests := requests - summary.TotalRequests
	deltaCost := cost.Sub(summary.TotalCost)
	if deltaRequests == 0 && deltaCost.IsZero() {
		return false, nil
	}

	if err := r.summaries.Upsert(ctx, summary, deltaRequests, deltaCost); err != nil {
		return false, err
	}

	r.logger.Debug("Updated monthly summary",
		zap.String("customer_id", customerID.String()),
		zap.String("period", p.String()),
		zap.Int64("total_requests", summary.TotalRequests),
		zap.String("total_cost", summary.TotalCost.String()),
	)
	return true, nil
}
