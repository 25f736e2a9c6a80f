package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/clock"
	"github.com/aman-churiwal/monetization-gateway/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultStorageTimeout = 2 * time.Second

// Limiter admits requests against a customer's monthly quota and per-second
// fixed window. All reads and writes of one customer's window and usage
// counter happen under that customer's lock.
type Limiter struct {
	customers CustomerStore
	trackers  TrackerStore
	clock     clock.Clock
	locks     *keyLocks
	timeout   time.Duration
	logger    *zap.Logger
}

type Option func(*Limiter)

func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithStorageTimeout bounds every storage call made by one operation.
func WithStorageTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func NewLimiter(customers CustomerStore, trackers TrackerStore, opts ...Option) *Limiter {
	l := &Limiter{
		customers: customers,
		trackers:  trackers,
		clock:     clock.Real{},
		locks:     newKeyLocks(),
		timeout:   defaultStorageTimeout,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit evaluates the request and, when allowed, consumes one slot of the
// window and one unit of monthly usage in the same critical section.
func (l *Limiter) Admit(ctx context.Context, apiKey string) Decision {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	customer, unlock, decision, ok := l.lockCustomer(ctx, apiKey)
	if !ok {
		return decision
	}
	defer unlock()

	now := l.clock.Now()
	decision, tracker, err := l.evaluate(ctx, customer, now)
	if err != nil {
		l.logger.Error("Failed to evaluate rate limit", zap.String("customer_id", customer.ID.String()), zap.Error(err))
		return storageUnavailable(customer.ID)
	}
	if !decision.Allowed {
		return decision
	}

	if err := l.consume(ctx, customer, tracker, now); err != nil {
		l.logger.Error("Failed to record admitted request", zap.String("customer_id", customer.ID.String()), zap.Error(err))
		return storageUnavailable(customer.ID)
	}

	return decision
}

// Check evaluates the request without consuming anything.
func (l *Limiter) Check(ctx context.Context, apiKey string) Decision {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	customer, unlock, decision, ok := l.lockCustomer(ctx, apiKey)
	if !ok {
		return decision
	}
	defer unlock()

	decision, _, err := l.evaluate(ctx, customer, l.clock.Now())
	if err != nil {
		l.logger.Error("Failed to evaluate rate limit", zap.String("customer_id", customer.ID.String()), zap.Error(err))
		return storageUnavailable(customer.ID)
	}
	return decision
}

// Record consumes one window slot and one unit of monthly usage without
// evaluating limits. Pairing Check with Record is racy under concurrent
// load; the request path uses Admit.
func (l *Limiter) Record(ctx context.Context, apiKey string) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	customer, unlock, decision, ok := l.lockCustomer(ctx, apiKey)
	if !ok {
		return decision.Err()
	}
	defer unlock()

	now := l.clock.Now()
	tracker, err := l.trackers.Get(ctx, customer.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := l.consume(ctx, customer, tracker, now); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// lockCustomer resolves the key, takes the customer's lock and rereads the
// customer so quota decisions see every increment made by earlier holders.
// When ok is false the returned decision is final and no lock is held.
func (l *Limiter) lockCustomer(ctx context.Context, apiKey string) (*models.Customer, func(), Decision, bool) {
	if apiKey == "" {
		return nil, nil, invalidKey(), false
	}

	customer, err := l.customers.FindByAPIKey(ctx, apiKey)
	if err != nil {
		l.logger.Error("Failed to resolve API key", zap.Error(err))
		return nil, nil, storageUnavailable(uuid.Nil), false
	}
	if customer == nil || customer.Tier == nil {
		return nil, nil, invalidKey(), false
	}

	unlock, err := l.locks.Lock(ctx, customer.ID)
	if err != nil {
		l.logger.Warn("Timed out waiting for customer lock", zap.String("customer_id", customer.ID.String()), zap.Error(err))
		return nil, nil, storageUnavailable(customer.ID), false
	}

	fresh, err := l.customers.FindByID(ctx, customer.ID)
	if err != nil {
		unlock()
		l.logger.Error("Failed to load customer", zap.String("customer_id", customer.ID.String()), zap.Error(err))
		return nil, nil, storageUnavailable(customer.ID), false
	}
	if fresh == nil || !fresh.IsActive || fresh.Tier == nil {
		unlock()
		return nil, nil, invalidKey(), false
	}

	return fresh, unlock, Decision{}, true
}

// evaluate applies quota then window rules. The returned tracker is the
// stored window, or nil when the customer has none yet. Usage from a month
// that has not been reset yet counts as zero.
func (l *Limiter) evaluate(ctx context.Context, customer *models.Customer, now time.Time) (Decision, *models.RateLimitTracker, error) {
	if customer.NeedsUsageReset(now) {
		rolled := *customer
		rolled.CurrentMonthUsage = 0
		customer = &rolled
	}

	tier := customer.Tier
	decision := Decision{
		CustomerID: customer.ID,
		Limit:      tier.RateLimitPerSecond,
	}

	if customer.HasExceededMonthlyQuota() {
		decision.Reason = ReasonQuotaExceeded
		decision.RetryAfter = models.NextMonthStart(now).Sub(now)
		return decision, nil, nil
	}

	tracker, err := l.trackers.Get(ctx, customer.ID)
	if err != nil {
		return Decision{}, nil, err
	}

	if tracker != nil && !tracker.IsWithinLimit(tier.RateLimitPerSecond, now) {
		decision.Reason = ReasonRateExceeded
		decision.RetryAfter = rateRetry
		decision.Remaining = max(0, tier.RateLimitPerSecond-tracker.CurrentCount(now))
		return decision, tracker, nil
	}

	// A customer without a window has counted nothing this second
	if tracker == nil && tier.RateLimitPerSecond <= 0 {
		decision.Reason = ReasonRateExceeded
		decision.RetryAfter = rateRetry
		return decision, nil, nil
	}

	decision.Allowed = true
	decision.Remaining = customer.RemainingQuota()
	return decision, tracker, nil
}

// consume opens the month first when it was not reset yet, then counts the
// request in the window and the monthly usage. A failed usage increment puts
// the previous window back so a denied request holds no slot.
func (l *Limiter) consume(ctx context.Context, customer *models.Customer, tracker *models.RateLimitTracker, now time.Time) error {
	if customer.NeedsUsageReset(now) {
		if _, err := l.customers.ResetMonthlyUsage(ctx, customer.ID, models.MonthStart(now)); err != nil {
			return fmt.Errorf("reset monthly usage: %w", err)
		}
	}

	if tracker == nil {
		tracker = models.NewRateLimitTracker(customer.ID, now)
	}
	previous := *tracker
	tracker.Increment(now)

	if err := l.trackers.Put(ctx, tracker); err != nil {
		return fmt.Errorf("store window: %w", err)
	}

	if err := l.customers.IncrementUsage(ctx, customer.ID); err != nil {
		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		if restoreErr := l.trackers.Put(restoreCtx, &previous); restoreErr != nil {
			l.logger.Error("Failed to restore rate limit window",
				zap.String("customer_id", customer.ID.String()),
				zap.Error(restoreErr),
			)
		}
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}
