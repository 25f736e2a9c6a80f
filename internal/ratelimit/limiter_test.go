package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/clock"
	"github.com/aman-churiwal/monetization-gateway/internal/models"
	"github.com/aman-churiwal/monetization-gateway/internal/repository"
	"github.com/aman-churiwal/monetization-gateway/internal/storage/storagetest"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type fakeCustomers struct {
	mu        sync.Mutex
	byKey     map[string]uuid.UUID
	customers map[uuid.UUID]*models.Customer
	err       error
	// fails only IncrementUsage
	incrementErr error
}

func newFakeCustomers() *fakeCustomers {
	return &fakeCustomers{
		byKey:     make(map[string]uuid.UUID),
		customers: make(map[uuid.UUID]*models.Customer),
	}
}

func (f *fakeCustomers) add(key string, usage int, tier *models.Tier) *models.Customer {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := &models.Customer{
		ID:                uuid.New(),
		Name:              key,
		IsActive:          true,
		CurrentMonthUsage: usage,
		LastUsageReset:    models.MonthStart(baseTime),
		Tier:              tier,
	}
	f.byKey[key] = c.ID
	f.customers[c.ID] = c
	return c
}

func (f *fakeCustomers) copyOf(id uuid.UUID) *models.Customer {
	c, ok := f.customers[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (f *fakeCustomers) FindByAPIKey(_ context.Context, key string) (*models.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	id, ok := f.byKey[key]
	if !ok {
		return nil, nil
	}
	return f.copyOf(id), nil
}

func (f *fakeCustomers) FindByID(_ context.Context, id uuid.UUID) (*models.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.copyOf(id), nil
}

func (f *fakeCustomers) IncrementUsage(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.incrementErr != nil {
		return f.incrementErr
	}
	f.customers[id].CurrentMonthUsage++
	return nil
}

func (f *fakeCustomers) ResetMonthlyUsage(_ context.Context, id uuid.UUID, monthStart time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	c := f.customers[id]
	if !c.LastUsageReset.Before(monthStart) {
		return false, nil
	}
	c.CurrentMonthUsage = 0
	c.LastUsageReset = monthStart
	return true, nil
}

func (f *fakeCustomers) usage(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.customers[id].CurrentMonthUsage
}

type failingTrackers struct{}

func (failingTrackers) Get(context.Context, uuid.UUID) (*models.RateLimitTracker, error) {
	return nil, errors.New("connection refused")
}

func (failingTrackers) Put(context.Context, *models.RateLimitTracker) error {
	return errors.New("connection refused")
}

func tier(quota, rate int) *models.Tier {
	return &models.Tier{ID: uuid.New(), MonthlyQuota: quota, RateLimitPerSecond: rate, MonthlyPrice: decimal.NewFromInt(50)}
}

func TestLimiter_QuotaExceededRegardlessOfWindow(t *testing.T) {
	customers := newFakeCustomers()
	customers.add("mg_full", 100, tier(100, 10))
	clk := clock.NewFake(baseTime)
	limiter := NewLimiter(customers, NewMemoryTrackerStore(), WithClock(clk))

	for i := 0; i < 3; i++ {
		d := limiter.Admit(context.Background(), "mg_full")
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonQuotaExceeded, d.Reason)
		assert.ErrorIs(t, d.Err(), ErrQuotaExceeded)
		assert.Equal(t, models.NextMonthStart(baseTime).Sub(baseTime), d.RetryAfter)
	}
}

func TestLimiter_FixedWindowCheckAndRecord(t *testing.T) {
	customers := newFakeCustomers()
	c := customers.add("mg_two", 0, tier(1000, 2))
	clk := clock.NewFake(baseTime)
	limiter := NewLimiter(customers, NewMemoryTrackerStore(), WithClock(clk))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d := limiter.Check(ctx, "mg_two")
		require.True(t, d.Allowed, "request %d", i+1)
		require.NoError(t, limiter.Record(ctx, "mg_two"))
		clk.Advance(100 * time.Millisecond)
	}

	d := limiter.Check(ctx, "mg_two")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateExceeded, d.Reason)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, time.Second, d.RetryAfter)

	clk.Advance(time.Second)

	d = limiter.Check(ctx, "mg_two")
	assert.True(t, d.Allowed)
	assert.Equal(t, 998, d.Remaining)
	assert.Equal(t, 2, customers.usage(c.ID))
}

func TestLimiter_AdmitConsumesWindow(t *testing.T) {
	customers := newFakeCustomers()
	c := customers.add("mg_admit", 10, tier(1000, 2))
	clk := clock.NewFake(baseTime)
	limiter := NewLimiter(customers, NewMemoryTrackerStore(), WithClock(clk))
	ctx := context.Background()

	first := limiter.Admit(ctx, "mg_admit")
	assert.True(t, first.Allowed)
	assert.Equal(t, 990, first.Remaining)
	assert.Equal(t, c.ID, first.CustomerID)
	assert.Equal(t, 2, first.Limit)

	assert.True(t, limiter.Admit(ctx, "mg_admit").Allowed)

	third := limiter.Admit(ctx, "mg_admit")
	assert.False(t, third.Allowed)
	assert.Equal(t, 0, third.Remaining)
	assert.Equal(t, 12, customers.usage(c.ID))

	clk.Advance(time.Second)
	assert.True(t, limiter.Admit(ctx, "mg_admit").Allowed)
	assert.Equal(t, 13, customers.usage(c.ID))
}

func TestLimiter_InvalidKey(t *testing.T) {
	customers := newFakeCustomers()
	inactive := customers.add("mg_inactive", 0, tier(10, 10))
	inactive.IsActive = false
	customers.add("mg_no_tier", 0, nil)
	limiter := NewLimiter(customers, NewMemoryTrackerStore())

	for _, key := range []string{"", "mg_unknown", "mg_inactive", "mg_no_tier"} {
		d := limiter.Admit(context.Background(), key)
		assert.False(t, d.Allowed, key)
		assert.Equal(t, ReasonInvalidKey, d.Reason, key)
		assert.Equal(t, 0, d.Remaining, key)
		assert.Equal(t, time.Minute, d.RetryAfter, key)
		assert.ErrorIs(t, d.Err(), ErrInvalidKey)
	}

	assert.ErrorIs(t, limiter.Record(context.Background(), "mg_unknown"), ErrInvalidKey)
}

func TestLimiter_ZeroRateDeniesEverything(t *testing.T) {
	customers := newFakeCustomers()
	customers.add("mg_zero", 0, tier(100, 0))
	limiter := NewLimiter(customers, NewMemoryTrackerStore())

	d := limiter.Admit(context.Background(), "mg_zero")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateExceeded, d.Reason)
}

func TestLimiter_StorageFailureDenies(t *testing.T) {
	customers := newFakeCustomers()
	customers.add("mg_key", 0, tier(100, 10))

	limiter := NewLimiter(customers, failingTrackers{})
	d := limiter.Admit(context.Background(), "mg_key")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonStorageUnavailable, d.Reason)
	assert.Equal(t, time.Minute, d.RetryAfter)
	assert.ErrorIs(t, d.Err(), ErrStorageUnavailable)
	assert.ErrorIs(t, limiter.Record(context.Background(), "mg_key"), ErrStorageUnavailable)

	customers.err = errors.New("database is down")
	limiter = NewLimiter(customers, NewMemoryTrackerStore())
	d = limiter.Admit(context.Background(), "mg_key")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonStorageUnavailable, d.Reason)
}

type slowCustomers struct{ *fakeCustomers }

func (s slowCustomers) FindByAPIKey(ctx context.Context, key string) (*models.Customer, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestLimiter_StorageTimeoutDenies(t *testing.T) {
	limiter := NewLimiter(slowCustomers{newFakeCustomers()}, NewMemoryTrackerStore(), WithStorageTimeout(20*time.Millisecond))

	d := limiter.Admit(context.Background(), "mg_slow")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonStorageUnavailable, d.Reason)
}

func TestLimiter_ConcurrentAdmitNeverOvershoots(t *testing.T) {
	customers := newFakeCustomers()
	c := customers.add("mg_busy", 0, tier(1000, 5))
	limiter := NewLimiter(customers, NewMemoryTrackerStore(), WithClock(clock.NewFake(baseTime)))

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Admit(context.Background(), "mg_busy").Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), allowed.Load())
	assert.Equal(t, 5, customers.usage(c.ID))
	assert.Equal(t, 0, limiter.locks.size())
}

func TestLimiter_ConcurrentAdmitRespectsQuotaInDatabase(t *testing.T) {
	db := storagetest.NewSQLite(t)
	ctx := context.Background()

	quotaTier := &models.Tier{Name: "tiny", MonthlyQuota: 7, RateLimitPerSecond: 100, MonthlyPrice: decimal.NewFromInt(7)}
	require.NoError(t, repository.NewTierRepository(db).Create(ctx, quotaTier))

	customerRepo := repository.NewCustomerRepository(db)
	customer := &models.Customer{Name: "Acme", APIKeyHash: models.HashAPIKey("mg_db"), TierID: quotaTier.ID, IsActive: true}
	require.NoError(t, customerRepo.Create(ctx, customer))

	limiter := NewLimiter(customerRepo, NewPostgresTrackerStore(repository.NewRateLimitRepository(db)),
		WithClock(clock.NewFake(baseTime)), WithStorageTimeout(10*time.Second))

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Admit(ctx, "mg_db").Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(7), allowed.Load())

	stored, err := customerRepo.FindByID(ctx, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, stored.CurrentMonthUsage)

	d := limiter.Admit(ctx, "mg_db")
	assert.Equal(t, ReasonQuotaExceeded, d.Reason)
}

func TestLimiter_FailedUsageIncrementKeepsWindowFree(t *testing.T) {
	customers := newFakeCustomers()
	c := customers.add("mg_flaky", 0, tier(100, 1))
	clk := clock.NewFake(baseTime)
	trackers := NewMemoryTrackerStore()
	limiter := NewLimiter(customers, trackers, WithClock(clk))
	ctx := context.Background()

	customers.incrementErr = errors.New("database is down")
	d := limiter.Admit(ctx, "mg_flaky")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonStorageUnavailable, d.Reason)

	window, err := trackers.Get(ctx, c.ID)
	require.NoError(t, err)
	if window != nil {
		assert.Equal(t, 0, window.CurrentCount(clk.Now()))
	}

	customers.incrementErr = nil
	clk.Advance(100 * time.Millisecond)
	d = limiter.Admit(ctx, "mg_flaky")
	assert.True(t, d.Allowed, d.Reason)
	assert.Equal(t, 1, customers.usage(c.ID))
}

func TestLimiter_NewMonthAdmitsBeforeReconcileReset(t *testing.T) {
	customers := newFakeCustomers()
	c := customers.add("mg_rollover", 100, tier(100, 10))
	clk := clock.NewFake(baseTime)
	limiter := NewLimiter(customers, NewMemoryTrackerStore(), WithClock(clk))
	ctx := context.Background()

	assert.Equal(t, ReasonQuotaExceeded, limiter.Admit(ctx, "mg_rollover").Reason)

	clk.Set(time.Date(2026, 4, 1, 0, 5, 0, 0, time.UTC))

	check := limiter.Check(ctx, "mg_rollover")
	assert.True(t, check.Allowed)
	assert.Equal(t, 100, check.Remaining)
	assert.Equal(t, 100, customers.usage(c.ID), "check must not write")

	d := limiter.Admit(ctx, "mg_rollover")
	require.True(t, d.Allowed, d.Reason)
	assert.Equal(t, 100, d.Remaining)
	assert.Equal(t, 1, customers.usage(c.ID))

	reset, err := customers.ResetMonthlyUsage(ctx, c.ID, models.MonthStart(clk.Now()))
	require.NoError(t, err)
	assert.False(t, reset, "month already opened by admission")
	assert.Equal(t, 1, customers.usage(c.ID))
}

func TestLimiter_LockWaitHonoursDeadline(t *testing.T) {
	customers := newFakeCustomers()
	c := customers.add("mg_hot", 0, tier(100, 10))
	limiter := NewLimiter(customers, NewMemoryTrackerStore(), WithClock(clock.NewFake(baseTime)), WithStorageTimeout(30*time.Millisecond))

	unlock, err := limiter.locks.Lock(context.Background(), c.ID)
	require.NoError(t, err)

	start := time.Now()
	d := limiter.Admit(context.Background(), "mg_hot")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonStorageUnavailable, d.Reason)
	assert.Less(t, time.Since(start), time.Second)

	unlock()
	assert.Equal(t, 0, limiter.locks.size())
	assert.True(t, limiter.Admit(context.Background(), "mg_hot").Allowed)
}

func TestKeyLocks_SerializesSameKey(t *testing.T) {
	locks := newKeyLocks()
	id := uuid.New()
	ctx := context.Background()

	unlock, err := locks.Lock(ctx, id)
	require.NoError(t, err)
	acquired := make(chan struct{})
	go func() {
		release, err := locks.Lock(ctx, id)
		if err != nil {
			return
		}
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}

	other, err := locks.Lock(ctx, uuid.New())
	require.NoError(t, err)
	other()

	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return locks.size() == 0 }, time.Second, time.Millisecond)
}

func TestKeyLocks_CancelledWaiterLeavesNoEntry(t *testing.T) {
	locks := newKeyLocks()
	id := uuid.New()

	unlock, err := locks.Lock(context.Background(), id)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, locks.size())
}
