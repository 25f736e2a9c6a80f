package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/repository"
	"github.com/aman-churiwal/monetization-gateway/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDelay_BacksOffTowardsInterval(t *testing.T) {
	r := New(nil, nil, nil, testConfig())
	policy := r.newRetryPolicy()
	failure := errors.New("boom")

	assert.Equal(t, 5*time.Minute, r.nextDelay(failure, policy))
	assert.Equal(t, 10*time.Minute, r.nextDelay(failure, policy))
	assert.Equal(t, 20*time.Minute, r.nextDelay(failure, policy))
	assert.Equal(t, 40*time.Minute, r.nextDelay(failure, policy))
	assert.Equal(t, time.Hour, r.nextDelay(failure, policy))
	assert.Equal(t, time.Hour, r.nextDelay(failure, policy))

	assert.Equal(t, time.Hour, r.nextDelay(nil, policy))
	assert.Equal(t, 5*time.Minute, r.nextDelay(failure, policy))
}

func schedulerFixture(t *testing.T, customers *countingCustomers, interval, retry time.Duration) *Reconciler {
	db := storagetest.NewSQLite(t)
	cfg := testConfig()
	cfg.Interval = interval
	cfg.RetryDelay = retry
	return New(customers, repository.NewUsageLogRepository(db), repository.NewSummaryRepository(db), cfg)
}

func TestScheduler_RunsRepeatedlyUntilStopped(t *testing.T) {
	customers := &countingCustomers{}
	r := schedulerFixture(t, customers, 10*time.Millisecond, time.Millisecond)

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))

	assert.Eventually(t, func() bool { return customers.cycles.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))

	stopped := customers.cycles.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, customers.cycles.Load())
	assert.NoError(t, r.Stop(ctx))
}

func TestScheduler_RetriesSoonerAfterFailure(t *testing.T) {
	customers := &countingCustomers{err: errors.New("connection refused")}
	r := schedulerFixture(t, customers, time.Hour, 5*time.Millisecond)

	require.NoError(t, r.Start(context.Background()))
	assert.Eventually(t, func() bool { return customers.cycles.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop(context.Background()))
}

func TestScheduler_Disabled(t *testing.T) {
	customers := &countingCustomers{}
	r := schedulerFixture(t, customers, time.Millisecond, time.Millisecond)
	r.cfg.Enabled = false

	require.NoError(t, r.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), customers.cycles.Load())
	assert.NoError(t, r.Stop(context.Background()))
}
