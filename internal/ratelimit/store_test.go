package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aman-churiwal/monetization-gateway/internal/clock"
	"github.com/aman-churiwal/monetization-gateway/internal/models"
	"github.com/aman-churiwal/monetization-gateway/internal/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryTrackerStore_EvictIdle(t *testing.T) {
	store := NewMemoryTrackerStore()
	ctx := context.Background()

	idle := models.NewRateLimitTracker(uuid.New(), baseTime.Add(-10*time.Minute))
	busy := models.NewRateLimitTracker(uuid.New(), baseTime)
	require.NoError(t, store.Put(ctx, idle))
	require.NoError(t, store.Put(ctx, busy))

	evicted, err := store.EvictIdle(ctx, baseTime.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), evicted)
	assert.Equal(t, 1, store.Len())

	got, err := store.Get(ctx, busy.CustomerID)
	require.NoError(t, err)
	require.NotNil(t, got)

	got.RequestCount = 99
	again, _ := store.Get(ctx, busy.CustomerID)
	assert.Equal(t, 0, again.RequestCount)
}

func TestRunJanitor(t *testing.T) {
	store := NewMemoryTrackerStore()
	clk := clock.NewFake(baseTime)
	require.NoError(t, store.Put(context.Background(), models.NewRateLimitTracker(uuid.New(), baseTime.Add(-time.Hour))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunJanitor(ctx, store, clk, 5*time.Millisecond, 5*time.Minute, zap.NewNop())
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestRedisTrackerStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := storage.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	store := NewRedisTrackerStore(client, 5*time.Minute)
	ctx := context.Background()
	customerID := uuid.New()

	missing, err := store.Get(ctx, customerID)
	require.NoError(t, err)
	assert.Nil(t, missing)

	tracker := models.NewRateLimitTracker(customerID, baseTime)
	tracker.Increment(baseTime)
	tracker.Increment(baseTime.Add(200 * time.Millisecond))
	require.NoError(t, store.Put(ctx, tracker))

	got, err := store.Get(ctx, customerID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.RequestCount)
	assert.True(t, got.WindowStart.Equal(baseTime))

	assert.Equal(t, 5*time.Minute, mr.TTL(windowKey(customerID)))

	mr.FastForward(6 * time.Minute)
	expired, err := store.Get(ctx, customerID)
	require.NoError(t, err)
	assert.Nil(t, expired)
}

func TestRedisTrackerStore_SharedAcrossLimiters(t *testing.T) {
	mr := miniredis.RunT(t)
	client := storage.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	customers := newFakeCustomers()
	customers.add("mg_shared", 0, tier(100, 1))
	clk := clock.NewFake(baseTime)

	first := NewLimiter(customers, NewRedisTrackerStore(client, time.Minute), WithClock(clk))
	second := NewLimiter(customers, NewRedisTrackerStore(client, time.Minute), WithClock(clk))

	assert.True(t, first.Admit(context.Background(), "mg_shared").Allowed)
	assert.False(t, second.Admit(context.Background(), "mg_shared").Allowed)
}

func TestEvictorSupport(t *testing.T) {
	var store TrackerStore = NewMemoryTrackerStore()
	_, ok := store.(Evictor)
	assert.True(t, ok)

	store = NewRedisTrackerStore(nil, time.Minute)
	_, ok = store.(Evictor)
	assert.False(t, ok)
}
