package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/models"
	"github.com/aman-churiwal/monetization-gateway/internal/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisTrackerStore shares windows between gateway instances. Each window
// is a JSON document that expires after the idle TTL.
type RedisTrackerStore struct {
	redis   *storage.RedisClient
	idleTTL time.Duration
}

type windowState struct {
	WindowStart  time.Time `json:"window_start"`
	RequestCount int       `json:"request_count"`
	LastRequest  time.Time `json:"last_request"`
}

func NewRedisTrackerStore(redis *storage.RedisClient, idleTTL time.Duration) *RedisTrackerStore {
	return &RedisTrackerStore{
		redis:   redis,
		idleTTL: idleTTL,
	}
}

func windowKey(customerID uuid.UUID) string {
	return fmt.Sprintf("ratelimit:window:%s", customerID)
}

func (s *RedisTrackerStore) Get(ctx context.Context, customerID uuid.UUID) (*models.RateLimitTracker, error) {
	data, err := s.redis.Get(ctx, windowKey(customerID))
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var state windowState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("decode window for %s: %w", customerID, err)
	}

	return &models.RateLimitTracker{
		CustomerID:   customerID,
		WindowStart:  state.WindowStart,
		RequestCount: state.RequestCount,
		LastRequest:  state.LastRequest,
	}, nil
}

func (s *RedisTrackerStore) Put(ctx context.Context, tracker *models.RateLimitTracker) error {
	stateJSON, err := json.Marshal(windowState{
		WindowStart:  tracker.WindowStart,
		RequestCount: tracker.RequestCount,
		LastRequest:  tracker.LastRequest,
	})
	if err != nil {
		return err
	}

	return s.redis.Set(ctx, windowKey(tracker.CustomerID), stateJSON, s.idleTTL)
}
