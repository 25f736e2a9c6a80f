package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/clock"
	"github.com/aman-churiwal/monetization-gateway/internal/models"
	"github.com/aman-churiwal/monetization-gateway/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CustomerStore is the slice of customer storage admission needs.
type CustomerStore interface {
	FindByAPIKey(ctx context.Context, apiKey string) (*models.Customer, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Customer, error)
	IncrementUsage(ctx context.Context, id uuid.UUID) error
	// ResetMonthlyUsage zeroes usage only if the last reset predates monthStart.
	ResetMonthlyUsage(ctx context.Context, id uuid.UUID, monthStart time.Time) (bool, error)
}

// TrackerStore persists fixed-window state. Get returns nil when no window exists.
type TrackerStore interface {
	Get(ctx context.Context, customerID uuid.UUID) (*models.RateLimitTracker, error)
	Put(ctx context.Context, tracker *models.RateLimitTracker) error
}

// MemoryTrackerStore keeps windows in process. Windows are derivable state,
// losing them on restart only reopens every customer's window.
type MemoryTrackerStore struct {
	mu       sync.Mutex
	trackers map[uuid.UUID]models.RateLimitTracker
}

func NewMemoryTrackerStore() *MemoryTrackerStore {
	return &MemoryTrackerStore{trackers: make(map[uuid.UUID]models.RateLimitTracker)}
}

func (s *MemoryTrackerStore) Get(_ context.Context, customerID uuid.UUID) (*models.RateLimitTracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracker, ok := s.trackers[customerID]
	if !ok {
		return nil, nil
	}
	return &tracker, nil
}

func (s *MemoryTrackerStore) Put(_ context.Context, tracker *models.RateLimitTracker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trackers[tracker.CustomerID] = *tracker
	return nil
}

// EvictIdle drops windows whose last request is older than before.
func (s *MemoryTrackerStore) EvictIdle(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted int64
	for id, tracker := range s.trackers {
		if tracker.LastRequest.Before(before) {
			delete(s.trackers, id)
			evicted++
		}
	}
	return evicted, nil
}

func (s *MemoryTrackerStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trackers)
}

// PostgresTrackerStore keeps windows in the rate_limit_trackers table.
type PostgresTrackerStore struct {
	repo *repository.RateLimitRepository
}

func NewPostgresTrackerStore(repo *repository.RateLimitRepository) *PostgresTrackerStore {
	return &PostgresTrackerStore{repo: repo}
}

func (s *PostgresTrackerStore) Get(ctx context.Context, customerID uuid.UUID) (*models.RateLimitTracker, error) {
	return s.repo.Get(ctx, customerID)
}

func (s *PostgresTrackerStore) Put(ctx context.Context, tracker *models.RateLimitTracker) error {
	return s.repo.Upsert(ctx, tracker)
}

func (s *PostgresTrackerStore) EvictIdle(ctx context.Context, before time.Time) (int64, error) {
	return s.repo.DeleteIdle(ctx, before)
}

// Evictor is implemented by tracker stores that do not expire windows on
// their own. The Redis store relies on key TTLs instead.
type Evictor interface {
	EvictIdle(ctx context.Context, before time.Time) (int64, error)
}

// RunJanitor evicts windows idle for longer than idleTTL every interval until ctx is done.
func RunJanitor(ctx context.Context, evictor Evictor, clk clock.Clock, interval, idleTTL time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted, err := evictor.EvictIdle(ctx, clk.Now().Add(-idleTTL))
			if err != nil {
				logger.Warn("Failed to evict idle rate limit trackers", zap.Error(err))
				continue
			}
			if evicted > 0 {
				logger.Debug("Evicted idle rate limit trackers", zap.Int64("count", evicted))
			}
		}
	}
}
