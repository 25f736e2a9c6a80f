package repository

import (
	"context"
	"errors"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/models"
	"github.com/aman-churiwal/monetization-gateway/internal/storage"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RateLimitRepository struct {
	db *storage.Postgres
}

func NewRateLimitRepository(db *storage.Postgres) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

func (r *RateLimitRepository) Get(ctx context.Context, customerID uuid.UUID) (*models.RateLimitTracker, error) {
	var tracker models.RateLimitTracker
	err := r.db.DB.WithContext(ctx).
		Where("customer_id = ?", customerID).
		First(&tracker).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	return &tracker, err
}

// Inserts or replaces the customer's window. Conflicts resolve on customer_id,
// so the row id is never sent.
func (r *RateLimitRepository) Upsert(ctx context.Context, tracker *models.RateLimitTracker) error {
	row := *tracker
	row.ID = 0

	err := r.db.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "customer_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"window_start", "request_count", "last_request"}),
		}).
		Create(&row).Error
	if err != nil {
		return err
	}

	if tracker.ID == 0 {
		tracker.ID = row.ID
	}
	return nil
}

// Removes trackers that have seen no request since before
func (r *RateLimitRepository) DeleteIdle(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.DB.WithContext(ctx).
		Where("last_request < ?", before).
		Delete(&models.RateLimitTracker{})

	return result.RowsAffected, result.Error
}
