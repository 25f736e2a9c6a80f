package repository

import (
	"context"
	"errors"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/models"
	"github.com/aman-churiwal/monetization-gateway/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Another writer changed the summary between read and write
var ErrSummaryConflict = errors.New("monthly summary modified concurrently")

type SummaryRepository struct {
	db *storage.Postgres
}

func NewSummaryRepository(db *storage.Postgres) *SummaryRepository {
	return &SummaryRepository{db: db}
}

func (r *SummaryRepository) Find(ctx context.Context, customerID uuid.UUID, p models.Period) (*models.MonthlyUsageSummary, error) {
	var summary models.MonthlyUsageSummary
	err := r.db.DB.WithContext(ctx).
		Where("customer_id = ? AND year = ? AND month = ?", customerID, p.Year, p.Month).
		First(&summary).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	return &summary, err
}

// Applies the deltas to the stored totals. A summary with no ID is inserted
// with the deltas as its totals. Returns ErrSummaryConflict when the row was
// created or updated by someone else since it was read.
func (r *SummaryRepository) Upsert(ctx context.Context, summary *models.MonthlyUsageSummary, deltaRequests int64, deltaCost decimal.Decimal) error {
	db := r.db.DB.WithContext(ctx)

	if summary.ID == 0 {
		summary.TotalRequests = deltaRequests
		summary.TotalCost = deltaCost
		summary.Version = 1

		result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(summary)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			summary.ID = 0
			return ErrSummaryConflict
		}
		return nil
	}

	now := time.Now().UTC()
	result := db.Model(&models.MonthlyUsageSummary{}).
		Where("id = ? AND version = ?", summary.ID, summary.Version).
		Updates(map[string]interface{}{
			"total_requests": gorm.Expr("total_requests + ?", deltaRequests),
			"total_cost":     gorm.Expr("total_cost + ?", deltaCost),
			"version":        gorm.Expr("version + 1"),
			"updated_at":     now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSummaryConflict
	}

	summary.TotalRequests += deltaRequests
	summary.TotalCost = summary.TotalCost.Add(deltaCost)
	summary.Version++
	summary.UpdatedAt = now
	return nil
}

// Lists every summary of a month with its customer, most expensive first
func (r *SummaryRepository) ListByPeriod(ctx context.Context, p models.Period) ([]models.MonthlyUsageSummary, error) {
	var summaries []models.MonthlyUsageSummary
	err := r.db.DB.WithContext(ctx).
		Preload("Customer").
		Preload("Customer.Tier").
		Where("year = ? AND month = ?", p.Year, p.Month).
		Order("total_cost DESC").
		Find(&summaries).Error

	return summaries, err
}

func (r *SummaryRepository) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.MonthlyUsageSummary, error) {
	var summaries []models.MonthlyUsageSummary
	err := r.db.DB.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("year DESC, month DESC").
		Find(&summaries).Error

	return summaries, err
}
