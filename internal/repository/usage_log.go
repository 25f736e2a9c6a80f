package repository

import (
	"context"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/models"
	"github.com/aman-churiwal/monetization-gateway/internal/storage"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UsageLogRepository struct {
	db *storage.Postgres
}

func NewUsageLogRepository(db *storage.Postgres) *UsageLogRepository {
	return &UsageLogRepository{db: db}
}

// Inserts a new usage log
func (r *UsageLogRepository) Create(ctx context.Context, log *models.APIUsageLog) error {
	return r.db.DB.WithContext(ctx).Create(log).Error
}

// Scopes a query to one customer and an optional half-open [from, to) range
func customerRange(customerID uuid.UUID, from, to *time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		db = db.Where("customer_id = ?", customerID)
		if from != nil {
			db = db.Where("timestamp >= ?", *from)
		}
		if to != nil {
			db = db.Where("timestamp < ?", *to)
		}
		return db
	}
}

// Returns every log for a customer, oldest first
func (r *UsageLogRepository) FindByCustomer(ctx context.Context, customerID uuid.UUID, from, to *time.Time) ([]models.APIUsageLog, error) {
	var logs []models.APIUsageLog
	err := r.db.DB.WithContext(ctx).
		Scopes(customerRange(customerID, from, to)).
		Order("timestamp ASC").
		Find(&logs).Error

	return logs, err
}

func (r *UsageLogRepository) FindByCustomerMonth(ctx context.Context, customerID uuid.UUID, p models.Period) ([]models.APIUsageLog, error) {
	from, to := p.Start(), p.End()
	return r.FindByCustomer(ctx, customerID, &from, &to)
}

// Pages through a customer's logs newest first and reports the total row count
func (r *UsageLogRepository) ListByCustomer(ctx context.Context, customerID uuid.UUID, from, to *time.Time, limit, offset int) ([]models.APIUsageLog, int64, error) {
	var total int64
	err := r.db.DB.WithContext(ctx).
		Model(&models.APIUsageLog{}).
		Scopes(customerRange(customerID, from, to)).
		Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	var logs []models.APIUsageLog
	err = r.db.DB.WithContext(ctx).
		Scopes(customerRange(customerID, from, to)).
		Order("timestamp DESC").
		Limit(limit).
		Offset(offset).
		Find(&logs).Error

	return logs, total, err
}

// Counts logs in a time range across all customers
func (r *UsageLogRepository) CountByTimeRange(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64

	err := r.db.DB.WithContext(ctx).
		Model(&models.APIUsageLog{}).
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Count(&count).Error

	return count, err
}

// Calculates average response time
func (r *UsageLogRepository) GetAverageResponseTime(ctx context.Context, from, to time.Time) (float64, error) {
	var avg *float64

	err := r.db.DB.WithContext(ctx).
		Model(&models.APIUsageLog{}).
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Select("AVG(response_time_ms)").
		Scan(&avg).Error

	if avg == nil {
		return 0, err
	}

	return *avg, err
}

// Count logs by status code range (e.g., 4xx, 5xx)
func (r *UsageLogRepository) CountByStatusCodeRange(ctx context.Context, minStatusCode, maxStatusCode int, from, to time.Time) (int64, error) {
	var count int64

	err := r.db.DB.WithContext(ctx).
		Model(&models.APIUsageLog{}).
		Where("status_code BETWEEN ? AND ? AND timestamp >= ? AND timestamp < ?", minStatusCode, maxStatusCode, from, to).
		Count(&count).Error

	return count, err
}

type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int64  `json:"count"`
}

// Returns most frequently accessed endpoints
func (r *UsageLogRepository) GetTopEndpoints(ctx context.Context, from, to time.Time, limit int) ([]EndpointCount, error) {
	var results []EndpointCount

	err := r.db.DB.WithContext(ctx).
		Model(&models.APIUsageLog{}).
		Select("endpoint, COUNT(*) AS count").
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Group("endpoint").
		Order("count DESC").
		Limit(limit).
		Scan(&results).Error

	return results, err
}
