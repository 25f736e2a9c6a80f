package repository

import (
	"context"
	"errors"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/models"
	"github.com/aman-churiwal/monetization-gateway/internal/storage"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CustomerRepository struct {
	db *storage.Postgres
}

func NewCustomerRepository(db *storage.Postgres) *CustomerRepository {
	return &CustomerRepository{db: db}
}

func (r *CustomerRepository) Create(ctx context.Context, customer *models.Customer) error {
	return r.db.DB.WithContext(ctx).Create(customer).Error
}

// Resolves a plain API key to an active customer with its tier
func (r *CustomerRepository) FindByAPIKey(ctx context.Context, apiKey string) (*models.Customer, error) {
	var customer models.Customer
	err := r.db.DB.WithContext(ctx).
		Preload("Tier").
		Where("api_key_hash = ? AND is_active = ?", models.HashAPIKey(apiKey), true).
		First(&customer).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	return &customer, err
}

func (r *CustomerRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	var customer models.Customer
	err := r.db.DB.WithContext(ctx).
		Preload("Tier").
		Where("id = ?", id).
		First(&customer).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	return &customer, err
}

func (r *CustomerRepository) List(ctx context.Context) ([]models.Customer, error) {
	var customers []models.Customer
	err := r.db.DB.WithContext(ctx).
		Preload("Tier").
		Order("created_at ASC").
		Find(&customers).Error

	return customers, err
}

func (r *CustomerRepository) ListActive(ctx context.Context) ([]models.Customer, error) {
	var customers []models.Customer
	err := r.db.DB.WithContext(ctx).
		Preload("Tier").
		Where("is_active = ?", true).
		Order("created_at ASC").
		Find(&customers).Error

	return customers, err
}

// Saves every column of the customer
func (r *CustomerRepository) Update(ctx context.Context, customer *models.Customer) error {
	return r.db.DB.WithContext(ctx).
		Omit("Tier").
		Save(customer).Error
}

// Adds one request to the month counter in a single statement
func (r *CustomerRepository) IncrementUsage(ctx context.Context, id uuid.UUID) error {
	return r.db.DB.WithContext(ctx).
		Model(&models.Customer{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_month_usage": gorm.Expr("current_month_usage + ?", 1),
			"updated_at":          time.Now().UTC(),
		}).Error
}

// Zeroes the month counter unless it was already reset for monthStart.
// Reports whether this call performed the reset.
func (r *CustomerRepository) ResetMonthlyUsage(ctx context.Context, id uuid.UUID, monthStart time.Time) (bool, error) {
	result := r.db.DB.WithContext(ctx).
		Model(&models.Customer{}).
		Where("id = ? AND last_usage_reset < ?", id, monthStart).
		Updates(map[string]interface{}{
			"current_month_usage": 0,
			"last_usage_reset":    monthStart,
			"updated_at":          time.Now().UTC(),
		})

	return result.RowsAffected > 0, result.Error
}

// Explicit admin reset, applied regardless of the last reset month
func (r *CustomerRepository) ForceResetUsage(ctx context.Context, id uuid.UUID, monthStart time.Time) error {
	return r.db.DB.WithContext(ctx).
		Model(&models.Customer{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_month_usage": 0,
			"last_usage_reset":    monthStart,
			"updated_at":          time.Now().UTC(),
		}).Error
}

func (r *CustomerRepository) CountByActive(ctx context.Context) (total int64, active int64, err error) {
	err = r.db.DB.WithContext(ctx).Model(&models.Customer{}).Count(&total).Error
	if err != nil {
		return 0, 0, err
	}

	err = r.db.DB.WithContext(ctx).
		Model(&models.Customer{}).
		Where("is_active = ?", true).
		Count(&active).Error

	return total, active, err
}
