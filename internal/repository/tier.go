package repository

import (
	"context"
	"errors"

	"github.com/aman-churiwal/monetization-gateway/internal/models"
	"github.com/aman-churiwal/monetization-gateway/internal/storage"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TierRepository struct {
	db *storage.Postgres
}

func NewTierRepository(db *storage.Postgres) *TierRepository {
	return &TierRepository{db: db}
}

func (r *TierRepository) Create(ctx context.Context, tier *models.Tier) error {
	return r.db.DB.WithContext(ctx).Create(tier).Error
}

func (r *TierRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Tier, error) {
	var tier models.Tier
	err := r.db.DB.WithContext(ctx).
		Where("id = ?", id).
		First(&tier).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	return &tier, err
}

func (r *TierRepository) List(ctx context.Context) ([]models.Tier, error) {
	var tiers []models.Tier
	err := r.db.DB.WithContext(ctx).
		Order("monthly_price ASC").
		Find(&tiers).Error

	return tiers, err
}
