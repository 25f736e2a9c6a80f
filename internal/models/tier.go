package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Subscription tier. A quota or rate limit of 0 admits nothing.
type Tier struct {
	ID                 uuid.UUID       `gorm:"type:uuid;primary_key" json:"id"`
	Name               string          `gorm:"uniqueIndex;not null" json:"name"`
	Description        string          `json:"description"`
	MonthlyQuota       int             `gorm:"not null;default:0" json:"monthly_quota"`
	RateLimitPerSecond int             `gorm:"not null;default:0" json:"rate_limit_per_second"`
	MonthlyPrice       decimal.Decimal `gorm:"type:decimal(18,6);not null;default:0" json:"monthly_price"`
	IsActive           bool            `gorm:"default:true" json:"is_active"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (t *Tier) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

func (Tier) TableName() string {
	return "tiers"
}

// PerRequestCost is the amortized price of one request under the tier:
// monthly price divided by monthly quota, or zero when either is not positive.
func (t *Tier) PerRequestCost() decimal.Decimal {
	if t == nil || t.MonthlyQuota <= 0 || !t.MonthlyPrice.IsPositive() {
		return decimal.Zero
	}
	return t.MonthlyPrice.Div(decimal.NewFromInt(int64(t.MonthlyQuota)))
}
