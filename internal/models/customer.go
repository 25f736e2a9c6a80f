package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Customer struct {
	ID                uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	Name              string    `gorm:"not null" json:"name"`
	Email             string    `json:"email"`
	APIKeyHash        string    `gorm:"uniqueIndex;not null" json:"-"`
	TierID            uuid.UUID `gorm:"type:uuid;index;not null" json:"tier_id"`
	Tier              *Tier     `gorm:"foreignKey:TierID" json:"tier,omitempty"`
	IsActive          bool      `gorm:"default:true" json:"is_active"`
	CurrentMonthUsage int       `gorm:"not null;default:0" json:"current_month_usage"`
	LastUsageReset    time.Time `json:"last_usage_reset"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (c *Customer) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.LastUsageReset.IsZero() {
		c.LastUsageReset = MonthStart(time.Now())
	}
	return nil
}

func (Customer) TableName() string {
	return "customers"
}

func (c *Customer) HasExceededMonthlyQuota() bool {
	return c.Tier != nil && c.CurrentMonthUsage >= c.Tier.MonthlyQuota
}

// Quota left this month. Never negative.
func (c *Customer) RemainingQuota() int {
	if c.Tier == nil {
		return 0
	}
	remaining := c.Tier.MonthlyQuota - c.CurrentMonthUsage
	if remaining < 0 {
		return 0
	}
	return remaining
}

// NeedsUsageReset reports whether the last reset predates the month containing now.
func (c *Customer) NeedsUsageReset(now time.Time) bool {
	return c.LastUsageReset.Before(MonthStart(now))
}

// HashAPIKey returns the stored form of a plain API key.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
