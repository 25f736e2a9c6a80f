package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Billing rollup for one customer and month. Totals only ever move by deltas;
// Version guards concurrent writers.
type MonthlyUsageSummary struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	CustomerID    uuid.UUID       `gorm:"type:uuid;uniqueIndex:idx_summary_period;not null" json:"customer_id"`
	Year          int             `gorm:"uniqueIndex:idx_summary_period;not null" json:"year"`
	Month         int             `gorm:"uniqueIndex:idx_summary_period;not null" json:"month"`
	TotalRequests int64           `gorm:"not null;default:0" json:"total_requests"`
	TotalCost     decimal.Decimal `gorm:"type:decimal(18,6);not null;default:0" json:"total_cost"`
	Version       int64           `gorm:"not null;default:0" json:"-"`
	Customer      *Customer       `gorm:"foreignKey:CustomerID" json:"customer,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (MonthlyUsageSummary) TableName() string {
	return "monthly_usage_summaries"
}

func NewMonthlyUsageSummary(customerID uuid.UUID, p Period) *MonthlyUsageSummary {
	return &MonthlyUsageSummary{
		CustomerID: customerID,
		Year:       p.Year,
		Month:      p.Month,
		TotalCost:  decimal.Zero,
	}
}

func (s *MonthlyUsageSummary) Period() Period {
	return Period{Year: s.Year, Month: s.Month}
}
