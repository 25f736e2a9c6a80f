package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Column widths of APIUsageLog's text fields, in characters. Keep in step
// with the size tags below.
const (
	UserIDMaxLen    = 50
	EndpointMaxLen  = 255
	MethodMaxLen    = 10
	IPAddressMaxLen = 50
	UserAgentMaxLen = 500
)

// Represents one completed, admitted request. Rows are never updated.
type APIUsageLog struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	CustomerID     uuid.UUID       `gorm:"type:uuid;index:idx_usage_customer_time;not null" json:"customer_id"`
	UserID         string          `gorm:"size:50;not null" json:"user_id"`
	Endpoint       string          `gorm:"size:255;not null" json:"endpoint"`
	Method         string          `gorm:"size:10;not null" json:"method"`
	Timestamp      time.Time       `gorm:"index:idx_usage_customer_time" json:"timestamp"`
	StatusCode     int             `json:"status_code"`
	ResponseTimeMs int64           `json:"response_time_ms"`
	IPAddress      *string         `gorm:"size:50" json:"ip_address,omitempty"`
	UserAgent      *string         `gorm:"size:500" json:"user_agent,omitempty"`
	Cost           decimal.Decimal `gorm:"type:decimal(18,6);not null;default:0" json:"cost"`
}

func (APIUsageLog) TableName() string {
	return "api_usage_logs"
}
