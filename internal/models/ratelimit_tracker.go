package models

import (
	"time"

	"github.com/google/uuid"
)

// Length of the fixed admission window.
const RateLimitWindow = time.Second

// Fixed one-second admission window for a customer.
type RateLimitTracker struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	CustomerID   uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"customer_id"`
	WindowStart  time.Time `json:"window_start"`
	RequestCount int       `gorm:"not null;default:0" json:"request_count"`
	LastRequest  time.Time `gorm:"index" json:"last_request"`
}

func (RateLimitTracker) TableName() string {
	return "rate_limit_trackers"
}

func NewRateLimitTracker(customerID uuid.UUID, now time.Time) *RateLimitTracker {
	return &RateLimitTracker{
		CustomerID:  customerID,
		WindowStart: now,
		LastRequest: now,
	}
}

// A window is stale once a full window length has elapsed since it opened.
func (t *RateLimitTracker) IsStale(now time.Time) bool {
	return now.Sub(t.WindowStart) >= RateLimitWindow
}

// Requests counted in the current window; a stale window counts as zero.
func (t *RateLimitTracker) CurrentCount(now time.Time) int {
	if t.IsStale(now) {
		return 0
	}
	return t.RequestCount
}

func (t *RateLimitTracker) IsWithinLimit(limit int, now time.Time) bool {
	return t.CurrentCount(now) < limit
}

// Increment counts one request, opening a fresh window first if the current one is stale.
func (t *RateLimitTracker) Increment(now time.Time) {
	if t.IsStale(now) {
		t.WindowStart = now
		t.RequestCount = 1
	} else {
		t.RequestCount++
	}
	t.LastRequest = now
}
