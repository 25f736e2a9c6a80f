package ratelimit

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	ReasonInvalidKey         = "invalid API key"
	ReasonQuotaExceeded      = "monthly quota exceeded"
	ReasonRateExceeded       = "rate limit exceeded"
	ReasonStorageUnavailable = "storage unavailable"
)

var (
	ErrInvalidKey         = errors.New("invalid API key")
	ErrQuotaExceeded      = errors.New("monthly quota exceeded")
	ErrRateExceeded       = errors.New("rate limit exceeded")
	ErrStorageUnavailable = errors.New("rate limit storage unavailable")
)

const (
	invalidKeyRetry = time.Minute
	storageRetry    = time.Minute
	rateRetry       = time.Second
)

// Decision is the outcome of one admission evaluation.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Reason     string
	CustomerID uuid.UUID
	// Per-second limit of the customer's tier, zero when unresolved
	Limit int
}

// Err maps a denial onto its error taxonomy. Nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case ReasonInvalidKey:
		return ErrInvalidKey
	case ReasonQuotaExceeded:
		return ErrQuotaExceeded
	case ReasonRateExceeded:
		return ErrRateExceeded
	default:
		return ErrStorageUnavailable
	}
}

// ResetAt is the instant the caller may retry.
func (d Decision) ResetAt(now time.Time) time.Time {
	return now.Add(d.RetryAfter)
}

func invalidKey() Decision {
	return Decision{Reason: ReasonInvalidKey, RetryAfter: invalidKeyRetry}
}

func storageUnavailable(customerID uuid.UUID) Decision {
	return Decision{Reason: ReasonStorageUnavailable, RetryAfter: storageRetry, CustomerID: customerID}
}
