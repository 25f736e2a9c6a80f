package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aman-churiwal/monetization-gateway/internal/clock"
	"github.com/aman-churiwal/monetization-gateway/internal/models"
	"github.com/aman-churiwal/monetization-gateway/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const apiKeyPrefix = "mg_"

var (
	ErrTierNotFound     = errors.New("tier not found")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrInvalidTier      = errors.New("tier limits and price must not be negative")
)

type CustomerService struct {
	tiers     *repository.TierRepository
	customers *repository.CustomerRepository
	clock     clock.Clock
}

func NewCustomerService(tiers *repository.TierRepository, customers *repository.CustomerRepository, clk clock.Clock) *CustomerService {
	return &CustomerService{
		tiers:     tiers,
		customers: customers,
		clock:     clk,
	}
}

type TierInput struct {
	Name               string          `json:"name" binding:"required"`
	Description        string          `json:"description"`
	MonthlyQuota       int             `json:"monthly_quota"`
	RateLimitPerSecond int             `json:"rate_limit_per_second"`
	MonthlyPrice       decimal.Decimal `json:"monthly_price"`
}

func (s *CustomerService) CreateTier(ctx context.Context, in TierInput) (*models.Tier, error) {
	if in.MonthlyQuota < 0 || in.RateLimitPerSecond < 0 || in.MonthlyPrice.IsNegative() {
		return nil, ErrInvalidTier
	}

	tier := &models.Tier{
		Name:               in.Name,
		Description:        in.Description,
		MonthlyQuota:       in.MonthlyQuota,
		RateLimitPerSecond: in.RateLimitPerSecond,
		MonthlyPrice:       in.MonthlyPrice,
		IsActive:           true,
	}
	if err := s.tiers.Create(ctx, tier); err != nil {
		return nil, fmt.Errorf("failed to create tier: %w", err)
	}
	return tier, nil
}

func (s *CustomerService) ListTiers(ctx context.Context) ([]models.Tier, error) {
	return s.tiers.List(ctx)
}

// CreateCustomer registers a customer on a tier and returns its plain API
// key. Only the hash is stored, so the key cannot be recovered later.
func (s *CustomerService) CreateCustomer(ctx context.Context, name, email string, tierID uuid.UUID) (*models.Customer, string, error) {
	tier, err := s.tiers.FindByID(ctx, tierID)
	if err != nil {
		return nil, "", err
	}
	if tier == nil {
		return nil, "", ErrTierNotFound
	}

	key, err := generateAPIKey()
	if err != nil {
		return nil, "", err
	}

	customer := &models.Customer{
		Name:           name,
		Email:          email,
		APIKeyHash:     models.HashAPIKey(key),
		TierID:         tier.ID,
		IsActive:       true,
		LastUsageReset: models.MonthStart(s.clock.Now()),
	}
	if err := s.customers.Create(ctx, customer); err != nil {
		return nil, "", fmt.Errorf("failed to create customer: %w", err)
	}
	customer.Tier = tier

	return customer, key, nil
}

func generateAPIKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(keyBytes), nil
}

func (s *CustomerService) GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	customer, err := s.customers.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, ErrCustomerNotFound
	}
	return customer, nil
}

// ResetUsage zeroes the customer's counter for the current month.
func (s *CustomerService) ResetUsage(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	if _, err := s.GetCustomer(ctx, id); err != nil {
		return nil, err
	}
	if err := s.customers.ForceResetUsage(ctx, id, models.MonthStart(s.clock.Now())); err != nil {
		return nil, err
	}
	return s.GetCustomer(ctx, id)
}
