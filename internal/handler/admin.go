package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/aman-churiwal/monetization-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/monetization-gateway/internal/reconcile"
	"github.com/aman-churiwal/monetization-gateway/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CycleRunner interface {
	RunCycle(ctx context.Context) (reconcile.CycleResult, error)
}

type AdminHandler struct {
	customers  *service.CustomerService
	reconciler CycleRunner
	breakers   map[string]*circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewAdminHandler(customers *service.CustomerService, reconciler CycleRunner, breakers map[string]*circuitbreaker.CircuitBreaker, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		customers:  customers,
		reconciler: reconciler,
		breakers:   breakers,
		logger:     logger,
	}
}

// Handles POST /admin/tiers
func (h *AdminHandler) CreateTier(c *gin.Context) {
	var req service.TierInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tier, err := h.customers.CreateTier(c.Request.Context(), req)
	if errors.Is(err, service.ErrInvalidTier) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.internalError(c, "Failed to create tier", err)
		return
	}

	c.JSON(http.StatusCreated, tier)
}

// Handles GET /admin/tiers
func (h *AdminHandler) ListTiers(c *gin.Context) {
	tiers, err := h.customers.ListTiers(c.Request.Context())
	if err != nil {
		h.internalError(c, "Failed to list tiers", err)
		return
	}

	c.JSON(http.StatusOK, tiers)
}

// Handles POST /admin/customers
func (h *AdminHandler) CreateCustomer(c *gin.Context) {
	var req struct {
		Name   string `json:"name" binding:"required"`
		Email  string `json:"email"`
		TierID string `json:"tier_id" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tierID, err := uuid.Parse(req.TierID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid tier ID"})
		return
	}

	customer, key, err := h.customers.CreateCustomer(c.Request.Context(), req.Name, req.Email, tierID)
	if errors.Is(err, service.ErrTierNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Tier not found"})
		return
	}
	if err != nil {
		h.internalError(c, "Failed to create customer", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"customer": customer,
		"api_key":  key,
		"message":  "Save this key - it won't be shown again",
	})
}

// Handles GET /admin/customers/:id
func (h *AdminHandler) GetCustomer(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	customer, err := h.customers.GetCustomer(c.Request.Context(), id)
	if errors.Is(err, service.ErrCustomerNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Customer not found"})
		return
	}
	if err != nil {
		h.internalError(c, "Failed to load customer", err)
		return
	}

	c.JSON(http.StatusOK, customer)
}

// Handles POST /admin/customers/:id/reset-usage
func (h *AdminHandler) ResetUsage(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	customer, err := h.customers.ResetUsage(c.Request.Context(), id)
	if errors.Is(err, service.ErrCustomerNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Customer not found"})
		return
	}
	if err != nil {
		h.internalError(c, "Failed to reset usage", err)
		return
	}

	c.JSON(http.StatusOK, customer)
}

// Handles POST /admin/reconcile
func (h *AdminHandler) Reconcile(c *gin.Context) {
	result, err := h.reconciler.RunCycle(c.Request.Context())
	if err != nil {
		h.internalError(c, "Reconcile cycle failed", err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Handles GET /admin/circuit-breakers
func (h *AdminHandler) CircuitBreakers(c *gin.Context) {
	status := make(map[string]circuitbreaker.Snapshot, len(h.breakers))
	for name, cb := range h.breakers {
		status[name] = cb.Snapshot()
	}

	c.JSON(http.StatusOK, status)
}

// Handles POST /admin/circuit-breakers/:service/reset
func (h *AdminHandler) ResetCircuitBreaker(c *gin.Context) {
	name := c.Param("service")
	cb, ok := h.breakers[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Service not found"})
		return
	}

	cb.Reset()
	h.logger.Info("Circuit breaker reset", zap.String("service", name))

	c.JSON(http.StatusOK, cb.Snapshot())
}

func (h *AdminHandler) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid customer ID"})
		return uuid.Nil, false
	}
	return id, true
}
