package policy

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fintrack/sentinel/internal/idgen"
	"github.com/fintrack/sentinel/internal/metrics"
	"github.com/fintrack/sentinel/internal/trust"
)

// Handler provides HTTP endpoints for adaptive threshold policies.
type Handler struct {
	manager *Manager
}

// NewHandler creates a policy handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up policy endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/policies/:userId", h.GetPolicy)
	r.PUT("/policies/:userId", h.UpdatePolicy)
	r.POST("/policies/:userId/exceptions", h.AddException)
	r.POST("/policies/:userId/adjust", h.RunAdjustment)
}

// GetPolicy returns the user's policy, bootstrapping defaults on first
// access.
// GET /v1/policies/:userId
func (h *Handler) GetPolicy(c *gin.Context) {
	p, err := h.manager.GetOrCreate(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// UpdatePolicy replaces the user's policy document.
// PUT /v1/policies/:userId
func (h *Handler) UpdatePolicy(c *gin.Context) {
	var p Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	p.UserID = c.Param("userId")

	if err := h.manager.Update(c.Request.Context(), &p); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": &p})
}

type exceptionRequest struct {
	Component  string    `json:"component" binding:"required"`
	Factor     float64   `json:"factor" binding:"required"`
	Reason     string    `json:"reason" binding:"required"`
	ValidFrom  time.Time `json:"validFrom"`
	ValidUntil time.Time `json:"validUntil" binding:"required"`
}

// AddException grants a time-boxed relaxation for one component.
// POST /v1/policies/:userId/exceptions
func (h *Handler) AddException(c *gin.Context) {
	var req exceptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain component, factor, reason, and validUntil",
		})
		return
	}
	if req.ValidFrom.IsZero() {
		req.ValidFrom = time.Now().UTC()
	}

	p, err := h.manager.AddException(c.Request.Context(), c.Param("userId"), Exception{
		ID:         idgen.WithPrefix("exc_"),
		Component:  trust.Component(req.Component),
		Factor:     req.Factor,
		Reason:     req.Reason,
		ValidFrom:  req.ValidFrom,
		ValidUntil: req.ValidUntil,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"policy": p})
}

// RunAdjustment runs the auto-adjustment check immediately instead of
// waiting for the sweep.
// POST /v1/policies/:userId/adjust
func (h *Handler) RunAdjustment(c *gin.Context) {
	action, err := h.manager.CheckAndApplyAutoAdjustments(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	metrics.PolicyAdjustmentsTotal.WithLabelValues(action).Inc()
	c.JSON(http.StatusOK, gin.H{"action": action})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "policy_not_found",
			"message": "Policy not found",
		})
	case errors.Is(err, ErrInvalidPolicy):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_policy",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
