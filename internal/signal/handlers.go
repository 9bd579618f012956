package signal

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fintrack/sentinel/internal/idgen"
	"github.com/fintrack/sentinel/internal/metrics"
	"github.com/fintrack/sentinel/internal/pagination"
	"github.com/fintrack/sentinel/internal/policy"
)

// Handler provides HTTP endpoints for behavior signals.
type Handler struct {
	store    Store
	policies *policy.Manager
}

// NewHandler creates a signal handler.
func NewHandler(store Store, policies *policy.Manager) *Handler {
	return &Handler{store: store, policies: policies}
}

// RegisterRoutes sets up signal endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/signals", h.CreateSignal)
	r.GET("/signals/:id", h.GetSignal)
	r.POST("/signals/:id/false-positive", h.MarkFalsePositive)
	r.PUT("/signals/:id/anomaly-score", h.RefineAnomalyScore)
	r.GET("/sessions/:id/signals", h.ListSessionSignals)
}

// CreateSignal records an externally sourced signal (SIEM forwarders,
// fraud review tooling).
// POST /v1/signals
func (h *Handler) CreateSignal(c *gin.Context) {
	var s BehaviorSignal
	if err := c.ShouldBindJSON(&s); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if s.ID == "" {
		s.ID = idgen.WithPrefix("sig_")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if err := s.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signal",
			"message": err.Error(),
		})
		return
	}

	if err := h.store.Create(c.Request.Context(), &s); err != nil {
		h.writeError(c, err)
		return
	}
	metrics.SignalsRecordedTotal.WithLabelValues(string(s.Type), string(s.Severity)).Inc()
	c.JSON(http.StatusCreated, gin.H{"signal": &s})
}

// GetSignal returns one signal.
// GET /v1/signals/:id
func (h *Handler) GetSignal(c *gin.Context) {
	s, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signal": s})
}

// MarkFalsePositive dismisses a signal after analyst review and feeds the
// user's adaptive policy.
// POST /v1/signals/:id/false-positive
func (h *Handler) MarkFalsePositive(c *gin.Context) {
	s, err := h.store.MarkFalsePositive(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.policies.RecordFalsePositive(c.Request.Context(), s.UserID); err != nil {
		// The dismissal stands even when the policy update fails.
		c.JSON(http.StatusOK, gin.H{
			"signal":  s,
			"warning": "false positive recorded, policy update failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signal": s})
}

type refineRequest struct {
	AnomalyScore float64 `json:"anomalyScore" binding:"min=0,max=100"`
}

// RefineAnomalyScore overwrites a signal's anomaly score after offline
// model review.
// PUT /v1/signals/:id/anomaly-score
func (h *Handler) RefineAnomalyScore(c *gin.Context) {
	var req refineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'anomalyScore' in [0,100]",
		})
		return
	}
	if err := h.store.RefineAnomalyScore(c.Request.Context(), c.Param("id"), req.AnomalyScore); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// ListSessionSignals returns the newest signals for a session, paginated
// by an opaque cursor.
// GET /v1/sessions/:id/signals?limit=50&cursor=...
func (h *Handler) ListSessionSignals(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	// Fetch one extra row to detect whether another page exists.
	signals, err := h.store.ListBySession(c.Request.Context(), c.Param("id"), before, limit+1)
	if err != nil {
		h.writeError(c, err)
		return
	}
	page, next, hasMore := pagination.ComputePage(signals, limit, func(s *BehaviorSignal) (time.Time, string) {
		return s.CreatedAt, s.ID
	})
	resp := gin.H{"signals": page, "count": len(page), "hasMore": hasMore}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "signal_not_found",
			"message": "Signal not found",
		})
	case errors.Is(err, ErrInvalidSignal), errors.Is(err, ErrUnknownType):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signal",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
