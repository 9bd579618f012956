package evaluator

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fintrack/sentinel/internal/challenge"
	"github.com/fintrack/sentinel/internal/session"
	"github.com/fintrack/sentinel/internal/signal"
	"github.com/fintrack/sentinel/internal/threatintel"
	"github.com/fintrack/sentinel/internal/trust"
)

// Handler provides the HTTP surface of the evaluation pipeline.
type Handler struct {
	evaluator  *Evaluator
	trustStore trust.Store
	sessions   session.Store
	challenges challenge.Store
}

// NewHandler creates an evaluator handler.
func NewHandler(evaluator *Evaluator, trustStore trust.Store, sessions session.Store, challenges challenge.Store) *Handler {
	return &Handler{
		evaluator:  evaluator,
		trustStore: trustStore,
		sessions:   sessions,
		challenges: challenges,
	}
}

// RegisterRoutes sets up the session evaluation endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.PUT("/sessions/:id", h.RegisterSession)
	r.GET("/sessions/:id", h.GetSession)
	r.POST("/sessions/:id/evaluate", h.Evaluate)
	r.POST("/sessions/:id/rescore", h.Rescore)
	r.DELETE("/sessions/:id", h.Terminate)
	r.GET("/sessions/:id/trust", h.GetTrust)
	r.GET("/sessions/:id/challenges", h.ListChallenges)
	r.POST("/challenges/:id/respond", h.RespondChallenge)
	r.POST("/threat/indicators", h.IngestIndicator)
}

type registerSessionRequest struct {
	UserID            string `json:"userId" binding:"required"`
	IPAddress         string `json:"ipAddress"`
	UserAgent         string `json:"userAgent"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

// RegisterSession records a newly established session, or refreshes the
// identity fields of a known one.
// PUT /v1/sessions/:id
func (h *Handler) RegisterSession(c *gin.Context) {
	var req registerSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'userId'",
		})
		return
	}

	ctx := c.Request.Context()
	now := time.Now().UTC()

	existing, err := h.sessions.Get(ctx, c.Param("id"))
	switch {
	case err == nil:
		if !existing.Active() {
			c.JSON(http.StatusGone, gin.H{
				"error":   "session_terminated",
				"message": "Session has been terminated",
			})
			return
		}
		if err := h.sessions.Touch(ctx, existing.ID, req.IPAddress, req.UserAgent, req.DeviceFingerprint, now); err != nil {
			h.writeError(c, err)
			return
		}
		refreshed, err := h.sessions.Get(ctx, existing.ID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": refreshed})
	case errors.Is(err, session.ErrNotFound):
		sess := &session.Session{
			ID:                c.Param("id"),
			UserID:            req.UserID,
			IPAddress:         req.IPAddress,
			UserAgent:         req.UserAgent,
			DeviceFingerprint: req.DeviceFingerprint,
			EstablishedAt:     now,
			LastSeenAt:        now,
		}
		if err := h.sessions.Upsert(ctx, sess); err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session": sess})
	default:
		h.writeError(c, err)
	}
}

// GetSession returns the session record.
// GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// evaluateRequest mirrors signal.RequestContext on the wire.
type evaluateRequest struct {
	Endpoint          string           `json:"endpoint"`
	Method            string           `json:"method"`
	IPAddress         string           `json:"ipAddress"`
	UserAgent         string           `json:"userAgent"`
	DeviceFingerprint string           `json:"deviceFingerprint"`
	Role              string           `json:"role"`
	Location          *signal.Location `json:"location"`
	RequestsPerMinute float64          `json:"requestsPerMinute"`
	Timestamp         time.Time        `json:"timestamp"`
}

// Evaluate scores one observed request for a session.
// POST /v1/sessions/:id/evaluate
func (h *Handler) Evaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	eval, err := h.evaluator.Evaluate(c.Request.Context(), c.Param("id"), &signal.RequestContext{
		Endpoint:          req.Endpoint,
		Method:            req.Method,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		DeviceFingerprint: req.DeviceFingerprint,
		Role:              req.Role,
		Location:          req.Location,
		RequestsPerMinute: req.RequestsPerMinute,
		Timestamp:         req.Timestamp,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, eval)
}

// Rescore forces an immediate scoring pass.
// POST /v1/sessions/:id/rescore
func (h *Handler) Rescore(c *gin.Context) {
	eval, err := h.evaluator.Rescore(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, eval)
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

// Terminate forcibly kills a session.
// DELETE /v1/sessions/:id
func (h *Handler) Terminate(c *gin.Context) {
	var req terminateRequest
	_ = c.ShouldBindJSON(&req) // body optional

	ts, err := h.evaluator.Terminate(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		if errors.Is(err, trust.ErrTerminated) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_terminated",
				"message": "Session is already terminated",
				"trust":   ts,
			})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trust": ts})
}

// GetTrust returns the session's trust document.
// GET /v1/sessions/:id/trust
func (h *Handler) GetTrust(c *gin.Context) {
	ts, err := h.trustStore.GetBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trust": ts})
}

// ListChallenges returns the session's challenge history, newest first.
// GET /v1/sessions/:id/challenges
func (h *Handler) ListChallenges(c *gin.Context) {
	list, err := h.challenges.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenges": list, "count": len(list)})
}

type respondRequest struct {
	Response       string `json:"response" binding:"required"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
}

// RespondChallenge processes a challenge response and re-scores.
// POST /v1/challenges/:id/respond
func (h *Handler) RespondChallenge(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'response'",
		})
		return
	}

	eval, out, err := h.evaluator.ResolveChallenge(c.Request.Context(), c.Param("id"), req.Response, req.ResponseTimeMs)
	if err != nil {
		switch {
		case errors.Is(err, challenge.ErrExpired):
			c.JSON(http.StatusGone, gin.H{
				"error":   "challenge_expired",
				"message": "Challenge expired before a response arrived",
			})
		case errors.Is(err, challenge.ErrTerminalState):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "challenge_resolved",
				"message": "Challenge is already resolved",
			})
		default:
			h.writeError(c, err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    out.Success,
		"challenge":  out.Challenge,
		"evaluation": eval,
	})
}

type indicatorRequest struct {
	Type   string `json:"type" binding:"required"`
	Value  string `json:"value" binding:"required"`
	Source string `json:"source"`
}

// IngestIndicator adds a threat indicator and propagates it to co-located
// sessions.
// POST /v1/threat/indicators
func (h *Handler) IngestIndicator(c *gin.Context) {
	var req indicatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'type' and 'value'",
		})
		return
	}

	typ := threatintel.IndicatorType(req.Type)
	switch typ {
	case threatintel.IndicatorIP, threatintel.IndicatorCallback, threatintel.IndicatorChecksum:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_indicator_type",
			"message": "Indicator type must be ip, callback, or checksum",
		})
		return
	}

	rescored, err := h.evaluator.IngestIndicator(c.Request.Context(), threatintel.Indicator{
		Type: typ, Value: req.Value, Source: req.Source,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sessionsRescored": rescored})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, trust.ErrNotFound), errors.Is(err, challenge.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, session.ErrTerminated):
		c.JSON(http.StatusGone, gin.H{
			"error":   "session_terminated",
			"message": "Session has been terminated",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
