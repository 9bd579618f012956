// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	ossignal "os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/fintrack/sentinel/internal/challenge"
	"github.com/fintrack/sentinel/internal/config"
	"github.com/fintrack/sentinel/internal/evaluator"
	"github.com/fintrack/sentinel/internal/health"
	"github.com/fintrack/sentinel/internal/logging"
	"github.com/fintrack/sentinel/internal/metrics"
	"github.com/fintrack/sentinel/internal/policy"
	"github.com/fintrack/sentinel/internal/ratelimit"
	"github.com/fintrack/sentinel/internal/realtime"
	"github.com/fintrack/sentinel/internal/scoring"
	"github.com/fintrack/sentinel/internal/security"
	"github.com/fintrack/sentinel/internal/session"
	"github.com/fintrack/sentinel/internal/signal"
	"github.com/fintrack/sentinel/internal/threatintel"
	"github.com/fintrack/sentinel/internal/trust"
	"github.com/fintrack/sentinel/internal/validation"
)

// trainerInterval is how often per-user baselines are re-derived.
const trainerInterval = 5 * time.Minute

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	trustStore     trust.Store
	signalStore    signal.Store
	sessions       session.Store
	policyStore    policy.Store
	challengeStore challenge.Store

	indicators   *threatintel.IndicatorSet
	threatFeed   threatintel.Provider
	collector    *signal.Collector
	engine       *scoring.Engine
	policies     *policy.Manager
	trainer      *policy.Trainer
	orchestrator *challenge.Orchestrator
	sweeper      *challenge.Sweeper
	evaluator    *evaluator.Evaluator
	scheduler    *evaluator.Scheduler

	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithThreatProvider sets a custom threat-intel provider (for testing)
func WithThreatProvider(p threatintel.Provider) Option {
	return func(s *Server) {
		s.threatFeed = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set provider/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		trustStore := trust.NewPostgresStore(db)
		if err := trustStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate trust store", "error", err)
		}
		s.trustStore = trustStore

		signalStore := signal.NewPostgresStore(db)
		if err := signalStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate signal store", "error", err)
		}
		s.signalStore = signalStore

		sessionStore := session.NewPostgresStore(db)
		if err := sessionStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate session store", "error", err)
		}
		s.sessions = sessionStore

		policyStore := policy.NewPostgresStore(db)
		if err := policyStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate policy store", "error", err)
		}
		s.policyStore = policyStore

		challengeStore := challenge.NewPostgresStore(db)
		if err := challengeStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate challenge store", "error", err)
		}
		s.challengeStore = challengeStore
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		s.trustStore = trust.NewMemoryStore()
		s.signalStore = signal.NewMemoryStore()
		s.sessions = session.NewMemoryStore()
		s.policyStore = policy.NewMemoryStore()
		s.challengeStore = challenge.NewMemoryStore()
	}

	// Local threat indicators, seeded from the static blacklist
	s.indicators = threatintel.NewIndicatorSet(splitList(cfg.StaticBlacklist))
	if n := s.indicators.Len(); n > 0 {
		s.logger.Info("static blacklist loaded", "indicators", n)
	}

	// External reputation feed, if configured
	if s.threatFeed == nil {
		if cfg.ThreatFeedURL != "" {
			if err := security.ValidateEndpointURL(cfg.ThreatFeedURL); err != nil {
				return nil, fmt.Errorf("invalid THREAT_FEED_URL: %w", err)
			}
			s.threatFeed = threatintel.NewClient(cfg.ThreatFeedURL, cfg.ThreatFeedAPIKey, 3*time.Second, s.logger)
			s.logger.Info("threat feed enabled", "url", cfg.ThreatFeedURL)
		} else {
			s.threatFeed = threatintel.NullProvider{}
			s.logger.Info("no threat feed configured, using local indicators only")
		}
	}

	// Core evaluation pipeline
	s.collector = signal.NewCollector(s.threatFeed, s.indicators, s.logger)
	s.engine = scoring.NewEngine(s.logger)
	s.policies = policy.NewManager(s.policyStore, s.signalStore, s.logger)
	s.trainer = policy.NewTrainer(s.policies, s.signalStore, trainerInterval, s.logger)
	s.orchestrator = challenge.NewOrchestrator(s.challengeStore, challenge.LogNotifier{Logger: s.logger}, s.logger)
	s.sweeper = challenge.NewSweeper(s.orchestrator, cfg.SweeperInterval, s.logger)

	// Realtime hub for WebSocket streaming of trust events
	s.realtimeHub = realtime.NewHub(s.logger)

	s.evaluator = evaluator.New(
		s.trustStore,
		s.signalStore,
		s.sessions,
		s.collector,
		s.engine,
		s.policies,
		s.orchestrator,
		s.indicators,
		s.logger,
		evaluator.WithEventSink(realtime.NewSink(s.realtimeHub)),
		evaluator.WithPropagationCap(cfg.ThreatLookupLimit),
	)
	s.scheduler = evaluator.NewScheduler(s.evaluator, s.trustStore, cfg.SchedulerInterval, cfg.SchedulerBatch, s.logger)

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.checks.Register("scheduler", func(ctx context.Context) health.Status {
		return health.Status{Name: "scheduler", Healthy: s.scheduler.Running()}
	})

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// splitList parses a comma-separated env value into trimmed entries.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS: the API is consumed by internal dashboards only
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminMiddleware guards operator-only routes with the ADMIN_SECRET header.
// In development mode without a secret configured, access is allowed.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "Admin API is not configured",
				})
				return
			}
			c.Next()
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming of trust events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info endpoint
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware())

	evaluatorHandler := evaluator.NewHandler(s.evaluator, s.trustStore, s.sessions, s.challengeStore)
	signalHandler := signal.NewHandler(s.signalStore, s.policies)
	policyHandler := policy.NewHandler(s.policies)

	evaluatorHandler.RegisterRoutes(v1)
	signalHandler.RegisterRoutes(v1)
	policyHandler.RegisterRoutes(v1)

	// Operator routes
	admin := v1.Group("/admin")
	admin.Use(s.adminMiddleware())
	{
		admin.GET("/stats", s.statsHandler)
		admin.POST("/policies/:userId/train", s.trainUserHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Sentinel",
		"description": "Continuous session trust re-scoring engine",
		"version":     "0.1.0",
	})
}

// statsHandler returns operational counters for dashboards
func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"threatIndicators": s.indicators.Len(),
		"realtime":         s.realtimeHub.Stats(),
		"scheduler": gin.H{
			"running":  s.scheduler.Running(),
			"interval": s.cfg.SchedulerInterval.String(),
			"batch":    s.cfg.SchedulerBatch,
		},
	})
}

// trainUserHandler forces a baseline re-derivation for one user
func (s *Server) trainUserHandler(c *gin.Context) {
	userID := c.Param("userId")
	if err := s.trainer.TrainUser(c.Request.Context(), userID); err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "policy_not_found",
				"message": "No policy exists for this user",
			})
			return
		}
		logging.L(c.Request.Context()).Error("baseline training failed", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to train baseline",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "status": "trained"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start background rescoring scheduler
	go s.scheduler.Start(runCtx)

	// Start expired-challenge sweeper
	go s.sweeper.Start(runCtx)

	// Start per-user baseline trainer
	go s.trainer.Start(runCtx)

	// Export database pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, scheduler, sweeper, trainer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.scheduler != nil {
		s.scheduler.Stop()
		s.logger.Info("scheduler stopped")
	}

	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("challenge sweeper stopped")
	}

	if s.trainer != nil {
		s.trainer.Stop()
		s.logger.Info("baseline trainer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
