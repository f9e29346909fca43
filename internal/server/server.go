// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/storyvoice/storyvoice/internal/auth"
	"github.com/storyvoice/storyvoice/internal/billing"
	"github.com/storyvoice/storyvoice/internal/blob"
	"github.com/storyvoice/storyvoice/internal/circuitbreaker"
	"github.com/storyvoice/storyvoice/internal/config"
	"github.com/storyvoice/storyvoice/internal/credits"
	"github.com/storyvoice/storyvoice/internal/health"
	"github.com/storyvoice/storyvoice/internal/logging"
	"github.com/storyvoice/storyvoice/internal/metrics"
	"github.com/storyvoice/storyvoice/internal/provider"
	"github.com/storyvoice/storyvoice/internal/ratelimit"
	"github.com/storyvoice/storyvoice/internal/security"
	"github.com/storyvoice/storyvoice/internal/slotqueue"
	"github.com/storyvoice/storyvoice/internal/slots"
	"github.com/storyvoice/storyvoice/internal/story"
	"github.com/storyvoice/storyvoice/internal/synthesis"
	"github.com/storyvoice/storyvoice/internal/traces"
	"github.com/storyvoice/storyvoice/internal/validation"
	"github.com/storyvoice/storyvoice/internal/voice"
	"github.com/storyvoice/storyvoice/internal/worker"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	router  *gin.Engine
	httpSrv *http.Server

	db    *sql.DB       // nil if using in-memory
	redis *redis.Client // nil if using in-memory queue

	voiceStore voice.Store
	storyStore story.Store
	jobStore   synthesis.Store
	authStore  auth.Store
	blobs      blob.Store
	queue      slotqueue.Queue

	ledger       *credits.Ledger
	slotMgr      *slots.Manager
	voiceSvc     *voice.Service
	orchestrator *synthesis.Orchestrator
	billingSvc   *billing.Service
	authMgr      *auth.Manager
	pool         *worker.Pool
	beats        *worker.Beats
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry

	providers *provider.Registry

	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error

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

// WithProviders injects a provider registry (for testing)
func WithProviders(r *provider.Registry) Option {
	return func(s *Server) {
		s.providers = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set providers/logger)
	for _, opt := range opts {
		opt(s)
	}

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
		s.voiceStore = voice.NewPostgresStore(db)
		s.storyStore = story.NewPostgresStore(db)
		s.jobStore = synthesis.NewPostgresStore(db)
		s.authStore = auth.NewPostgresStore(db)
		ledger, err := credits.NewLedger(credits.NewPostgresStore(db), cfg.CreditsUnitSize, cfg.CreditSourcesPriority, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create credit ledger: %w", err)
		}
		s.ledger = ledger
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.voiceStore = voice.NewMemoryStore()
		s.storyStore = story.NewMemoryStore()
		s.jobStore = synthesis.NewMemoryStore()
		s.authStore = auth.NewMemoryStore()
		ledger, err := credits.NewLedger(credits.NewMemoryStore(), cfg.CreditsUnitSize, cfg.CreditSourcesPriority, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create credit ledger: %w", err)
		}
		s.ledger = ledger
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Slot queue (Redis if REDIS_URL set, otherwise in-memory)
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(redisOpts)
		if err := s.redis.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		q, err := slotqueue.NewRedisQueue(s.redis, "slotqueue")
		if err != nil {
			return nil, fmt.Errorf("failed to create redis queue: %w", err)
		}
		s.queue = q
		s.logger.Info("using Redis slot queue")
	} else {
		s.queue = slotqueue.NewMemoryQueue()
		s.logger.Info("using in-memory slot queue")
	}

	// Artifact storage
	if cfg.ArtifactDir != "" {
		store, err := blob.NewFSStore(cfg.ArtifactDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create artifact store: %w", err)
		}
		s.blobs = store
	} else {
		s.blobs = blob.NewMemoryStore()
	}

	// Voice providers, each behind a circuit breaker so a flapping upstream
	// fails fast instead of burning the call timeout per attempt
	if s.providers == nil {
		breaker := circuitbreaker.New(5, 30*time.Second)
		var adapters []provider.Adapter
		if cfg.ElevenLabsAPIKey != "" {
			adapters = append(adapters, provider.WithBreaker(
				provider.NewElevenLabs(cfg.ElevenLabsAPIKey, "", cfg.ProviderCallTimeout), breaker))
		}
		if cfg.CartesiaAPIKey != "" {
			adapters = append(adapters, provider.WithBreaker(
				provider.NewCartesia(cfg.CartesiaAPIKey, "", cfg.ProviderCallTimeout), breaker))
		}
		if len(adapters) == 0 {
			s.logger.Warn("no voice provider API keys configured, synthesis will fail")
		}
		s.providers = provider.NewRegistry(adapters...)
	}

	// Core services
	s.slotMgr = slots.NewManager(s.voiceStore, s.queue, s.providers, s.blobs, s.ledger, slots.Config{
		SlotLimit:           cfg.SlotLimit,
		WarmHold:            cfg.WarmHold,
		LockTTL:             cfg.SlotLockTTL,
		MaxDispatchPerCycle: cfg.MaxDispatchPerCycle,
	}, s.logger)

	s.voiceSvc = voice.NewService(s.voiceStore, s.blobs, s.slotMgr, cfg.DefaultVoiceProvider, s.logger)

	s.orchestrator = synthesis.NewOrchestrator(
		s.jobStore, s.storyStore, s.voiceStore, s.ledger, s.slotMgr, s.providers, s.blobs,
		synthesis.Config{AllocationWaitDeadline: cfg.AllocationWaitDeadline},
		s.logger,
	)

	s.authMgr = auth.NewManager(s.authStore)

	s.billingSvc = billing.NewService(s.ledger, s.authStore, billing.Config{
		InitialCredits: int64(cfg.InitialCredits),
		MonthlyCredits: int64(cfg.MonthlyCredits),
	}, s.logger)

	// Background workers
	s.pool = worker.NewPool(s.slotMgr, s.orchestrator, s.ledger, s.billingSvc, worker.Config{
		PoolSize:    cfg.WorkerPoolSize,
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.RetryBackoffBase,
		BackoffCap:  cfg.RetryBackoffCap,
	}, s.logger)
	s.slotMgr.SetDispatcher(s.pool)
	s.orchestrator.SetDispatcher(s.pool)

	s.beats = worker.NewBeats(s.pool, worker.BeatConfig{
		QueuePollInterval: cfg.QueuePollInterval,
		ReclaimInterval:   cfg.ReclaimInterval,
	}, s.logger)

	s.setupHealthChecks()

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

func (s *Server) setupHealthChecks() {
	s.healthReg = health.NewRegistry()

	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	if s.redis != nil {
		s.healthReg.Register("redis", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.redis.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	}
	s.healthReg.Register("slot_queue", func(ctx context.Context) health.Status {
		for _, name := range s.providers.Names() {
			if _, err := s.queue.Len(ctx, name); err != nil {
				return health.Status{Name: "slot_queue", Healthy: false, Detail: err.Error()}
			}
		}
		return health.Status{Name: "slot_queue", Healthy: true}
	})
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

	// CORS (allow all origins in development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (voice sample uploads are the largest legitimate
	// payloads)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxUploadSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	// PUBLIC ROUTES (no API key)
	// Stripe authenticates the webhook with its signature header.
	billingHandler := billing.NewHandler(s.billingSvc, s.cfg.StripeWebhookSecret)
	billingHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("", auth.RequireAuth())
	{
		voice.NewHandler(s.voiceSvc).RegisterRoutes(protected)
		story.NewHandler(s.storyStore).RegisterRoutes(protected)
		credits.NewHandler(s.ledger, s.cfg.CreditsUnitLabel).RegisterRoutes(protected)
		synthesis.NewHandler(s.orchestrator).RegisterRoutes(protected)
		auth.NewHandler(s.authMgr, s.billingSvc).RegisterRoutes(protected)
	}

	// ADMIN ROUTES (require X-Admin-Secret)
	admin := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	{
		credits.NewHandler(s.ledger, s.cfg.CreditsUnitLabel).RegisterAdminRoutes(admin)
		slots.NewHandler(s.slotMgr).RegisterAdminRoutes(admin)
		auth.NewHandler(s.authMgr, s.billingSvc).RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "Storyvoice",
		"description": "Bedtime story narration in your own voice",
		"version":     "0.1.0",
		"creditsUnit": s.cfg.CreditsUnitLabel,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when OTLP endpoint is unset)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceShutdown = shutdown
	}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"slot_limit", s.cfg.SlotLimit,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start background workers
	s.pool.Start(runCtx)
	s.beats.Start(runCtx)

	// DB stats into Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop beats first so no new tasks are submitted, then drain the pool
	if s.beats != nil {
		s.beats.Stop()
		s.logger.Info("beats stopped")
	}
	if s.pool != nil {
		s.pool.Stop()
		s.logger.Info("worker pool stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush traces
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close redis connection
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
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
