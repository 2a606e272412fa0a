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

	"github.com/mbd888/fortiescrow/internal/admin"
	"github.com/mbd888/fortiescrow/internal/auth"
	"github.com/mbd888/fortiescrow/internal/config"
	"github.com/mbd888/fortiescrow/internal/escrow"
	"github.com/mbd888/fortiescrow/internal/health"
	"github.com/mbd888/fortiescrow/internal/idgen"
	"github.com/mbd888/fortiescrow/internal/ledger"
	"github.com/mbd888/fortiescrow/internal/logging"
	"github.com/mbd888/fortiescrow/internal/metrics"
	"github.com/mbd888/fortiescrow/internal/ratelimit"
	"github.com/mbd888/fortiescrow/internal/reconciliation"
	"github.com/mbd888/fortiescrow/internal/security"
	"github.com/mbd888/fortiescrow/internal/traces"
	"github.com/mbd888/fortiescrow/internal/validation"
)

// Version is reported by the health endpoint and on traces.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	clock          escrow.Clock
	escrowStore    escrow.Store
	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	ledger         *ledger.Ledger
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	issuer         *auth.Issuer
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry
	db             *sql.DB           // nil unless DATABASE_URL is set
	bolt           *escrow.BoltStore // nil unless BOLT_PATH is set
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	stopTracing    func(context.Context) error
	drainDelay     time.Duration

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

// WithClock sets the engine clock (for testing)
func WithClock(clock escrow.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// WithDrainDelay sets how long Shutdown waits before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		clock:      escrow.SystemClock{},
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	ledgerStore, err := s.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	// Ledger and escrow service
	s.ledger = ledger.New(ledgerStore).WithLogger(s.logger)
	engine := escrow.NewEngine(s.clock, cfg.EscrowLimits())
	s.escrowService = escrow.NewService(engine, s.escrowStore, s.ledger).WithLogger(s.logger)

	// Background jobs
	s.escrowTimer = escrow.NewTimer(s.escrowService, s.escrowStore, cfg.KeeperAddress, s.logger).
		WithInterval(cfg.SweepInterval).
		WithBatch(cfg.SweepBatch)
	s.reconciler = reconciliation.NewRunner(s.escrowStore, s.ledger, s.clock, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.health.Register("deadline_sweeper", health.Loop("deadline_sweeper",
		s.escrowTimer.Running, s.escrowTimer.LastRun, 4*cfg.SweepInterval))
	s.health.Register("reconciliation", health.Loop("reconciliation",
		s.reconcileTimer.Running, nil, 0))

	// Caller identity
	secret := cfg.JWTSecret
	if secret == "" {
		// Validate only allows this in development.
		secret = randomSecret()
		s.logger.Warn("JWT_SECRET not set, using an ephemeral development secret")
	}
	s.issuer, err = auth.NewIssuer(secret, cfg.JWTIssuer, auth.DefaultTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}

	// Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStorage selects Postgres, bolt or in-memory storage and returns the
// matching ledger store.
func (s *Server) openStorage(ctx context.Context) (ledger.Store, error) {
	switch {
	case s.cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.escrowStore = escrow.NewPostgresStore(db)
		s.health.Register("database", health.Pinger("database", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
		return ledger.NewPostgresStore(db), nil

	case s.cfg.BoltPath != "":
		bs, err := escrow.OpenBoltStore(s.cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		ls, err := ledger.NewBoltStore(bs.DB())
		if err != nil {
			_ = bs.Close()
			return nil, fmt.Errorf("failed to open ledger buckets: %w", err)
		}
		s.bolt = bs
		s.escrowStore = bs
		s.logger.Info("using bolt storage", "path", s.cfg.BoltPath)
		return ls, nil

	default:
		s.escrowStore = escrow.NewMemoryStore()
		s.logger.Warn("using in-memory storage, data is lost on restart")
		return ledger.NewMemoryStore(), nil
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	return u.Redacted()
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

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (load balancer, client) when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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
			logger.Debug("request completed",
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

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	// Tokens are optional on public routes; limits key on the caller when
	// one is present.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.issuer))
	v1.Use(s.rateLimiter.Middleware())

	authHandler := auth.NewHandler(s.issuer)
	v1.GET("/auth/info", authHandler.Info)
	if s.cfg.IsDevelopment() {
		v1.POST("/auth/token", authHandler.IssueToken)
	}

	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(v1)
	ledger.NewHandler(s.ledger).RegisterRoutes(v1)
	v1.GET("/reconciliation", s.reconciliationHandler)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	escrowHandler.RegisterProtectedRoutes(protected)

	// Operator routes need ADMIN_SECRET outside development.
	if s.cfg.AdminSecret != "" || s.cfg.IsDevelopment() {
		adminGroup := v1.Group("")
		adminGroup.Use(auth.RequireAdmin(s.cfg.AdminSecret))
		admin.NewHandler().
			WithHaltRegistry(s.escrowService).
			WithSweeper(s.escrowTimer).
			WithReconciler(s.reconciler).
			RegisterRoutes(adminGroup)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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

// reconciliationHandler returns the latest reconciliation report, running
// one when none exists yet.
func (s *Server) reconciliationHandler(c *gin.Context) {
	report := s.reconcileTimer.LastReport()
	if report == nil {
		var err error
		report, err = s.reconciler.RunAll(c.Request.Context())
		if err != nil {
			logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "reconciliation failed",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"match":  report.Match(),
		"report": report,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the sweeper, reconciliation and stats loops.
func (s *Server) startBackground(ctx context.Context) {
	go s.escrowTimer.Start(ctx)
	go s.reconcileTimer.Start(ctx)
	go metrics.StartStatsCollector(ctx, s.db, 15*time.Second)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.escrowTimer.Stop()
	s.reconcileTimer.Stop()
	s.rateLimiter.Stop()
	s.logger.Info("background jobs stopped")

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if s.bolt != nil {
		if err := s.bolt.Close(); err != nil {
			s.logger.Error("bolt close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b)
}
