// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/mbd888/escrowchat/internal/auth"
	"github.com/mbd888/escrowchat/internal/config"
	"github.com/mbd888/escrowchat/internal/dispute"
	"github.com/mbd888/escrowchat/internal/health"
	"github.com/mbd888/escrowchat/internal/idgen"
	"github.com/mbd888/escrowchat/internal/logging"
	"github.com/mbd888/escrowchat/internal/message"
	"github.com/mbd888/escrowchat/internal/metrics"
	"github.com/mbd888/escrowchat/internal/notify"
	"github.com/mbd888/escrowchat/internal/order"
	"github.com/mbd888/escrowchat/internal/ratelimit"
	"github.com/mbd888/escrowchat/internal/realtime"
	"github.com/mbd888/escrowchat/internal/retry"
	"github.com/mbd888/escrowchat/internal/security"
	"github.com/mbd888/escrowchat/internal/traces"
	"github.com/mbd888/escrowchat/internal/validation"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	orders         order.Store
	disputes       *dispute.Service
	messages       *message.Service
	dispatcher     *notify.Dispatcher
	collaborator   notify.Collaborator
	realtimeHub    *realtime.Hub
	broker         realtime.Broker
	issuer         *auth.Issuer
	checks         *health.Registry
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB       // nil if using in-memory
	redis          *redis.Client // nil without REDIS_URL
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
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

// WithCollaborator replaces the notification collaborator (for testing)
func WithCollaborator(c notify.Collaborator) Option {
	return func(s *Server) {
		s.collaborator = c
	}
}

// WithOrderStore injects the order store used in in-memory mode (for testing)
func WithOrderStore(o order.Store) Option {
	return func(s *Server) {
		s.orders = o
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		checks:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdown

	var (
		disputeStore dispute.Store
		messageStore message.Store
	)

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

		// Test connection, tolerating a database that is still starting
		if err := retry.Do(ctx, 5, 500*time.Millisecond, func() error {
			return db.PingContext(ctx)
		}); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.orders = order.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		messageStore = message.NewPostgresStore(db)
		s.checks.Register(health.PingChecker("postgres", 2*time.Second, db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		if s.orders == nil {
			mem := order.NewMemoryStore()
			if cfg.IsDevelopment() {
				if err := seedDemo(ctx, mem); err != nil {
					return nil, fmt.Errorf("failed to seed demo data: %w", err)
				}
				s.logger.Info("demo order seeded", "order_id", DemoOrderID)
			}
			s.orders = mem
		}
		disputeStore = dispute.NewMemoryStore()
		messageStore = message.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Realtime fan-out (Redis pub/sub across instances, in-process otherwise)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := retry.Do(ctx, 5, 500*time.Millisecond, func() error {
			return rdb.Ping(ctx).Err()
		}); err != nil {
			_ = rdb.Close()
			s.closeStorage()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = rdb
		s.broker = realtime.NewRedisBroker(rdb, realtime.DefaultRedisChannel)
		s.checks.Register(health.PingChecker("redis", 2*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
		s.logger.Info("realtime fan-out via redis", "addr", opt.Addr)
	} else {
		s.broker = realtime.NewLocalBroker()
		s.logger.Info("realtime fan-out in-process")
	}

	// Notifications
	if s.collaborator == nil {
		if cfg.NotifyWebhookURL != "" {
			wh, err := notify.NewWebhookCollaborator(ctx, cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, cfg.IsDevelopment())
			if err != nil {
				s.closeStorage()
				return nil, fmt.Errorf("invalid notification webhook: %w", err)
			}
			s.collaborator = wh
			s.logger.Info("notifications via webhook")
		} else {
			s.collaborator = notify.NewLogCollaborator(s.logger)
			s.logger.Info("notifications logged only (no NOTIFY_WEBHOOK_URL set)")
		}
	}
	notifyCfg := notify.DefaultConfig()
	if cfg.NotifyTimeout > 0 {
		notifyCfg.Timeout = cfg.NotifyTimeout
	}
	s.dispatcher = notify.NewDispatcher(s.collaborator, notifyCfg)

	// Domain services
	s.realtimeHub = realtime.NewHub(s.broker, s.orders, disputeStore, s.logger)
	s.disputes = dispute.NewService(disputeStore, s.orders).
		WithNotifier(s.dispatcher).
		WithPublisher(s.realtimeHub)
	s.messages = message.NewService(messageStore, s.orders, disputeStore).
		WithNotifier(s.dispatcher).
		WithPublisher(s.realtimeHub)

	s.issuer = auth.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer)

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

// DemoOrderID is the order seeded in development when running in-memory.
const DemoOrderID = "ord_demo"

func seedDemo(ctx context.Context, orders order.Store) error {
	users := []*order.User{
		{ID: "usr_buyer", Email: "buyer@example.com", DisplayName: "Demo Buyer"},
		{ID: "usr_seller", Email: "seller@example.com", DisplayName: "Demo Seller"},
	}
	for _, u := range users {
		if err := orders.PutUser(ctx, u); err != nil {
			return err
		}
	}
	return orders.Create(ctx, &order.Order{ID: DemoOrderID, BuyerID: "usr_buyer", SellerID: "usr_seller"})
}

func (s *Server) closeStorage() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if _, hasPassword := u.User.Password(); hasPassword {
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

	// CORS
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Session (resolves the actor; routes decide whether one is required)
	s.router.Use(auth.Middleware(s.issuer))

	// Rate limiting, per actor once authenticated
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware(rateLimitKey))

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func rateLimitKey(c *gin.Context) string {
	if actor, ok := auth.GetActor(c); ok {
		return "actor:" + actor.ID
	}
	return ratelimit.ClientIP(c)
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

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	authHandler := auth.NewHandler(s.issuer, s.cfg.IsDevelopment())
	authHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	authHandler.RegisterProtectedRoutes(protected)
	message.NewHandler(s.messages).RegisterProtectedRoutes(protected)
	dispute.NewHandler(s.disputes).RegisterProtectedRoutes(protected)
	s.realtimeHub.RegisterProtectedRoutes(protected)

	// Realtime diagnostics
	admin := protected.Group("/admin")
	admin.Use(auth.RequireRole(auth.RoleAdmin))
	admin.GET("/realtime", s.realtimeStatsHandler)
}

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

	ok, checks := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
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
	s.checks.Handler()(c)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "escrowchat",
		"version": Version,
		"env":     s.cfg.Env,
		"realtime": gin.H{
			"stream":      "/v1/orders/:orderId/stream",
			"distributed": s.redis != nil,
		},
	})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// WriteTimeout stays zero: stream connections are long-lived and set
	// their own write deadlines.
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Export connection pool stats
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
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

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

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Issuer returns the session token issuer.
func (s *Server) Issuer() *auth.Issuer {
	return s.issuer
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	return idgen.WithPrefix(idgen.PrefixRequest)
}
