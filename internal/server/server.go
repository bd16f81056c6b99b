// Package server wires the oracle together: stores, chain scanners,
// scoring worker, screener, feed bus, webhook dispatcher, and the
// HTTP API that exposes trust evaluations.
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
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/chainrep/oracle/internal/agents"
	"github.com/chainrep/oracle/internal/chain"
	"github.com/chainrep/oracle/internal/config"
	"github.com/chainrep/oracle/internal/feed"
	"github.com/chainrep/oracle/internal/logging"
	"github.com/chainrep/oracle/internal/metrics"
	"github.com/chainrep/oracle/internal/onchain"
	"github.com/chainrep/oracle/internal/ratelimit"
	"github.com/chainrep/oracle/internal/rescore"
	"github.com/chainrep/oracle/internal/scanner"
	"github.com/chainrep/oracle/internal/screener"
	"github.com/chainrep/oracle/internal/trust"
	"github.com/chainrep/oracle/internal/webhooks"
)

// Server is the main application server
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	router  *gin.Engine
	httpSrv *http.Server

	db    *sql.DB
	store agents.Store

	trust        *trust.Service
	bus          *feed.Bus
	wsHandler    *feed.WSHandler
	dispatcher   *webhooks.Dispatcher
	emitter      *webhooks.Emitter
	webhookStore webhooks.Store

	chains    []*chain.Client
	scanners  []*scanner.Scanner
	rescorer  *rescore.Worker
	screener  *screener.Screener
	submitter *onchain.Submitter

	rateLimiter *ratelimit.Limiter

	healthy atomic.Bool
	ready   atomic.Bool

	cancelRunCtx context.CancelFunc
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore overrides the backing store (used by tests).
func WithStore(store agents.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Stores: PostgreSQL when configured, in-memory otherwise.
	var checkpoints scanner.CheckpointStore
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}

			store, err := agents.NewPostgresStore(ctx, db)
			if err != nil {
				return nil, fmt.Errorf("failed to init agent store: %w", err)
			}

			s.db = db
			s.store = store
			s.webhookStore = webhooks.NewPostgresStore(db)
			checkpoints = scanner.NewPostgresCheckpoints(db)
			s.logger.Info("database connected", "dsn", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = agents.NewMemoryStore()
			s.logger.Warn("no DATABASE_URL set, using in-memory store (data will not persist)")
		}
	}
	if s.webhookStore == nil {
		s.webhookStore = webhooks.NewMemoryStore()
	}
	if checkpoints == nil {
		checkpoints = scanner.NewMemoryCheckpoints()
	}

	// Trust evaluation with TTL cache
	s.trust = trust.New(s.store, cfg.EvaluationTTL)

	// Live feed + webhook delivery
	s.bus = feed.NewBus(s.logger)
	s.wsHandler = feed.NewWSHandler(s.bus, s.logger)
	s.dispatcher = webhooks.NewDispatcher(s.webhookStore, s.logger)
	s.emitter = webhooks.NewEmitter(s.dispatcher, s.logger)

	// Chain clients, scanners, and the feedback writer
	var backends []*onchain.Backend
	sorted := make([]config.ChainConfig, len(cfg.Chains))
	copy(sorted, cfg.Chains)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	for _, cc := range sorted {
		client, err := chain.Dial(cc)
		if err != nil {
			return nil, fmt.Errorf("failed to dial chain %s: %w", cc.Name, err)
		}
		s.chains = append(s.chains, client)
		s.scanners = append(s.scanners, scanner.New(
			client, cc, s.store, checkpoints,
			cfg.ConfirmationDepth, cfg.ScanInterval, s.logger,
		))

		if cfg.PrivateKey != "" {
			writer, err := chain.NewWriter(client, cfg.PrivateKey)
			if err != nil {
				return nil, fmt.Errorf("failed to init writer for %s: %w", cc.Name, err)
			}
			backends = append(backends, onchain.NewBackend(cc.Name, writer, s.logger))
		}
	}
	if len(backends) > 0 {
		s.submitter = onchain.NewSubmitter(backends, s.logger)
	} else {
		s.logger.Info("no PRIVATE_KEY set, on-chain feedback submission disabled")
	}

	// Rescoring publishes to both the websocket feed and webhooks.
	s.rescorer = rescore.New(s.store, fanout{s.bus, s.emitter}, cfg.RescoreInterval, s.logger)

	var submitter screener.FeedbackSubmitter
	if s.submitter != nil {
		submitter = s.submitter
	}
	s.screener = screener.New(s.store, s.trust, s.bus, s.emitter, submitter, screener.Intervals{
		Screen:   cfg.ScreenInterval,
		Anomaly:  cfg.AnomalyInterval,
		Liveness: cfg.LivenessInterval,
		Report:   cfg.ReportInterval,
	}, s.logger)

	// Set gin mode based on environment
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// fanout relays score changes to every interested publisher.
type fanout struct {
	bus     *feed.Bus
	emitter *webhooks.Emitter
}

func (f fanout) PublishScoreChange(ctx context.Context, agentID string, oldScore, newScore float64, tier string) {
	f.bus.PublishScoreChange(ctx, agentID, oldScore, newScore, tier)
	f.emitter.PublishScoreChange(ctx, agentID, oldScore, newScore, tier)
}

// maskDSN hides credentials in a database URL for logging
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

	// Rate limiting per client IP
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
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
		// Honor an existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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
	// Health & metrics
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/healthz/live", s.livenessHandler)
	s.router.GET("/healthz/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/", s.infoHandler)

	v1 := s.router.Group("/v1")

	// Trust evaluation (read-only, the oracle's main product)
	v1.GET("/agents", s.listAgents)
	v1.GET("/agents/:id/evaluation", s.getEvaluation)
	v1.GET("/agents/:id/risk", s.getRisk)
	v1.GET("/agents/:id/history", s.getHistory)
	v1.GET("/stats", s.getStats)
	v1.GET("/leaderboard", s.getLeaderboard)

	// Webhook subscription management
	webhooks.NewHandler(s.webhookStore).RegisterRoutes(v1)

	// Live trust update feed
	v1.GET("/feed", s.wsHandler.Handle)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and all background workers, then blocks
// until a shutdown signal or a fatal server error.
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"chains", len(s.chains),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.bus.Start(runCtx)
	for _, sc := range s.scanners {
		sc.Start(runCtx)
	}
	s.rescorer.Start(runCtx)
	s.screener.Start(runCtx)

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server and all workers
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.screener.Stop()
	s.logger.Info("screener stopped")

	s.rescorer.Stop()
	s.logger.Info("rescore worker stopped")

	for _, sc := range s.scanners {
		sc.Stop()
	}
	if len(s.scanners) > 0 {
		s.logger.Info("scanners stopped")
	}

	s.bus.Stop()
	s.logger.Info("feed bus stopped")

	// Let in-flight webhook deliveries finish their retry schedules.
	s.dispatcher.Wait()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	for _, c := range s.chains {
		c.Close()
	}

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

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
