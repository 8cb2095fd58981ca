// Package api exposes the relay's HTTP surface: withdrawal intake, status
// lookup, cancellation and health.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shieldpool/relay/internal/database/postgres"
	"github.com/shieldpool/relay/internal/messaging"
	"github.com/shieldpool/relay/internal/queue"
	"github.com/shieldpool/relay/internal/validation"
	"github.com/shieldpool/relay/pkg/log"
)

// JobStore is the persistence surface the handlers need.
type JobStore interface {
	CreateJob(ctx context.Context, job *postgres.Job) error
	GetJob(ctx context.Context, jobID string) (*postgres.Job, error)
	CancelIfQueued(ctx context.Context, jobID string) error
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// StatusCache is the read-path cache in front of the job store. A nil
// cache disables caching.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID string, data any, expiration time.Duration) error
	GetJobStatus(ctx context.Context, jobID string, dest any) (bool, error)
	InvalidateJobStatus(ctx context.Context, jobID string) error
	CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
}

// HealthChecker reports readiness of a downstream dependency.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Config holds server tuning.
type Config struct {
	ListenAddr string

	// RateLimit caps withdrawal submissions per client IP per window.
	// Zero disables rate limiting.
	RateLimit       int64
	RateLimitWindow time.Duration

	StatusCacheTTL time.Duration
}

// Server is the relay HTTP API.
type Server struct {
	cfg       *Config
	store     JobStore
	cache     StatusCache
	jobQueue  queue.Queue
	validator *validation.WithdrawValidator
	publisher messaging.Publisher
	health    []HealthChecker
	logger    *log.Logger

	engine *gin.Engine
	http   *http.Server
}

// NewServer assembles the API server and its routes.
func NewServer(cfg *Config, store JobStore, cache StatusCache, jobQueue queue.Queue,
	validator *validation.WithdrawValidator, publisher messaging.Publisher,
	health []HealthChecker, logger *log.Logger) *Server {
	if cfg.StatusCacheTTL <= 0 {
		cfg.StatusCacheTTL = 5 * time.Second
	}

	s := &Server{
		cfg:       cfg,
		store:     store,
		cache:     cache,
		jobQueue:  jobQueue,
		validator: validator,
		publisher: publisher,
		health:    health,
		logger:    logger.WithComponent("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/stats", s.handleStats)
	engine.GET("/status/:request_id", s.handleStatus)

	withdraw := engine.Group("/")
	if cfg.RateLimit > 0 && cache != nil {
		withdraw.Use(s.rateLimiter())
	}
	withdraw.POST("/withdraw", s.handleWithdraw)
	withdraw.DELETE("/withdraw/:request_id", s.handleCancel)

	s.engine = engine
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening", "addr", s.cfg.ListenAddr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}
}

func (s *Server) rateLimiter() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := s.cache.CheckRateLimit(c.Request.Context(),
			"api:"+c.ClientIP(), s.cfg.RateLimit, s.cfg.RateLimitWindow)
		if err != nil {
			// Rate limiter outage must not take down intake
			s.logger.WithError(err).Error("rate limit check failed, allowing request")
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
