// Package server exposes the tutor pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tutor/internal/degradation"
	"tutor/internal/logging"
	"tutor/internal/orchestrator"
	"tutor/internal/performance"
	"tutor/internal/scheduler"
)

// Config holds listener and CORS settings.
type Config struct {
	Host            string        `mapstructure:"host" json:"host" yaml:"host"`
	Port            int           `mapstructure:"port" json:"port" yaml:"port"`
	EnableCORS      bool          `mapstructure:"enable_cors" json:"enable_cors" yaml:"enable_cors"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`
	Debug           bool          `mapstructure:"debug" json:"debug" yaml:"debug"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxWait         time.Duration `mapstructure:"max_wait" json:"max_wait" yaml:"max_wait"`
}

// DefaultConfig listens on localhost only.
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            8080,
		EnableCORS:      true,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    3 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
		MaxWait:         time.Minute,
	}
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Pipeline is the query surface the handlers drive.
type Pipeline interface {
	ProcessQuery(ctx context.Context, req orchestrator.Request) orchestrator.Response
	SubmitQuery(ctx context.Context, req orchestrator.Request) (orchestrator.Response, error)
	GetResult(ctx context.Context, id string, wait time.Duration) (orchestrator.Response, error)
	CancelQuery(id string) bool
	QueueStatus() (scheduler.Status, error)
	DegradationStatus() orchestrator.DegradationStatus
}

// LevelForcer lets operators pin a degradation level.
type LevelForcer interface {
	ForceLevel(level degradation.Level, reason string) (degradation.State, error)
}

// PerformanceReporter summarizes recent query performance.
type PerformanceReporter interface {
	Summary(lastN int) performance.Summary
	Targets() performance.Targets
}

// HealthChecker probes the model host.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Dependencies wires the handlers. Only Pipeline is required.
type Dependencies struct {
	Pipeline    Pipeline
	Levels      LevelForcer
	Performance PerformanceReporter
	Health      HealthChecker
	Gatherer    prometheus.Gatherer
	Logger      logging.Logger
	Version     string
}

// Server is the HTTP front end.
type Server struct {
	config     Config
	deps       Dependencies
	logger     logging.Logger
	engine     *gin.Engine
	httpServer *http.Server
	startTime  time.Time
}

// New builds the router and the underlying http.Server.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Pipeline == nil {
		return nil, errors.New("server requires a pipeline")
	}
	def := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	logger := logging.OrNop(deps.Logger)
	engine.Use(gin.Recovery())
	engine.Use(RequestLogger(logger))
	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		if len(cfg.AllowedOrigins) == 0 {
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOrigins = cfg.AllowedOrigins
		}
		corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", requestIDHeader}
		corsConfig.ExposeHeaders = []string{requestIDHeader}
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		config:    cfg,
		deps:      deps,
		logger:    logger,
		engine:    engine,
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	api := s.engine.Group("/v1")
	api.Use(JSONMiddleware())

	queries := api.Group("/queries")
	{
		queries.POST("", s.handleSubmit)
		queries.GET("/:id", s.handleGetResult)
		queries.DELETE("/:id", s.handleCancel)
	}
	api.POST("/ask", s.handleAsk)

	status := api.Group("/status")
	{
		status.GET("/queue", s.handleQueueStatus)
		status.GET("/degradation", s.handleDegradationStatus)
		status.GET("/performance", s.handlePerformance)
	}
	api.POST("/degradation/force", s.handleForceLevel)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting tutor API server on %s", s.httpServer.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to start HTTP server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop shuts the listener down, waiting up to the shutdown timeout for
// in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("Stopping tutor API server...")
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error shutting down HTTP server: %v", err)
		return err
	}
	s.logger.Info("Tutor API server stopped")
	return nil
}
