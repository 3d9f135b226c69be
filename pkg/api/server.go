// Package api provides the HTTP status API of a Data-Online gateway
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ZentaChain/dataonline/pkg/protocol"
	"github.com/ZentaChain/dataonline/pkg/storage"
)

// Gateway is the view of the gateway the API reports on
type Gateway interface {
	GetStats() map[string]interface{}
	ModelInfo() *protocol.ModelInfo
	ModelDigest() string
}

// Server represents the HTTP API server
type Server struct {
	gateway    Gateway
	traces     *storage.TraceStore
	router     *gin.Engine
	registry   *prometheus.Registry
	limiter    *RateLimiter
	httpServer *http.Server
	listener   net.Listener
	cfg        *Config
	logger     *zap.Logger
	startTime  time.Time
}

// Config holds server configuration
type Config struct {
	ListenAddr   string
	EnableCORS   bool
	RateLimit    int // Requests per minute per client; 0 disables limiting
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:   ":8080",
		EnableCORS:   true,
		RateLimit:    600,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates a new HTTP API server. Collectors are registered on a
// private registry served at /metrics.
func NewServer(gateway Gateway, cfg *Config, logger *zap.Logger, metrics ...prometheus.Collector) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range metrics {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		gateway:   gateway,
		router:    gin.New(),
		registry:  registry,
		cfg:       cfg,
		logger:    logger.Named("api"),
		startTime: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// AttachTraceStore exposes stored frame traces at /api/v1/traces
func (s *Server) AttachTraceStore(store *storage.TraceStore) {
	s.traces = store
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	if s.cfg.EnableCORS {
		s.router.Use(CORSMiddleware())
	}

	if s.cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(s.cfg.RateLimit)
		s.router.Use(RateLimitMiddleware(s.limiter))
	}

	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(gin.Recovery())
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.handleHealth)
		v1.GET("/status", s.handleStatus)
		v1.GET("/model", s.handleModel)
		v1.GET("/traces", s.handleTraces)
		v1.GET("/traces/:session", s.handleSessionTraces)
	}

	// Outside versioning
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = l

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", zap.Error(err))
		}
	}()

	s.logger.Info("HTTP API listening", zap.Stringer("addr", l.Addr()))
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
