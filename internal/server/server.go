// Package server provides the HTTP server that wires ingestion, queries,
// health and metrics together.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aiobs/aiobs/internal/health"
	"github.com/aiobs/aiobs/internal/metrics"
	"github.com/aiobs/aiobs/internal/pkg/logger"
	"github.com/aiobs/aiobs/internal/pkg/middleware"
	"github.com/aiobs/aiobs/internal/pkg/tracing"
	"github.com/aiobs/aiobs/internal/storage"
	"github.com/aiobs/aiobs/internal/telemetry"
)

// Server is the HTTP front of the ingestion service.
type Server struct {
	cfg        Config
	log        *logger.Logger
	httpServer *http.Server
	handler    http.Handler
	inFlight   *middleware.InFlight
	limiter    *middleware.RateLimiter
	checker    *health.Checker

	mu       sync.Mutex
	listener net.Listener
	started  bool
}

// Config configures the server.
type Config struct {
	// Host is the address to bind to.
	Host string

	// Port is the HTTP port. 0 picks a free port.
	Port int

	// MaxBodyBytes limits a single submission body.
	MaxBodyBytes int64

	// ReadTimeout is the HTTP read timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the HTTP write timeout.
	WriteTimeout time.Duration

	// ShutdownTimeout is the graceful shutdown timeout.
	ShutdownTimeout time.Duration

	// CORSOrigins is a comma separated allow list or "*".
	CORSOrigins string

	// RateLimit is the per-client requests per second. 0 disables limiting.
	RateLimit int

	// MetricsPath serves Prometheus metrics when Metrics is set.
	MetricsPath string
}

// DefaultConfig returns sensible server defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8000,
		MaxBodyBytes:    telemetry.DefaultMaxBodyBytes,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     "*",
		MetricsPath:     "/metrics",
	}
}

// Deps are the services the server routes to.
type Deps struct {
	Ingester telemetry.Ingester
	Storage  storage.Storage
	Backend  string
	Checker  *health.Checker
	Metrics  *metrics.Metrics
	Log      *logger.Logger
}

// New creates a server and builds its handler chain.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Ingester == nil || deps.Storage == nil || deps.Checker == nil {
		return nil, errors.New("server requires an ingester, storage and health checker")
	}
	def := DefaultConfig()
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = def.MetricsPath
	}
	log := deps.Log
	if log == nil {
		log = logger.Default()
	}

	s := &Server{
		cfg:      cfg,
		log:      log.WithComponent("http"),
		inFlight: &middleware.InFlight{},
		checker:  deps.Checker,
	}

	mux := http.NewServeMux()
	telemetry.NewHandler(deps.Ingester, cfg.MaxBodyBytes).RegisterRoutes(mux)
	NewQueryHandler(deps.Storage, deps.Backend).RegisterRoutes(mux)
	health.NewHandler(deps.Checker).RegisterRoutes(mux)

	var routed http.Handler = mux
	if deps.Metrics != nil {
		mux.Handle("GET "+cfg.MetricsPath, deps.Metrics.Handler())
		routed = metrics.HTTPMiddleware(deps.Metrics, mux)
	}

	mws := []func(http.Handler) http.Handler{
		middleware.Recovery(log),
		middleware.RequestID,
		tracing.Middleware,
		middleware.CORS(cfg.CORSOrigins),
		middleware.Logging(log),
		s.inFlight.Middleware,
	}
	if cfg.RateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RequestsPerSecond: float64(cfg.RateLimit),
			Burst:             cfg.RateLimit * 2,
		})
		mws = append(mws, s.limiter.Middleware)
	}
	s.handler = middleware.Chain(routed, mws...)

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Listen binds the listen address. It is separate from Serve so callers
// learn about port conflicts before reporting readiness.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = lis
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	s.started = true
	return nil
}

// Addr returns the bound address after Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve accepts connections until Stop. It marks the service ready once
// accepting.
func (s *Server) Serve() error {
	s.mu.Lock()
	srv, lis := s.httpServer, s.listener
	s.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("server not listening")
	}

	s.log.Info("Starting HTTP server", "addr", lis.Addr().String())
	s.checker.SetReady()
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop marks the service not ready, stops accepting connections and drains
// in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limiter != nil {
		s.limiter.Stop()
	}
	if !s.started {
		return nil
	}

	s.log.Info("Shutting down server...")
	s.checker.SetNotReady("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		s.log.Error("HTTP shutdown error", "error", err)
	}
	if !s.inFlight.Drain(s.cfg.ShutdownTimeout, s.log) {
		s.log.Warn("In-flight requests did not finish before timeout", "remaining", s.inFlight.Count())
	}
	s.started = false
	s.log.Info("Server stopped")
	return err
}

// InFlight returns the number of requests being served.
func (s *Server) InFlight() int64 {
	return s.inFlight.Count()
}
