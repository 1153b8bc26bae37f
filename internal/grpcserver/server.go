// Package grpcserver serves the standard gRPC health service so external
// monitors can check the ingestion process.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/aiobs/aiobs/internal/pkg/logger"
)

// ServiceName is the health service name reported for ingestion.
const ServiceName = "aiobs.Ingest"

// Config holds the gRPC server configuration.
type Config struct {
	// TCPAddr is the TCP address to listen on (e.g., ":50051").
	TCPAddr string

	// UnixSocketPath is the Unix socket path for local connections.
	// Empty string disables Unix socket listening.
	UnixSocketPath string

	// CheckInterval is how often the storage ping refreshes the serving status.
	CheckInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TCPAddr:       ":50051",
		CheckInterval: 15 * time.Second,
	}
}

// Pinger reports whether storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the gRPC health server.
type Server struct {
	cfg        Config
	log        *logger.Logger
	grpcServer *grpc.Server
	health     *health.Server
	pinger     Pinger

	mu           sync.Mutex
	tcpListener  net.Listener
	unixListener net.Listener
	stopCheck    context.CancelFunc
}

// New creates a new gRPC server. pinger may be nil, in which case the
// status only changes through SetServing.
func New(cfg Config, log *logger.Logger, pinger Pinger) *Server {
	if cfg.TCPAddr == "" {
		cfg.TCPAddr = DefaultConfig().TCPAddr
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	if log == nil {
		log = logger.Default()
	}

	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Second,
			Time:                  10 * time.Second,
			Timeout:               3 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(loggingInterceptor(log)),
	}

	s := &Server{
		cfg:        cfg,
		log:        log.WithComponent("grpc"),
		grpcServer: grpc.NewServer(opts...),
		health:     health.NewServer(),
		pinger:     pinger,
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	s.SetServing(false)
	return s
}

// SetServing updates the status reported for the overall server and the
// ingestion service.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Start starts the gRPC server on TCP and, if configured, a Unix socket.
func (s *Server) Start() error {
	tcpLis, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP %s: %w", s.cfg.TCPAddr, err)
	}
	s.mu.Lock()
	s.tcpListener = tcpLis
	s.mu.Unlock()
	s.log.Info("gRPC server listening on TCP", "addr", tcpLis.Addr().String())

	go func() {
		if err := s.Serve(tcpLis); err != nil {
			s.log.Error("TCP server error", "error", err)
		}
	}()

	if s.cfg.UnixSocketPath != "" && runtime.GOOS != "windows" {
		_ = os.Remove(s.cfg.UnixSocketPath)

		unixLis, err := net.Listen("unix", s.cfg.UnixSocketPath)
		if err != nil {
			s.log.Warn("Failed to listen on Unix socket", "path", s.cfg.UnixSocketPath, "error", err)
		} else {
			s.mu.Lock()
			s.unixListener = unixLis
			s.mu.Unlock()
			_ = os.Chmod(s.cfg.UnixSocketPath, 0666)
			s.log.Info("gRPC server listening on Unix socket", "path", s.cfg.UnixSocketPath)

			go func() {
				if err := s.Serve(unixLis); err != nil {
					s.log.Error("Unix socket server error", "error", err)
				}
			}()
		}
	}

	return nil
}

// Serve serves on lis until Stop is called and starts the storage ping loop.
func (s *Server) Serve(lis net.Listener) error {
	s.startHealthCheck()
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Addr returns the TCP listen address once Start has returned.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpListener == nil {
		return ""
	}
	return s.tcpListener.Addr().String()
}

// Stop marks every service NOT_SERVING and gracefully stops the server.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopCheck != nil {
		s.stopCheck()
		s.stopCheck = nil
	}
	s.mu.Unlock()

	s.log.Info("Stopping gRPC server...")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()

	if s.cfg.UnixSocketPath != "" {
		_ = os.Remove(s.cfg.UnixSocketPath)
	}
}

func (s *Server) startHealthCheck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinger == nil || s.stopCheck != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopCheck = cancel
	go s.checkLoop(ctx)
}

func (s *Server) checkLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	healthy := true
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.pinger.Ping(pingCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		if err != nil && healthy {
			s.log.Warn("Storage ping failed, reporting NOT_SERVING", "error", err)
		} else if err == nil && !healthy {
			s.log.Info("Storage ping recovered, reporting SERVING")
		}
		healthy = err == nil
		s.SetServing(healthy)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func loggingInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug("gRPC request",
			"method", info.FullMethod,
			"duration", time.Since(start),
			"error", err,
		)
		return resp, err
	}
}
