// Package main provides the aiobs ingestion server binary.
// The server accepts LLM call telemetry over HTTP, persists it and
// exposes query, health and metrics endpoints plus a gRPC health service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aiobs/aiobs/internal/bus"
	"github.com/aiobs/aiobs/internal/config"
	"github.com/aiobs/aiobs/internal/grpcserver"
	"github.com/aiobs/aiobs/internal/health"
	"github.com/aiobs/aiobs/internal/metrics"
	"github.com/aiobs/aiobs/internal/pkg/logger"
	"github.com/aiobs/aiobs/internal/pkg/tracing"
	"github.com/aiobs/aiobs/internal/server"
	"github.com/aiobs/aiobs/internal/storage"
	"github.com/aiobs/aiobs/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "aiobs-server",
		Short: "aiobs - LLM telemetry ingestion server",
		Long: `aiobs-server ingests telemetry for individual LLM inference calls and
persists it in an append-only store indexed by application and by model.

The server exposes:
  - HTTP API on :8000 (configurable): POST /log, /v1/records, /v1/stats, health, metrics
  - gRPC health service on :50051 (configurable, 0 disables)

Examples:
  aiobs-server                                         # Start with defaults (SQLite)
  aiobs-server --database-url memory://                # Keep records in memory
  aiobs-server --database-url postgres://u:p@db/aiobs  # Use PostgreSQL
  aiobs-server schema --verify                         # Check tables and indexes`,
		RunE:         runServer,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().String("database-url", "", "database URL (overrides config)")

	rootCmd.Flags().String("host", "0.0.0.0", "server host")
	rootCmd.Flags().Int("port", 8000, "HTTP server port")
	rootCmd.Flags().Int("grpc-port", 50051, "gRPC health port (0 disables)")
	rootCmd.Flags().String("unix-socket", "", "gRPC Unix socket path (disabled on Windows)")

	rootCmd.AddCommand(
		versionCmd(),
		configCmd(),
		schemaCmd(),
		exportCmd(),
		replayCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the configuration and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if dbURL, _ := cmd.Flags().GetString("database-url"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	if f := cmd.Flags().Lookup("host"); f != nil && f.Changed {
		cfg.Host = f.Value.String()
	}
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("grpc-port") {
		cfg.GRPCPort, _ = cmd.Flags().GetInt("grpc-port")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.New(cfg.Log.Level, cfg.Log.Format)
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	unixSocket, _ := cmd.Flags().GetString("unix-socket")

	log.Info("Starting aiobs server",
		"version", version,
		"http_port", cfg.Port,
		"grpc_port", cfg.GRPCPort,
	)

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Observability.TracingEnabled,
		ServiceName: "aiobs-server",
		Version:     version,
		SampleRatio: cfg.Observability.TracingSample,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	var metricsSvc *metrics.Metrics
	if cfg.Observability.MetricsEnabled {
		metricsSvc = metrics.New()
	}

	// Storage
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	rawStore, err := storage.Open(openCtx, cfg.Database, log)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	backend, _ := cfg.Database.Scheme()

	var storeMetrics storage.MetricsRecorder
	if metricsSvc != nil {
		storeMetrics = metricsSvc
	}
	store := storage.NewInstrumentedStorage(rawStore, storeMetrics)
	if metricsSvc != nil {
		if err := metricsSvc.RegisterGauge("records_total", "Records held by the store.", recordCounter(store)); err != nil {
			log.Warn("Failed to register record gauge", "error", err)
		}
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("Error closing storage", "error", err)
		}
	}()

	// Event bus
	var busMetrics bus.MetricsRecorder
	if metricsSvc != nil {
		busMetrics = metricsSvc
	}
	eventBus, eventLogger, err := bus.Build(cfg.Bus, busMetrics, log)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	defer func() { _ = eventLogger.Close() }()
	defer func() { _ = eventBus.Close() }()
	if eventLogger.IsEnabled() {
		log.Info("Event journaling enabled", "path", eventLogger.Path())
	}

	// Ingestion
	var ingestMetrics telemetry.MetricsRecorder
	if metricsSvc != nil {
		ingestMetrics = metricsSvc
	}
	ingestSvc, err := telemetry.NewService(telemetry.ServiceConfig{
		WriteTimeout: cfg.Database.WriteTimeout,
		Source:       "aiobs-server",
	}, telemetry.Deps{
		Store:   store,
		Bus:     eventBus,
		Metrics: ingestMetrics,
		Log:     log,
	})
	if err != nil {
		return err
	}

	checker := health.NewChecker(health.Config{
		Storage:    store,
		Backend:    backend,
		BusType:    cfg.Bus.Type,
		BusPending: bus.Pending(eventBus),
		OllamaURL:  cfg.Ollama.BaseURL,
		Build: health.BuildInfo{
			Version:   version,
			GitCommit: commit,
			BuildTime: date,
		},
		Log: log,
	})
	reportOllama(ctx, checker, log)

	httpSrv, err := server.New(server.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: shutdownTimeout,
		CORSOrigins:     cfg.Security.CORSOrigins,
		RateLimit:       cfg.Security.RateLimit,
		MetricsPath:     cfg.Observability.MetricsPath,
	}, server.Deps{
		Ingester: ingestSvc,
		Storage:  store,
		Backend:  backend,
		Checker:  checker,
		Metrics:  metricsSvc,
		Log:      log,
	})
	if err != nil {
		return err
	}
	if err := httpSrv.Listen(); err != nil {
		return err
	}

	var grpcSrv *grpcserver.Server
	if addr := cfg.GRPCAddress(); addr != "" {
		grpcSrv = grpcserver.New(grpcserver.Config{
			TCPAddr:        addr,
			UnixSocketPath: unixSocket,
		}, log, store)
		if err := grpcSrv.Start(); err != nil {
			_ = httpSrv.Stop(context.Background())
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpSrv.Serve)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutdown signal received")

		if grpcSrv != nil {
			grpcSrv.Stop()
		}
		return httpSrv.Stop(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Error("Server exited with error", "error", err)
		return err
	}
	log.Info("Server stopped")
	return nil
}

// recordCounter exposes the store size as a scrape-time gauge.
func recordCounter(store storage.Storage) func() float64 {
	return func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := store.Count(ctx)
		if err != nil {
			return -1
		}
		return float64(n)
	}
}

// reportOllama logs model runtime reachability. Ingestion does not depend
// on it, so failure is only a warning.
func reportOllama(ctx context.Context, checker *health.Checker, log *logger.Logger) {
	report := checker.Check(ctx)
	if c, ok := report.Checks["ollama"]; ok && c.Status != health.StatusHealthy {
		log.Warn("Ollama is not reachable; evaluation consumers will be unavailable", "detail", c.Message)
	}
}
