// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Host         string        `envconfig:"API_HOST" yaml:"host"`
	Port         int           `envconfig:"API_PORT" yaml:"port"`
	GRPCPort     int           `envconfig:"GRPC_PORT" yaml:"grpc_port"` // 0 = disabled
	MaxBodyBytes int64         `envconfig:"MAX_BODY_BYTES" yaml:"max_body_bytes"`
	ReadTimeout  time.Duration `envconfig:"API_READ_TIMEOUT" yaml:"read_timeout"`
	WriteTimeout time.Duration `envconfig:"API_WRITE_TIMEOUT" yaml:"write_timeout"`

	Database   DatabaseConfig   `yaml:"database"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Alerts     AlertConfig      `yaml:"alerts"`
	Drift      DriftConfig      `yaml:"drift"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Bus        BusConfig        `yaml:"bus"`
	Log        LogConfig        `yaml:"log"`
	Security   SecurityConfig   `yaml:"security"`

	Observability ObservabilityConfig `yaml:"observability"`
}

// DatabaseConfig selects and tunes the storage backend.
type DatabaseConfig struct {
	URL          string        `envconfig:"DATABASE_URL" yaml:"url"`
	WriteTimeout time.Duration `envconfig:"STORAGE_WRITE_TIMEOUT" yaml:"write_timeout"`
	MaxOpenConns int           `envconfig:"DATABASE_MAX_OPEN_CONNS" yaml:"max_open_conns"`
	SlowQuery    time.Duration `envconfig:"DATABASE_SLOW_QUERY" yaml:"slow_query"`
}

// OllamaConfig points at the local model runtime used by out-of-process evaluators.
type OllamaConfig struct {
	BaseURL        string `envconfig:"OLLAMA_BASE_URL" yaml:"base_url"`
	Model          string `envconfig:"OLLAMA_MODEL" yaml:"model"`
	TimeoutSeconds int    `envconfig:"OLLAMA_TIMEOUT" yaml:"timeout_seconds"`
}

// Timeout returns the request timeout for the model runtime.
func (o OllamaConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// EvaluationConfig holds evaluator settings.
type EvaluationConfig struct {
	EmbeddingModel     string `envconfig:"EMBEDDING_MODEL" yaml:"embedding_model"`
	EmbeddingDimension int    `envconfig:"EMBEDDING_DIMENSION" yaml:"embedding_dimension"`
	BatchSize          int    `envconfig:"EVALUATION_BATCH_SIZE" yaml:"batch_size"`
	LookbackHours      int    `envconfig:"EVALUATION_LOOKBACK_HOURS" yaml:"lookback_hours"`
}

// AlertConfig holds alert thresholds. They are validated here and read by
// alerting consumers of the event bus.
type AlertConfig struct {
	HallucinationThreshold float64 `envconfig:"ALERT_HALLUCINATION_THRESHOLD" yaml:"hallucination_threshold"`
	DriftThreshold         float64 `envconfig:"ALERT_DRIFT_THRESHOLD" yaml:"drift_threshold"`
	LatencyThresholdMs     float64 `envconfig:"ALERT_LATENCY_THRESHOLD_MS" yaml:"latency_threshold_ms"`
}

// DriftConfig holds drift detection windows.
type DriftConfig struct {
	BaselineWindowDays int `envconfig:"DRIFT_BASELINE_WINDOW_DAYS" yaml:"baseline_window_days"`
	RecentWindowHours  int `envconfig:"DRIFT_RECENT_WINDOW_HOURS" yaml:"recent_window_hours"`
	MinSamples         int `envconfig:"DRIFT_MIN_SAMPLES" yaml:"min_samples"`
}

// DashboardConfig holds dashboard settings.
type DashboardConfig struct {
	Port            int `envconfig:"DASHBOARD_PORT" yaml:"port"`
	RefreshInterval int `envconfig:"DASHBOARD_REFRESH_INTERVAL" yaml:"refresh_interval"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type            string `envconfig:"BUS_TYPE" yaml:"type"`
	KafkaBrokers    string `envconfig:"KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup      string `envconfig:"KAFKA_GROUP" yaml:"kafka_group"`
	KafkaClientID   string `envconfig:"KAFKA_CLIENT_ID" yaml:"kafka_client_id"`
	EventLogEnabled bool   `envconfig:"EVENT_LOG_ENABLED" yaml:"event_log_enabled"`
	EventLogPath    string `envconfig:"EVENT_LOG_PATH" yaml:"event_log_path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"LOG_FORMAT" yaml:"format"`
}

// SecurityConfig holds request limiting settings.
type SecurityConfig struct {
	RateLimit   int    `envconfig:"RATE_LIMIT" yaml:"rate_limit"` // 0 = disabled
	CORSOrigins string `envconfig:"CORS_ORIGINS" yaml:"cors_origins"`
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	MetricsEnabled bool    `envconfig:"METRICS_ENABLED" yaml:"metrics_enabled"`
	MetricsPath    string  `envconfig:"METRICS_PATH" yaml:"metrics_path"`
	TracingEnabled bool    `envconfig:"TRACING_ENABLED" yaml:"tracing_enabled"`
	TracingSample  float64 `envconfig:"TRACING_SAMPLE_RATIO" yaml:"tracing_sample_ratio"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	setDefaults(cfg)

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Environment has the highest priority.
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	cfg.Host = "0.0.0.0"
	cfg.Port = 8000
	cfg.GRPCPort = 50051
	cfg.MaxBodyBytes = 10 << 20
	cfg.ReadTimeout = 30 * time.Second
	cfg.WriteTimeout = 60 * time.Second

	cfg.Database = DatabaseConfig{
		URL:          "sqlite:///./data/observability.db",
		WriteTimeout: 5 * time.Second,
		MaxOpenConns: 10,
		SlowQuery:    time.Second,
	}

	cfg.Ollama = OllamaConfig{
		BaseURL:        "http://localhost:11434",
		Model:          "llama3:8b",
		TimeoutSeconds: 120,
	}

	cfg.Evaluation = EvaluationConfig{
		EmbeddingModel:     "all-MiniLM-L6-v2",
		EmbeddingDimension: 384,
		BatchSize:          10,
		LookbackHours:      1,
	}

	cfg.Alerts = AlertConfig{
		HallucinationThreshold: 0.6,
		DriftThreshold:         0.3,
		LatencyThresholdMs:     5000,
	}

	cfg.Drift = DriftConfig{
		BaselineWindowDays: 7,
		RecentWindowHours:  24,
		MinSamples:         10,
	}

	cfg.Dashboard = DashboardConfig{
		Port:            8501,
		RefreshInterval: 60,
	}

	cfg.Bus = BusConfig{
		Type:          "memory",
		KafkaGroup:    "aiobs",
		KafkaClientID: "aiobs-server",
		EventLogPath:  "./data/events.jsonl",
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Security = SecurityConfig{
		RateLimit:   0,
		CORSOrigins: "*",
	}

	cfg.Observability = ObservabilityConfig{
		MetricsEnabled: true,
		MetricsPath:    "/metrics",
		TracingEnabled: false,
		TracingSample:  1.0,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		errs = append(errs, "grpc_port must be between 0 and 65535")
	}
	if c.GRPCPort != 0 && c.GRPCPort == c.Port {
		errs = append(errs, "grpc_port must differ from port")
	}
	if c.MaxBodyBytes < 1 {
		errs = append(errs, "max_body_bytes must be positive")
	}

	// Database validation
	if _, err := c.Database.Scheme(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Database.WriteTimeout <= 0 {
		errs = append(errs, "storage write_timeout must be positive")
	}

	if c.Ollama.TimeoutSeconds <= 0 {
		errs = append(errs, "ollama timeout must be positive")
	}
	if c.Evaluation.EmbeddingDimension < 1 {
		errs = append(errs, "embedding_dimension must be positive")
	}
	if c.Evaluation.BatchSize < 1 {
		errs = append(errs, "evaluation batch_size must be positive")
	}

	// Threshold validation
	if c.Alerts.HallucinationThreshold < 0 || c.Alerts.HallucinationThreshold > 1 {
		errs = append(errs, "hallucination_threshold must be between 0 and 1")
	}
	if c.Alerts.DriftThreshold < 0 || c.Alerts.DriftThreshold > 1 {
		errs = append(errs, "drift_threshold must be between 0 and 1")
	}
	if c.Alerts.LatencyThresholdMs <= 0 {
		errs = append(errs, "latency_threshold_ms must be positive")
	}
	if c.Drift.MinSamples < 1 {
		errs = append(errs, "drift min_samples must be positive")
	}

	// Bus validation
	validBusTypes := map[string]bool{"memory": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory or kafka)", c.Bus.Type))
	}
	if c.Bus.Type == "kafka" && strings.TrimSpace(c.Bus.KafkaBrokers) == "" {
		errs = append(errs, "kafka_brokers is required when bus type is kafka")
	}
	if c.Bus.EventLogEnabled && c.Bus.EventLogPath == "" {
		errs = append(errs, "event_log_path is required when event logging is enabled")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if c.Security.RateLimit < 0 {
		errs = append(errs, "rate_limit must be >= 0")
	}
	if c.Observability.TracingSample < 0 || c.Observability.TracingSample > 1 {
		errs = append(errs, "tracing_sample_ratio must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Address returns the HTTP server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCAddress returns the gRPC listen address, or "" when disabled.
func (c *Config) GRPCAddress() string {
	if c.GRPCPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// Scheme returns the normalised backend scheme of the database URL.
func (d DatabaseConfig) Scheme() (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil || u.Scheme == "" {
		return "", fmt.Errorf("invalid database url: %q", d.URL)
	}
	switch strings.ToLower(u.Scheme) {
	case "sqlite", "sqlite3":
		return "sqlite", nil
	case "postgres", "postgresql":
		return "postgres", nil
	case "redis", "rediss":
		return "redis", nil
	case "memory":
		return "memory", nil
	default:
		return "", fmt.Errorf("unsupported database url scheme: %s", u.Scheme)
	}
}

// DatabasePath returns the SQLite file path for sqlite URLs.
// sqlite:///relative/path and sqlite:////absolute/path follow the usual
// three-slash convention.
func (d DatabaseConfig) DatabasePath() (string, error) {
	const prefix = "sqlite:///"
	lower := strings.ToLower(d.URL)
	switch {
	case strings.HasPrefix(lower, prefix):
		return filepath.Clean(d.URL[len(prefix):]), nil
	case strings.HasPrefix(lower, "sqlite3:///"):
		return filepath.Clean(d.URL[len("sqlite3:///"):]), nil
	default:
		return "", fmt.Errorf("unsupported database url: %s", d.URL)
	}
}

// Redacted returns the database URL with any password masked.
func (d DatabaseConfig) Redacted() string {
	u, err := url.Parse(d.URL)
	if err != nil {
		return d.URL
	}
	return u.Redacted()
}

// Summary renders the effective configuration for operators.
func (c *Config) Summary() string {
	var b strings.Builder
	line := func(k string, v any) { fmt.Fprintf(&b, "  %-28s %v\n", k, v) }

	b.WriteString("Configuration\n")
	line("database_url", c.Database.Redacted())
	line("storage_write_timeout", c.Database.WriteTimeout)
	line("api", c.Address())
	if addr := c.GRPCAddress(); addr != "" {
		line("grpc", addr)
	} else {
		line("grpc", "disabled")
	}
	line("ollama_base_url", c.Ollama.BaseURL)
	line("ollama_model", c.Ollama.Model)
	line("embedding_model", c.Evaluation.EmbeddingModel)
	line("evaluation_batch_size", c.Evaluation.BatchSize)
	line("hallucination_threshold", c.Alerts.HallucinationThreshold)
	line("drift_threshold", c.Alerts.DriftThreshold)
	line("latency_threshold_ms", c.Alerts.LatencyThresholdMs)
	line("drift_windows", fmt.Sprintf("baseline=%dd recent=%dh min_samples=%d",
		c.Drift.BaselineWindowDays, c.Drift.RecentWindowHours, c.Drift.MinSamples))
	line("bus", c.Bus.Type)
	line("event_log", c.Bus.EventLogEnabled)
	line("log_level", c.Log.Level)
	line("metrics", c.Observability.MetricsEnabled)
	line("tracing", c.Observability.TracingEnabled)
	return b.String()
}
