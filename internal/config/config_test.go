package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("API_PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "memory://")
	t.Setenv("STORAGE_WRITE_TIMEOUT", "250ms")
	t.Setenv("OLLAMA_TIMEOUT", "30")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
	if cfg.Database.URL != "memory://" {
		t.Errorf("Database.URL = %s", cfg.Database.URL)
	}
	if cfg.Database.WriteTimeout != 250*time.Millisecond {
		t.Errorf("WriteTimeout = %v, want 250ms", cfg.Database.WriteTimeout)
	}
	if cfg.Ollama.Timeout() != 30*time.Second {
		t.Errorf("Ollama.Timeout() = %v, want 30s", cfg.Ollama.Timeout())
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Port != 8000 {
		t.Errorf("Port = %d, want 8000", cfg.Port)
	}
	if cfg.Database.URL != "sqlite:///./data/observability.db" {
		t.Errorf("Database.URL = %s", cfg.Database.URL)
	}
	if cfg.Ollama.Model != "llama3:8b" {
		t.Errorf("Ollama.Model = %s", cfg.Ollama.Model)
	}
	if cfg.Alerts.LatencyThresholdMs != 5000 {
		t.Errorf("LatencyThresholdMs = %v", cfg.Alerts.LatencyThresholdMs)
	}
	if cfg.Drift.MinSamples != 10 {
		t.Errorf("Drift.MinSamples = %d", cfg.Drift.MinSamples)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
host: "127.0.0.1"
port: 8888
database:
  url: "postgres://user:secret@db:5432/obs"
  write_timeout: 2s
log:
  level: warn
  format: json
alerts:
  drift_threshold: 0.5
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %s, want 127.0.0.1", cfg.Host)
	}
	if cfg.Port != 8888 {
		t.Errorf("Port = %d, want 8888", cfg.Port)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %s, want json", cfg.Log.Format)
	}
	if cfg.Database.WriteTimeout != 2*time.Second {
		t.Errorf("Database.WriteTimeout = %v, want 2s", cfg.Database.WriteTimeout)
	}
	if cfg.Alerts.DriftThreshold != 0.5 {
		t.Errorf("Alerts.DriftThreshold = %v, want 0.5", cfg.Alerts.DriftThreshold)
	}
	// Untouched sections keep their defaults.
	if cfg.Evaluation.EmbeddingDimension != 384 {
		t.Errorf("EmbeddingDimension = %d, want 384", cfg.Evaluation.EmbeddingDimension)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("port: 7000\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("API_PORT", "7100")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 7100 {
		t.Errorf("Port = %d, want 7100", cfg.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"invalid port", func(c *Config) { c.Port = 0 }, "port must be"},
		{"grpc port clash", func(c *Config) { c.GRPCPort = c.Port }, "grpc_port must differ"},
		{"grpc disabled", func(c *Config) { c.GRPCPort = 0 }, ""},
		{"unsupported database", func(c *Config) { c.Database.URL = "mysql://x" }, "unsupported database url scheme"},
		{"zero write timeout", func(c *Config) { c.Database.WriteTimeout = 0 }, "write_timeout"},
		{"hallucination out of range", func(c *Config) { c.Alerts.HallucinationThreshold = 1.5 }, "hallucination_threshold"},
		{"negative latency threshold", func(c *Config) { c.Alerts.LatencyThresholdMs = -1 }, "latency_threshold_ms"},
		{"invalid bus type", func(c *Config) { c.Bus.Type = "nats" }, "invalid bus type"},
		{"kafka without brokers", func(c *Config) { c.Bus.Type = "kafka" }, "kafka_brokers"},
		{"invalid log level", func(c *Config) { c.Log.Level = "verbose" }, "invalid log level"},
		{"invalid log format", func(c *Config) { c.Log.Format = "xml" }, "invalid log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDatabaseConfig_Scheme(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"sqlite:///./data/observability.db", "sqlite", false},
		{"postgresql://u:p@localhost/db", "postgres", false},
		{"postgres://localhost/db", "postgres", false},
		{"redis://localhost:6379/0", "redis", false},
		{"memory://", "memory", false},
		{"ftp://x", "", true},
		{"not a url", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := DatabaseConfig{URL: tt.url}.Scheme()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Scheme() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Scheme() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDatabaseConfig_DatabasePath(t *testing.T) {
	path, err := DatabaseConfig{URL: "sqlite:///./data/observability.db"}.DatabasePath()
	if err != nil {
		t.Fatalf("DatabasePath() error = %v", err)
	}
	if path != filepath.Clean("./data/observability.db") {
		t.Errorf("DatabasePath() = %q", path)
	}

	path, err = DatabaseConfig{URL: "sqlite:////var/lib/obs.db"}.DatabasePath()
	if err != nil || path != "/var/lib/obs.db" {
		t.Errorf("absolute DatabasePath() = %q, %v", path, err)
	}

	if _, err := (DatabaseConfig{URL: "postgres://localhost/db"}).DatabasePath(); err == nil {
		t.Error("expected error for non-sqlite url")
	}
}

func TestSummary_RedactsPassword(t *testing.T) {
	cfg := Default()
	cfg.Database.URL = "postgres://user:hunter2@db:5432/obs"

	out := cfg.Summary()
	if strings.Contains(out, "hunter2") {
		t.Errorf("Summary() leaks password:\n%s", out)
	}
	if !strings.Contains(out, "ollama_model") {
		t.Errorf("Summary() missing ollama settings:\n%s", out)
	}
}

func TestAddress(t *testing.T) {
	cfg := &Config{Host: "localhost", Port: 8000, GRPCPort: 50051}

	if addr := cfg.Address(); addr != "localhost:8000" {
		t.Errorf("Address() = %s, want localhost:8000", addr)
	}
	if addr := cfg.GRPCAddress(); addr != "localhost:50051" {
		t.Errorf("GRPCAddress() = %s", addr)
	}
	cfg.GRPCPort = 0
	if addr := cfg.GRPCAddress(); addr != "" {
		t.Errorf("GRPCAddress() = %s, want empty when disabled", addr)
	}
}
