// Package health reports liveness, readiness and dependency status.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aiobs/aiobs/internal/pkg/logger"
)

// Status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// OllamaTimeout bounds the model runtime reachability check.
const OllamaTimeout = 5 * time.Second

// Pinger is implemented by storage backends.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Counter reports the number of stored records.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Component is the status of one dependency.
type Component struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// SystemInfo is a snapshot of runtime resource usage.
type SystemInfo struct {
	Goroutines int    `json:"goroutines"`
	HeapMB     int64  `json:"heap_mb"`
	SysMB      int64  `json:"sys_mb"`
	NumGC      uint32 `json:"num_gc"`
	GOOS       string `json:"goos"`
	GOARCH     string `json:"goarch"`
	NumCPU     int    `json:"num_cpu"`
}

// Report is the detailed health response.
type Report struct {
	Status        string               `json:"status"`
	Version       string               `json:"version"`
	GitCommit     string               `json:"git_commit,omitempty"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	Timestamp     time.Time            `json:"timestamp"`
	Records       *int64               `json:"records,omitempty"`
	Checks        map[string]Component `json:"checks"`
	System        SystemInfo           `json:"system"`
}

// Config wires the checker to its dependencies. Storage is required.
type Config struct {
	Storage    Pinger
	Backend    string
	BusType    string
	BusPending func() int64
	// OllamaURL is checked with GET {url}/api/tags. Empty skips the check.
	OllamaURL  string
	HTTPClient *http.Client
	Build      BuildInfo
	Log        *logger.Logger
}

// Checker runs dependency checks.
type Checker struct {
	cfg       Config
	client    *http.Client
	startTime time.Time
	ready     atomic.Bool
	reason    atomic.Value // string
	log       *logger.Logger
}

// NewChecker creates a checker. It starts not ready.
func NewChecker(cfg Config) *Checker {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: OllamaTimeout}
	}
	log := cfg.Log
	if log == nil {
		log = logger.Default()
	}
	c := &Checker{
		cfg:       cfg,
		client:    client,
		startTime: time.Now(),
		log:       log.WithComponent("health"),
	}
	c.reason.Store("starting")
	return c
}

// SetReady marks the process ready to serve traffic.
func (c *Checker) SetReady() {
	c.ready.Store(true)
	c.reason.Store("")
}

// SetNotReady marks the process as not accepting traffic.
func (c *Checker) SetNotReady(reason string) {
	c.ready.Store(false)
	c.reason.Store(reason)
}

// Ready reports readiness and, when not ready, why.
func (c *Checker) Ready() (bool, string) {
	reason, _ := c.reason.Load().(string)
	return c.ready.Load(), reason
}

// Uptime returns the time since the checker was created.
func (c *Checker) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Check runs every dependency check. Storage failure makes the service
// unhealthy; an unreachable model runtime only degrades it.
func (c *Checker) Check(ctx context.Context) Report {
	report := Report{
		Status:        StatusHealthy,
		Version:       c.cfg.Build.Version,
		GitCommit:     c.cfg.Build.GitCommit,
		UptimeSeconds: int64(c.Uptime().Seconds()),
		Timestamp:     time.Now().UTC(),
		Checks:        make(map[string]Component),
		System:        systemInfo(),
	}

	storage := c.checkStorage(ctx)
	report.Checks["storage"] = storage
	if storage.Status != StatusHealthy {
		report.Status = StatusUnhealthy
	} else if counter, ok := c.cfg.Storage.(Counter); ok {
		if n, err := counter.Count(ctx); err == nil {
			report.Records = &n
		}
	}

	report.Checks["bus"] = c.checkBus()

	if c.cfg.OllamaURL != "" {
		ollama := c.checkOllama(ctx)
		report.Checks["ollama"] = ollama
		if ollama.Status != StatusHealthy && report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}

	return report
}

func (c *Checker) checkStorage(ctx context.Context) Component {
	if c.cfg.Storage == nil {
		return Component{Status: StatusUnhealthy, Message: "storage not configured"}
	}

	start := time.Now()
	err := c.cfg.Storage.Ping(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return Component{Status: StatusUnhealthy, Message: err.Error(), LatencyMs: latency}
	}

	msg := "connected"
	if c.cfg.Backend != "" {
		msg = c.cfg.Backend + " connected"
	}
	return Component{Status: StatusHealthy, Message: msg, LatencyMs: latency}
}

func (c *Checker) checkBus() Component {
	busType := c.cfg.BusType
	if busType == "" {
		busType = "memory"
	}
	msg := busType
	if c.cfg.BusPending != nil {
		msg = fmt.Sprintf("%s, %d pending", busType, c.cfg.BusPending())
	}
	return Component{Status: StatusHealthy, Message: msg}
}

// checkOllama mirrors a startup reachability check: it is reported, never fatal.
func (c *Checker) checkOllama(ctx context.Context) Component {
	ctx, cancel := context.WithTimeout(ctx, OllamaTimeout)
	defer cancel()

	url := strings.TrimRight(c.cfg.OllamaURL, "/") + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Component{Status: StatusUnhealthy, Message: err.Error()}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		c.log.Debug("Ollama unreachable", "url", url, "error", err)
		return Component{Status: StatusUnhealthy, Message: "unreachable", LatencyMs: latency}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Component{
			Status:    StatusUnhealthy,
			Message:   fmt.Sprintf("unexpected status %d", resp.StatusCode),
			LatencyMs: latency,
		}
	}
	return Component{Status: StatusHealthy, Message: "reachable", LatencyMs: latency}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     int64(m.HeapAlloc / 1024 / 1024),
		SysMB:      int64(m.Sys / 1024 / 1024),
		NumGC:      m.NumGC,
		GOOS:       runtime.GOOS,
		GOARCH:     runtime.GOARCH,
		NumCPU:     runtime.NumCPU(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
