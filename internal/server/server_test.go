package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aiobs/aiobs/internal/health"
	"github.com/aiobs/aiobs/internal/metrics"
	apperrors "github.com/aiobs/aiobs/internal/pkg/errors"
	"github.com/aiobs/aiobs/internal/pkg/logger"
	"github.com/aiobs/aiobs/internal/storage"
	"github.com/aiobs/aiobs/internal/telemetry"
)

type testEnv struct {
	srv     *Server
	store   *storage.MemoryStorage
	checker *health.Checker
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	m := metrics.New()
	instrumented := storage.NewInstrumentedStorage(store, m)
	svc, err := telemetry.NewService(telemetry.ServiceConfig{}, telemetry.Deps{
		Store:   instrumented,
		Metrics: m,
		Log:     logger.Discard(),
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	checker := health.NewChecker(health.Config{
		Storage: instrumented,
		Backend: storage.KindMemory,
		Build:   health.BuildInfo{Version: "test"},
		Log:     logger.Discard(),
	})

	srv, err := New(cfg, Deps{
		Ingester: svc,
		Storage:  instrumented,
		Backend:  storage.KindMemory,
		Checker:  checker,
		Metrics:  m,
		Log:      logger.Discard(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &testEnv{srv: srv, store: store, checker: checker, metrics: m}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func (e *testEnv) log(t *testing.T, app, model string, latency float64, ts string) string {
	t.Helper()
	body := fmt.Sprintf(`{"app_id":%q,"model_name":%q,"prompt":"p","response":"r","latency_ms":%v`, app, model, latency)
	if ts != "" {
		body += fmt.Sprintf(`,"timestamp":%q`, ts)
	}
	body += "}"

	rec := e.do(t, http.MethodPost, "/log", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /log = %d: %s", rec.Code, rec.Body.String())
	}
	var receipt telemetry.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	return receipt.RequestID
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want %q", cfg.Host, "0.0.0.0")
	}
	if cfg.Port != 8000 {
		t.Errorf("Port = %d, want %d", cfg.Port, 8000)
	}
	if cfg.ReadTimeout == 0 || cfg.WriteTimeout == 0 || cfg.ShutdownTimeout == 0 {
		t.Error("timeouts should not be zero")
	}
	if cfg.MetricsPath != "/metrics" {
		t.Errorf("MetricsPath = %q", cfg.MetricsPath)
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(DefaultConfig(), Deps{}); err == nil {
		t.Error("expected error for missing dependencies")
	}
}

func TestServer_LogAndQuery(t *testing.T) {
	env := newTestServer(t, DefaultConfig())

	rec := env.do(t, http.MethodPost, "/log",
		`{"app_id":"chatbot-v1","model_name":"gpt-4o-mini","prompt":"Hello","response":"Hi there","latency_ms":120}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /log = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	var receipt map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &receipt)
	if receipt["status"] != "logged" || receipt["request_id"] == "" || len(receipt) != 2 {
		t.Errorf("receipt = %v", receipt)
	}

	env.log(t, "chatbot-v1", "llama3", 80, "2020-01-01T00:00:00Z")
	env.log(t, "other-app", "gpt-4o-mini", 300, "")

	tests := []struct {
		name      string
		query     string
		wantCount int
		wantApps  []string
	}{
		{"by app", "app_id=chatbot-v1", 2, []string{"chatbot-v1", "chatbot-v1"}},
		{"by model", "model_name=gpt-4o-mini", 2, []string{"chatbot-v1", "other-app"}},
		{"unknown app", "app_id=nope", 0, nil},
		{"since excludes old record", "app_id=chatbot-v1&since=2021-01-01T00:00:00Z", 1, []string{"chatbot-v1"}},
		{"until keeps old record", "app_id=chatbot-v1&until=2021-01-01T00:00:00Z", 1, []string{"chatbot-v1"}},
		{"limit truncates", "model_name=gpt-4o-mini&limit=1", 1, []string{"chatbot-v1"}},
		{"empty app_id is ignored", "app_id=&model_name=gpt-4o-mini", 2, []string{"chatbot-v1", "other-app"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/v1/records?"+tt.query, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			var resp RecordsResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Count != tt.wantCount || len(resp.Records) != tt.wantCount {
				t.Fatalf("count = %d (%d records), want %d", resp.Count, len(resp.Records), tt.wantCount)
			}
			if resp.Records == nil {
				t.Error("records must encode as [] not null")
			}
			for i, app := range tt.wantApps {
				if resp.Records[i].AppID != app {
					t.Errorf("record %d app = %s, want %s", i, resp.Records[i].AppID, app)
				}
			}
			for i := 1; i < len(resp.Records); i++ {
				if resp.Records[i].CreatedAt.Before(resp.Records[i-1].CreatedAt) {
					t.Error("records not ordered by created_at")
				}
			}
		})
	}
}

func TestServer_QueryValidation(t *testing.T) {
	env := newTestServer(t, DefaultConfig())

	tests := []struct {
		name       string
		query      string
		wantDetail string
	}{
		{"no partition", "", "app_id"},
		{"both partitions", "app_id=a&model_name=m", ""},
		{"both partitions empty", "app_id=&model_name=", "app_id"},
		{"bad since", "app_id=a&since=yesterday", "since"},
		{"inverted range", "app_id=a&since=2025-01-02T00:00:00Z&until=2025-01-01T00:00:00Z", "until"},
		{"zero limit", "app_id=a&limit=0", "limit"},
		{"huge limit", "app_id=a&limit=999999", "limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/v1/records?"+tt.query, "")
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var resp apperrors.ErrorResponse
			_ = json.Unmarshal(rec.Body.Bytes(), &resp)
			if resp.Code != apperrors.CodeValidation {
				t.Errorf("code = %s", resp.Code)
			}
			if tt.wantDetail != "" {
				if _, ok := resp.Details[tt.wantDetail]; !ok {
					t.Errorf("details = %v, want key %s", resp.Details, tt.wantDetail)
				}
			}
		})
	}
}

// rangeRecorder remembers the ranges queries were issued with.
type rangeRecorder struct {
	storage.Storage
	ranges []storage.TimeRange
}

func (r *rangeRecorder) QueryByApp(ctx context.Context, appID string, tr storage.TimeRange) ([]*telemetry.Record, error) {
	r.ranges = append(r.ranges, tr)
	return r.Storage.QueryByApp(ctx, appID, tr)
}

func TestServer_RecordsLimitIsPushedToStorage(t *testing.T) {
	mem := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = mem.Close() })
	store := &rangeRecorder{Storage: mem}
	svc, err := telemetry.NewService(telemetry.ServiceConfig{}, telemetry.Deps{Store: store, Log: logger.Discard()})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	srv, err := New(DefaultConfig(), Deps{
		Ingester: svc,
		Storage:  store,
		Checker:  health.NewChecker(health.Config{Storage: store, Log: logger.Discard()}),
		Log:      logger.Discard(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	env := &testEnv{srv: srv, store: mem}
	for i := 0; i < 5; i++ {
		env.log(t, "big-app", "m", float64(i), "")
	}

	tests := []struct {
		query         string
		wantLimit     int
		wantCount     int
		wantTruncated bool
	}{
		{query: "app_id=big-app&limit=2", wantLimit: 3, wantCount: 2, wantTruncated: true},
		{query: "app_id=big-app&limit=5", wantLimit: 6, wantCount: 5},
		{query: "app_id=big-app", wantLimit: DefaultQueryLimit + 1, wantCount: 5},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			store.ranges = nil
			rec := env.do(t, http.MethodGet, "/v1/records?"+tt.query, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			if len(store.ranges) != 1 || store.ranges[0].Limit != tt.wantLimit {
				t.Fatalf("storage ranges = %+v, want one query with limit %d", store.ranges, tt.wantLimit)
			}
			var resp RecordsResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Count != tt.wantCount || resp.Truncated != tt.wantTruncated {
				t.Errorf("count = %d truncated = %v, want %d %v", resp.Count, resp.Truncated, tt.wantCount, tt.wantTruncated)
			}
		})
	}
}

func TestServer_Stats(t *testing.T) {
	env := newTestServer(t, DefaultConfig())
	env.log(t, "chatbot-v1", "gpt", 100, "")
	env.log(t, "chatbot-v1", "gpt", 300, "")
	env.log(t, "chatbot-v1", "llama", 50, "")
	env.log(t, "batch", "gpt", 10, "")

	var total StatsResponse
	rec := env.do(t, http.MethodGet, "/v1/stats", "")
	_ = json.Unmarshal(rec.Body.Bytes(), &total)
	if total.TotalRecords != 4 || total.Latency != nil || total.Backend != storage.KindMemory {
		t.Errorf("totals = %+v", total)
	}

	var byApp StatsResponse
	rec = env.do(t, http.MethodGet, "/v1/stats?app_id=chatbot-v1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &byApp)
	if byApp.AppID != "chatbot-v1" || byApp.Latency == nil || byApp.Latency.Count != 3 {
		t.Fatalf("by app = %+v", byApp)
	}
	if byApp.Latency.MinMs != 50 || byApp.Latency.MaxMs != 300 {
		t.Errorf("latency = %+v", byApp.Latency)
	}
	if len(byApp.Breakdown) != 2 || byApp.Breakdown["gpt"].Count != 2 {
		t.Errorf("breakdown = %+v", byApp.Breakdown)
	}

	var byModel StatsResponse
	rec = env.do(t, http.MethodGet, "/v1/stats?model_name=gpt", "")
	_ = json.Unmarshal(rec.Body.Bytes(), &byModel)
	if byModel.ModelName != "gpt" || len(byModel.Breakdown) != 2 || byModel.Breakdown["batch"].Count != 1 {
		t.Errorf("by model = %+v", byModel)
	}
}

func TestServer_InvalidSubmissionLeavesStoreUnchanged(t *testing.T) {
	env := newTestServer(t, DefaultConfig())

	rec := env.do(t, http.MethodPost, "/log",
		`{"app_id":"chatbot-v1","model_name":"gpt-4o-mini","prompt":"Hello","response":"Hi","latency_ms":-5}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if n, _ := env.store.Count(context.Background()); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	env := newTestServer(t, DefaultConfig())
	env.log(t, "a", "m", 1, "")

	rec := env.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`aiobs_http_requests_total{method="POST",path="/log",status="200"} 1`,
		`aiobs_ingest_requests_total{outcome="logged"} 1`,
		`aiobs_storage_operations_total{op="append",result="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestServer_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 1
	env := newTestServer(t, cfg)
	t.Cleanup(func() { _ = env.srv.Stop(context.Background()) })

	limited := false
	for i := 0; i < 10; i++ {
		if rec := env.do(t, http.MethodGet, "/health", ""); rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected a 429 after exceeding the burst")
	}
}

func TestServer_Lifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.ShutdownTimeout = 5 * time.Second
	env := newTestServer(t, cfg)

	if rec := env.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before serving = %d, want 503", rec.Code)
	}

	if err := env.srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if err := env.srv.Listen(); err == nil {
		t.Error("second Listen() should fail")
	}

	done := make(chan error, 1)
	go func() { done <- env.srv.Serve() }()

	base := "http://" + env.srv.Addr()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became ready: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Post(base+"/log", "application/json",
		strings.NewReader(`{"app_id":"a","model_name":"m","prompt":"p","response":"r","latency_ms":1}`))
	if err != nil {
		t.Fatalf("POST /log: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("POST /log = %d", resp.StatusCode)
	}

	if err := env.srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
	if ready, reason := env.checker.Ready(); ready || reason != "shutting down" {
		t.Errorf("after Stop ready=%v reason=%q", ready, reason)
	}
}
