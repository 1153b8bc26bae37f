package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddleware(t *testing.T) {
	m := New()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /log", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	wrapped := HTTPMiddleware(m, mux)

	req := httptest.NewRequest(http.MethodPost, "/log", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/log", "200")); got != 1 {
		t.Errorf("http_requests_total{POST,/log,200} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsInFlight); got != 0 {
		t.Errorf("expected in-flight requests to be 0, got %v", got)
	}

	// Unknown paths share one label value.
	req = httptest.NewRequest(http.MethodGet, "/does/not/exist?x=1", nil)
	wrapped.ServeHTTP(httptest.NewRecorder(), req)
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Errorf("unmatched counter = %v, want 1", got)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "200"},
		{201, "2xx"},
		{302, "3xx"},
		{413, "413"},
		{418, "4xx"},
		{504, "504"},
		{599, "5xx"},
		{42, "42"},
	}
	for _, tt := range tests {
		if got := statusCode(tt.code); got != tt.want {
			t.Errorf("statusCode(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordIngest("logged", 10*time.Millisecond)
	m.RecordIngest("logged", 20*time.Millisecond)
	m.RecordIngest("rejected", time.Millisecond)
	m.RecordStorage("append", time.Millisecond, nil)
	m.RecordStorage("append", time.Millisecond, errors.New("boom"))
	m.RecordBusPublish("telemetry.recorded", time.Millisecond, nil)
	m.RecordBusPublish("telemetry.recorded", time.Millisecond, errors.New("down"))

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"ingest logged", testutil.ToFloat64(m.IngestTotal.WithLabelValues("logged")), 2},
		{"ingest rejected", testutil.ToFloat64(m.IngestTotal.WithLabelValues("rejected")), 1},
		{"storage ok", testutil.ToFloat64(m.StorageOps.WithLabelValues("append", "ok")), 1},
		{"storage error", testutil.ToFloat64(m.StorageOps.WithLabelValues("append", "error")), 1},
		{"bus published", testutil.ToFloat64(m.BusEventsPublished.WithLabelValues("telemetry.recorded")), 1},
		{"bus errors", testutil.ToFloat64(m.BusErrors.WithLabelValues("telemetry.recorded")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestHandler_Exposition(t *testing.T) {
	m := New()
	m.RecordIngest("logged", time.Millisecond)
	if err := m.RegisterGauge("records_total", "Stored records.", func() float64 { return 7 }); err != nil {
		t.Fatalf("RegisterGauge() error = %v", err)
	}

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`aiobs_ingest_requests_total{outcome="logged"} 1`,
		`aiobs_records_total 7`,
		`aiobs_uptime_seconds`,
		`go_goroutines`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
