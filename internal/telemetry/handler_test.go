package telemetry_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/aiobs/aiobs/internal/pkg/errors"
	"github.com/aiobs/aiobs/internal/storage"
	"github.com/aiobs/aiobs/internal/telemetry"
)

func newTestMux(t *testing.T, store storage.Storage, maxBody int64) *http.ServeMux {
	t.Helper()
	svc := newService(t, store, telemetry.Deps{})
	mux := http.NewServeMux()
	telemetry.NewHandler(svc, maxBody).RegisterRoutes(mux)
	return mux
}

func TestHandler_Log(t *testing.T) {
	store := storage.NewMemoryStorage()
	mux := newTestMux(t, store, 0)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
		wantDetail string
	}{
		{
			name:       "scenario",
			body:       `{"app_id":"chatbot-v1","model_name":"gpt-4o-mini","prompt":"hi","response":"hello","latency_ms":120}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "with optional fields",
			body:       `{"app_id":"a","model_name":"m","prompt":"","response":"r","latency_ms":0,"token_count":12,"timestamp":"2025-01-01T00:00:00Z","metadata":{"user":"u"}}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "epoch seconds timestamp",
			body:       `{"app_id":"a","model_name":"m","prompt":"p","response":"r","latency_ms":1,"timestamp":1700000000}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "date only timestamp",
			body:       `{"app_id":"a","model_name":"m","prompt":"p","response":"r","latency_ms":1,"timestamp":"2024-01-01"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "minute precision timestamp",
			body:       `{"app_id":"a","model_name":"m","prompt":"p","response":"r","latency_ms":1,"timestamp":"2024-01-01T10:00Z"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "boolean timestamp",
			body:       `{"app_id":"a","model_name":"m","prompt":"p","response":"r","latency_ms":1,"timestamp":true}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeValidation,
			wantDetail: "timestamp",
		},
		{
			name:       "timestamp past the year 2255",
			body:       `{"app_id":"a","model_name":"m","prompt":"p","response":"r","latency_ms":1,"timestamp":"2300-01-01T00:00:00Z"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeValidation,
			wantDetail: "timestamp",
		},
		{
			name:       "negative latency",
			body:       `{"app_id":"chatbot-v1","model_name":"gpt-4o-mini","prompt":"hi","response":"hello","latency_ms":-5}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeValidation,
			wantDetail: "latency_ms",
		},
		{
			name:       "missing model",
			body:       `{"app_id":"a","prompt":"hi","response":"hello","latency_ms":1}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeValidation,
			wantDetail: "model_name",
		},
		{
			name:       "wrong type",
			body:       `{"app_id":"a","model_name":"m","prompt":"hi","response":"hello","latency_ms":"fast"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeInvalidRequest,
		},
		{
			name:       "malformed json",
			body:       `{"app_id":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeInvalidRequest,
		},
		{
			name:       "empty body",
			body:       ``,
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/log", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}

			if tt.wantStatus == http.StatusOK {
				var receipt telemetry.Receipt
				if err := json.NewDecoder(rec.Body).Decode(&receipt); err != nil {
					t.Fatalf("decode receipt: %v", err)
				}
				if receipt.Status != "logged" || receipt.RequestID == "" {
					t.Errorf("receipt = %+v", receipt)
				}
				return
			}

			var resp apperrors.ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode error response: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", resp.Code, tt.wantCode)
			}
			if tt.wantDetail != "" {
				if _, ok := resp.Details[tt.wantDetail]; !ok {
					t.Errorf("details = %v, want key %s", resp.Details, tt.wantDetail)
				}
			}
		})
	}

	n, _ := store.Count(context.Background())
	if n != 5 {
		t.Errorf("Count() = %d, want 5 accepted records", n)
	}
}

func TestHandler_BodyTooLarge(t *testing.T) {
	store := storage.NewMemoryStorage()
	mux := newTestMux(t, store, 64)

	body := `{"app_id":"a","model_name":"m","prompt":"` + strings.Repeat("x", 200) + `","response":"r","latency_ms":1}`
	req := httptest.NewRequest(http.MethodPost, "/log", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if n, _ := store.Count(context.Background()); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	mux := newTestMux(t, storage.NewMemoryStorage(), 0)

	req := httptest.NewRequest(http.MethodGet, "/log", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandler_StorageFailureIsSanitised(t *testing.T) {
	svc, err := telemetry.NewService(telemetry.ServiceConfig{}, telemetry.Deps{
		Store: failingStore{err: apperrors.StorageError("write failed", context.Canceled)},
	})
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	telemetry.NewHandler(svc, 0).RegisterRoutes(mux)

	body := `{"app_id":"a","model_name":"m","prompt":"p","response":"r","latency_ms":1}`
	req := httptest.NewRequest(http.MethodPost, "/log", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "request_id") {
		t.Errorf("failure response leaked a request id: %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "context canceled") {
		t.Errorf("failure response leaked the cause: %s", rec.Body.String())
	}
}
