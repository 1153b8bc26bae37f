package health

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

// Handler serves the health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HandleHealth handles GET /health and GET /healthz (liveness).
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady handles GET /readyz.
func (h *Handler) HandleReady(w http.ResponseWriter, _ *http.Request) {
	if ready, reason := h.checker.Ready(); !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": reason,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleVersion handles GET /v1/version.
func (h *Handler) HandleVersion(w http.ResponseWriter, _ *http.Request) {
	info := h.checker.cfg.Build
	if info.GoVersion == "" {
		info.GoVersion = runtime.Version()
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleDetailedHealth handles GET /v1/health.
func (h *Handler) HandleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	report := h.checker.Check(ctx)
	status := http.StatusOK
	if report.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// RegisterRoutes registers health routes with the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /readyz", h.HandleReady)
	mux.HandleFunc("GET /v1/version", h.HandleVersion)
	mux.HandleFunc("GET /v1/health", h.HandleDetailedHealth)
}
