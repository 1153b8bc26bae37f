package server

import (
	"context"
	"net/http"

	"github.com/aiobs/aiobs/internal/analytics"
	apperrors "github.com/aiobs/aiobs/internal/pkg/errors"
	"github.com/aiobs/aiobs/internal/storage"
	"github.com/aiobs/aiobs/internal/telemetry"
)

// RecordsResponse is returned by GET /v1/records.
type RecordsResponse struct {
	Records   []*telemetry.Record `json:"records"`
	Count     int                 `json:"count"`
	Truncated bool                `json:"truncated"`
}

// StatsResponse is returned by GET /v1/stats.
type StatsResponse struct {
	TotalRecords int64                               `json:"total_records"`
	Backend      string                              `json:"backend,omitempty"`
	AppID        string                              `json:"app_id,omitempty"`
	ModelName    string                              `json:"model_name,omitempty"`
	Latency      *analytics.LatencySummary           `json:"latency,omitempty"`
	Breakdown    map[string]analytics.LatencySummary `json:"breakdown,omitempty"`
}

// QueryHandler serves read access to stored telemetry.
type QueryHandler struct {
	store   storage.Storage
	backend string
}

// NewQueryHandler creates a query handler.
func NewQueryHandler(store storage.Storage, backend string) *QueryHandler {
	return &QueryHandler{store: store, backend: backend}
}

// RegisterRoutes registers query routes.
func (h *QueryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/records", h.handleRecords)
	mux.HandleFunc("GET /v1/stats", h.handleStats)
}

func (h *QueryHandler) query(ctx context.Context, p partition, tr storage.TimeRange) ([]*telemetry.Record, error) {
	if p.column == "app_id" {
		return h.store.QueryByApp(ctx, p.key, tr)
	}
	return h.store.QueryByModel(ctx, p.key, tr)
}

func (h *QueryHandler) handleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := parsePartition(q)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	tr, err := parseTimeRange(q)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	limit, err := parseLimit(q)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	// One extra row tells whether the partition holds more than limit.
	tr.Limit = limit + 1
	recs, err := h.query(r.Context(), p, tr)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	resp := RecordsResponse{Records: recs}
	if len(resp.Records) > limit {
		resp.Records = resp.Records[:limit]
		resp.Truncated = true
	}
	resp.Count = len(resp.Records)
	writeJSON(w, http.StatusOK, resp)
}

// handleStats reports the total record count and, when a partition is
// named, a latency summary over it broken down by the other key.
func (h *QueryHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	total, err := h.store.Count(r.Context())
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	resp := StatsResponse{TotalRecords: total, Backend: h.backend}

	q := r.URL.Query()
	if q.Get("app_id") == "" && q.Get("model_name") == "" {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	p, err := parsePartition(q)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	tr, err := parseTimeRange(q)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	recs, err := h.query(r.Context(), p, tr)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	summary, err := analytics.Summarize(recs)
	if err != nil {
		apperrors.WriteError(w, apperrors.InternalError("failed to summarize latency", err))
		return
	}
	resp.Latency = &summary

	groupBy := func(rec *telemetry.Record) string { return rec.ModelName }
	if p.column == "app_id" {
		resp.AppID = p.key
	} else {
		resp.ModelName = p.key
		groupBy = func(rec *telemetry.Record) string { return rec.AppID }
	}
	if resp.Breakdown, err = analytics.SummarizeBy(recs, groupBy); err != nil {
		apperrors.WriteError(w, apperrors.InternalError("failed to summarize latency", err))
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
