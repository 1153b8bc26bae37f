package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/aiobs/aiobs/internal/pkg/errors"
)

// DefaultMaxBodyBytes limits a single submission body.
const DefaultMaxBodyBytes = 10 << 20

// Ingester is the ingestion operation the HTTP handler depends on.
type Ingester interface {
	Ingest(ctx context.Context, sub *Submission) (*Receipt, error)
}

// Handler serves the ingestion endpoint.
type Handler struct {
	svc     Ingester
	maxBody int64
}

// NewHandler creates an ingestion HTTP handler.
func NewHandler(svc Ingester, maxBody int64) *Handler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Handler{svc: svc, maxBody: maxBody}
}

// RegisterRoutes registers the ingestion route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /log", h.handleLog)
}

func (h *Handler) handleLog(w http.ResponseWriter, r *http.Request) {
	sub, err := h.decode(w, r)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	receipt, err := h.svc.Ingest(r.Context(), sub)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(receipt)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (*Submission, error) {
	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	defer body.Close()

	var sub Submission
	if err := json.NewDecoder(body).Decode(&sub); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return nil, apperrors.New(apperrors.CodePayloadTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			return nil, apperrors.InvalidRequestError("request body is empty")
		default:
			return nil, apperrors.Wrap(apperrors.CodeInvalidRequest, "malformed JSON body", err).
				WithDetail("body", err.Error())
		}
	}
	return &sub, nil
}
