package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/aiobs/aiobs/internal/pkg/errors"
	"github.com/aiobs/aiobs/internal/storage"
)

// DefaultQueryLimit caps /v1/records responses when no limit is given.
const DefaultQueryLimit = 1000

// MaxQueryLimit is the largest limit a caller may request.
const MaxQueryLimit = 10000

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// partition is the index a query runs against.
type partition struct {
	column string // "app_id" or "model_name"
	key    string
}

// parsePartition requires exactly one non-empty value of app_id and model_name.
func parsePartition(q url.Values) (partition, error) {
	app, model := q.Get("app_id"), q.Get("model_name")

	switch {
	case app != "" && model != "":
		return partition{}, apperrors.ValidationError("specify only one of app_id or model_name")
	case app != "":
		return partition{column: "app_id", key: app}, nil
	case model != "":
		return partition{column: "model_name", key: model}, nil
	}
	return partition{}, apperrors.ValidationError("app_id or model_name is required").
		WithDetail("app_id", "required without model_name")
}

// parseTimeRange reads since (inclusive) and until (exclusive) as RFC 3339.
func parseTimeRange(q url.Values) (storage.TimeRange, error) {
	var tr storage.TimeRange
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{
		{"since", &tr.Start},
		{"until", &tr.End},
	} {
		raw := strings.TrimSpace(q.Get(p.name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return tr, apperrors.ValidationError("invalid time range").
				WithDetail(p.name, "must be an RFC 3339 timestamp")
		}
		*p.dst = t
	}
	return tr, tr.Validate()
}

// parseLimit reads limit, defaulting to DefaultQueryLimit.
func parseLimit(q url.Values) (int, error) {
	raw := q.Get("limit")
	if raw == "" {
		return DefaultQueryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > MaxQueryLimit {
		return 0, apperrors.ValidationError("invalid limit").
			WithDetail("limit", "must be an integer between 1 and "+strconv.Itoa(MaxQueryLimit))
	}
	return n, nil
}
