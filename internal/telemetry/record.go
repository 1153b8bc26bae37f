// Package telemetry defines the LLM call record and the ingestion service
// that validates, identifies and persists submissions.
package telemetry

import (
	"time"
)

// StatusLogged is the acknowledgement status returned after a durable write.
const StatusLogged = "logged"

// MaxKeyLength bounds app_id and model_name.
const MaxKeyLength = 255

// Record is one stored LLM inference call. Records are immutable once appended.
type Record struct {
	ID         string         `json:"id"`
	AppID      string         `json:"app_id"`
	ModelName  string         `json:"model_name"`
	Prompt     string         `json:"prompt"`
	Response   string         `json:"response"`
	LatencyMs  float64        `json:"latency_ms"`
	TokenCount *int           `json:"token_count,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy so stored records cannot be mutated by callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.TokenCount != nil {
		tc := *r.TokenCount
		out.TokenCount = &tc
	}
	if r.Metadata != nil {
		out.Metadata = cloneMap(r.Metadata)
	}
	return &out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the JSON container types at any depth. Scalars are
// immutable and shared.
func cloneValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return cloneMap(vv)
	case []any:
		cp := make([]any, len(vv))
		for i, e := range vv {
			cp[i] = cloneValue(e)
		}
		return cp
	default:
		return v
	}
}

// Submission is the wire shape accepted by the ingestion endpoint.
// Pointer fields distinguish "absent" from zero values.
type Submission struct {
	AppID      *string        `json:"app_id"`
	ModelName  *string        `json:"model_name"`
	Prompt     *string        `json:"prompt"`
	Response   *string        `json:"response"`
	LatencyMs  *float64       `json:"latency_ms"`
	TokenCount *float64       `json:"token_count,omitempty"`
	Timestamp  *Timestamp     `json:"timestamp,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Receipt acknowledges a persisted submission.
type Receipt struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// NormalizeTime converts t to UTC with microsecond precision, the finest
// resolution every storage backend round-trips exactly.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Less orders records by created_at, then id.
func Less(a, b *Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// PartitionKey keeps events for one application on one bus partition.
func (r *Record) PartitionKey() string {
	return r.AppID
}
