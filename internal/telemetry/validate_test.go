package telemetry

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	apperrors "github.com/aiobs/aiobs/internal/pkg/errors"
)

func ptr[T any](v T) *T { return &v }

func validSubmission() *Submission {
	return &Submission{
		AppID:     ptr("chatbot-v1"),
		ModelName: ptr("gpt-4o-mini"),
		Prompt:    ptr("hi"),
		Response:  ptr("hello"),
		LatencyMs: ptr(120.0),
	}
}

func TestSubmission_Validate(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(s *Submission)
		wantFields []string
	}{
		{name: "valid", mutate: func(s *Submission) {}},
		{name: "empty prompt allowed", mutate: func(s *Submission) { s.Prompt = ptr("") }},
		{name: "zero latency allowed", mutate: func(s *Submission) { s.LatencyMs = ptr(0.0) }},
		{name: "token count zero", mutate: func(s *Submission) { s.TokenCount = ptr(0.0) }},
		{name: "valid timestamp", mutate: func(s *Submission) { s.Timestamp = TimestampString("2025-01-02T03:04:05Z") }},
		{name: "naive timestamp", mutate: func(s *Submission) { s.Timestamp = TimestampString("2025-01-02T03:04:05.123456") }},
		{name: "missing app_id", mutate: func(s *Submission) { s.AppID = nil }, wantFields: []string{"app_id"}},
		{name: "blank app_id", mutate: func(s *Submission) { s.AppID = ptr("   ") }, wantFields: []string{"app_id"}},
		{name: "long model_name", mutate: func(s *Submission) { s.ModelName = ptr(strings.Repeat("m", MaxKeyLength+1)) }, wantFields: []string{"model_name"}},
		{name: "missing prompt", mutate: func(s *Submission) { s.Prompt = nil }, wantFields: []string{"prompt"}},
		{name: "missing response", mutate: func(s *Submission) { s.Response = nil }, wantFields: []string{"response"}},
		{name: "missing latency", mutate: func(s *Submission) { s.LatencyMs = nil }, wantFields: []string{"latency_ms"}},
		{name: "negative latency", mutate: func(s *Submission) { s.LatencyMs = ptr(-5.0) }, wantFields: []string{"latency_ms"}},
		{name: "infinite latency", mutate: func(s *Submission) { s.LatencyMs = ptr(math.Inf(1)) }, wantFields: []string{"latency_ms"}},
		{name: "fractional tokens", mutate: func(s *Submission) { s.TokenCount = ptr(1.5) }, wantFields: []string{"token_count"}},
		{name: "negative tokens", mutate: func(s *Submission) { s.TokenCount = ptr(-1.0) }, wantFields: []string{"token_count"}},
		{name: "bad timestamp", mutate: func(s *Submission) { s.Timestamp = TimestampString("yesterday") }, wantFields: []string{"timestamp"}},
		{
			name:       "empty submission reports every field",
			mutate:     func(s *Submission) { *s = Submission{} },
			wantFields: []string{"app_id", "model_name", "prompt", "response", "latency_ms"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSubmission()
			tt.mutate(s)
			err := s.Validate()

			if len(tt.wantFields) == 0 {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}

			appErr, ok := apperrors.As(err)
			if !ok || appErr.Code != apperrors.CodeValidation {
				t.Fatalf("Validate() error = %v, want VALIDATION_ERROR", err)
			}
			if len(appErr.Details) != len(tt.wantFields) {
				t.Errorf("details = %v, want fields %v", appErr.Details, tt.wantFields)
			}
			for _, f := range tt.wantFields {
				if _, ok := appErr.Details[f]; !ok {
					t.Errorf("missing detail for %q in %v", f, appErr.Details)
				}
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{in: "2025-01-02T03:04:05Z", want: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)},
		{in: "2025-01-02T05:04:05+02:00", want: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)},
		{in: "2025-01-02T03:04:05.5", want: time.Date(2025, 1, 2, 3, 4, 5, 5e8, time.UTC)},
		{in: "2025-01-02 03:04:05", want: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)},
		{in: "2025-01-02", want: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)},
		{in: "2025-01-02T03:04Z", want: time.Date(2025, 1, 2, 3, 4, 0, 0, time.UTC)},
		{in: "2025-01-02T03:04", want: time.Date(2025, 1, 2, 3, 4, 0, 0, time.UTC)},
		{in: "2025-01-02 05:04+02:00", want: time.Date(2025, 1, 2, 3, 4, 0, 0, time.UTC)},
		{in: "1700000000", want: time.Unix(1700000000, 0).UTC()},
		{in: "1700000000.25", want: time.Unix(1700000000, 25e7).UTC()},
		{in: "1700000000000", want: time.Unix(1700000000, 0).UTC()},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			if err != nil {
				t.Fatalf("ParseTimestamp() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseTimestamp() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := ParseTimestamp("01/02/2025"); err == nil {
		t.Error("ParseTimestamp() should reject non ISO input")
	}
	if _, err := ParseTimestamp("2300-01-01T00:00:00Z"); !errors.Is(err, ErrTimestampRange) {
		t.Errorf("ParseTimestamp(2300) error = %v, want ErrTimestampRange", err)
	}
}

func TestTimestamp_JSON(t *testing.T) {
	tests := []struct {
		body    string
		want    time.Time
		wantErr bool
	}{
		{body: `{"timestamp":1700000000}`, want: time.Unix(1700000000, 0).UTC()},
		{body: `{"timestamp":1700000000.5}`, want: time.Unix(1700000000, 5e8).UTC()},
		{body: `{"timestamp":1700000000123}`, want: time.UnixMilli(1700000000123).UTC()},
		{body: `{"timestamp":"2024-01-01"}`, want: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{body: `{"timestamp":"2024-01-01T10:00Z"}`, want: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)},
		{body: `{"timestamp":true}`, wantErr: true},
		{body: `{"timestamp":{}}`, wantErr: true},
		{body: `{"timestamp":1e300}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			var s Submission
			if err := json.Unmarshal([]byte(tt.body), &s); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if s.Timestamp == nil {
				t.Fatal("Timestamp not decoded")
			}
			got, err := s.Timestamp.Time()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Time() = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Time() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Time() = %v, want %v", got, tt.want)
			}
		})
	}

	var s Submission
	if err := json.Unmarshal([]byte(`{"timestamp":null}`), &s); err != nil || s.Timestamp != nil {
		t.Errorf("null timestamp = %v, %v; want nil", s.Timestamp, err)
	}

	out, err := json.Marshal(Submission{Timestamp: TimestampEpoch(1700000000)})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(out), `"timestamp":1700000000`) {
		t.Errorf("Marshal() = %s", out)
	}
}

func TestSubmission_ToRecord(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	s := validSubmission()
	s.TokenCount = ptr(17.0)
	s.Metadata = map[string]any{"k": "v"}
	rec := s.toRecord("id-1", now)

	if rec.ID != "id-1" || !rec.CreatedAt.Equal(now) {
		t.Errorf("record = %+v", rec)
	}
	if rec.TokenCount == nil || *rec.TokenCount != 17 {
		t.Errorf("TokenCount = %v, want 17", rec.TokenCount)
	}
	if rec.Metadata["k"] != "v" {
		t.Errorf("Metadata = %v", rec.Metadata)
	}

	s.Timestamp = TimestampString("2024-06-01T10:00:00.1234567+02:00")
	rec = s.toRecord("id-2", now)
	want := time.Date(2024, 6, 1, 8, 0, 0, 123456000, time.UTC)
	if !rec.CreatedAt.Equal(want) || rec.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt = %v, want %v", rec.CreatedAt, want)
	}
}

func TestRecord_Clone(t *testing.T) {
	tc := 3
	orig := &Record{ID: "a", TokenCount: &tc, Metadata: map[string]any{"nested": map[string]any{"x": 1}}}
	cp := orig.Clone()

	*cp.TokenCount = 4
	cp.Metadata["nested"].(map[string]any)["x"] = 2

	if *orig.TokenCount != 3 {
		t.Error("Clone shares TokenCount")
	}
	if orig.Metadata["nested"].(map[string]any)["x"] != 1 {
		t.Error("Clone shares nested metadata")
	}
	if (*Record)(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}
