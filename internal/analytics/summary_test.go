package analytics

import (
	"math"
	"testing"
	"time"

	"github.com/aiobs/aiobs/internal/telemetry"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(app, model string, latency float64, at time.Time, tokens *int) *telemetry.Record {
	return &telemetry.Record{
		ID:         at.Format(time.RFC3339Nano),
		AppID:      app,
		ModelName:  model,
		Prompt:     "p",
		Response:   "r",
		LatencyMs:  latency,
		TokenCount: tokens,
		CreatedAt:  at,
	}
}

func within(got, want, rel float64) bool {
	if want == 0 {
		return got == 0
	}
	return math.Abs(got-want)/want <= rel
}

func TestSummarize(t *testing.T) {
	var recs []*telemetry.Record
	for i := 1; i <= 100; i++ {
		tokens := 2
		recs = append(recs, rec("app", "m", float64(i), base.Add(time.Duration(i)*time.Second), &tokens))
	}

	s, err := Summarize(recs)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if s.Count != 100 {
		t.Errorf("Count = %d, want 100", s.Count)
	}
	if s.MinMs != 1 || s.MaxMs != 100 {
		t.Errorf("min/max = %v/%v, want 1/100", s.MinMs, s.MaxMs)
	}
	if s.MeanMs != 50.5 {
		t.Errorf("MeanMs = %v, want 50.5", s.MeanMs)
	}
	if s.Tokens != 200 {
		t.Errorf("Tokens = %d, want 200", s.Tokens)
	}

	quantiles := []struct {
		name string
		got  float64
		want float64
	}{
		{"p50", s.P50Ms, 50},
		{"p90", s.P90Ms, 90},
		{"p95", s.P95Ms, 95},
		{"p99", s.P99Ms, 99},
	}
	for _, q := range quantiles {
		// Rank rounding adds at most one value of error on top of the sketch's accuracy.
		if !within(q.got, q.want, 0.03) {
			t.Errorf("%s = %v, want ~%v", q.name, q.got, q.want)
		}
	}

	if s.FirstSeen == nil || !s.FirstSeen.Equal(base.Add(time.Second)) {
		t.Errorf("FirstSeen = %v", s.FirstSeen)
	}
	if s.LastSeen == nil || !s.LastSeen.Equal(base.Add(100*time.Second)) {
		t.Errorf("LastSeen = %v", s.LastSeen)
	}
}

func TestSummarize_Empty(t *testing.T) {
	s, err := Summarize(nil)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if s.Count != 0 || s.FirstSeen != nil {
		t.Errorf("empty summary = %+v", s)
	}
}

func TestSummarize_ZeroLatency(t *testing.T) {
	s, err := Summarize([]*telemetry.Record{rec("a", "m", 0, base, nil)})
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if s.Count != 1 || s.P50Ms != 0 || s.MaxMs != 0 {
		t.Errorf("summary = %+v", s)
	}
}

func TestSummarizeBy(t *testing.T) {
	recs := []*telemetry.Record{
		rec("a", "gpt", 100, base, nil),
		rec("a", "gpt", 300, base.Add(time.Second), nil),
		rec("a", "llama", 50, base.Add(2*time.Second), nil),
	}

	byModel, err := SummarizeBy(recs, func(r *telemetry.Record) string { return r.ModelName })
	if err != nil {
		t.Fatalf("SummarizeBy() error = %v", err)
	}
	if len(byModel) != 2 {
		t.Fatalf("groups = %d, want 2", len(byModel))
	}
	if got := byModel["gpt"]; got.Count != 2 || got.MeanMs != 200 {
		t.Errorf("gpt = %+v", got)
	}
	if got := byModel["llama"]; got.Count != 1 || got.MinMs != 50 {
		t.Errorf("llama = %+v", got)
	}
}

func TestAggregate_Merge(t *testing.T) {
	left, _ := NewAggregate(0)
	right, _ := NewAggregate(0)
	empty, _ := NewAggregate(0)

	_ = left.Add(rec("a", "m", 10, base.Add(time.Minute), nil))
	_ = right.Add(rec("a", "m", 30, base, nil))

	if err := left.Merge(right); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if err := left.Merge(empty); err != nil {
		t.Fatalf("Merge(empty) error = %v", err)
	}

	s := left.Summary()
	if s.Count != 2 || s.MinMs != 10 || s.MaxMs != 30 || s.MeanMs != 20 {
		t.Errorf("merged = %+v", s)
	}
	if !s.FirstSeen.Equal(base) {
		t.Errorf("FirstSeen = %v, want %v", s.FirstSeen, base)
	}
}
