// Package analytics computes latency summaries over query results and
// exports them as Parquet files.
package analytics

import (
	"math"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/aiobs/aiobs/internal/telemetry"
)

// DefaultAccuracy is the relative accuracy of quantile estimates.
const DefaultAccuracy = 0.01

// LatencySummary describes the latency distribution of a set of records.
// Quantiles are estimates within the sketch's relative accuracy.
type LatencySummary struct {
	Count     int64      `json:"count"`
	MeanMs    float64    `json:"mean_ms"`
	MinMs     float64    `json:"min_ms"`
	MaxMs     float64    `json:"max_ms"`
	P50Ms     float64    `json:"p50_ms"`
	P90Ms     float64    `json:"p90_ms"`
	P95Ms     float64    `json:"p95_ms"`
	P99Ms     float64    `json:"p99_ms"`
	Tokens    int64      `json:"tokens"`
	FirstSeen *time.Time `json:"first_seen,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

// Aggregate accumulates latency observations.
type Aggregate struct {
	count  int64
	sum    float64
	min    float64
	max    float64
	tokens int64
	first  time.Time
	last   time.Time
	sketch *ddsketch.DDSketch
}

// NewAggregate creates an empty aggregate. accuracy <= 0 selects DefaultAccuracy.
func NewAggregate(accuracy float64) (*Aggregate, error) {
	if accuracy <= 0 {
		accuracy = DefaultAccuracy
	}
	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err != nil {
		return nil, err
	}
	return &Aggregate{
		min:    math.MaxFloat64,
		max:    -math.MaxFloat64,
		sketch: sketch,
	}, nil
}

// Add folds one record into the aggregate.
func (a *Aggregate) Add(rec *telemetry.Record) error {
	if err := a.sketch.Add(rec.LatencyMs); err != nil {
		return err
	}
	a.count++
	a.sum += rec.LatencyMs
	a.min = math.Min(a.min, rec.LatencyMs)
	a.max = math.Max(a.max, rec.LatencyMs)
	if rec.TokenCount != nil {
		a.tokens += int64(*rec.TokenCount)
	}
	if a.first.IsZero() || rec.CreatedAt.Before(a.first) {
		a.first = rec.CreatedAt
	}
	if rec.CreatedAt.After(a.last) {
		a.last = rec.CreatedAt
	}
	return nil
}

// Merge folds other into a.
func (a *Aggregate) Merge(other *Aggregate) error {
	if other.count == 0 {
		return nil
	}
	if err := a.sketch.MergeWith(other.sketch); err != nil {
		return err
	}
	a.count += other.count
	a.sum += other.sum
	a.min = math.Min(a.min, other.min)
	a.max = math.Max(a.max, other.max)
	a.tokens += other.tokens
	if a.first.IsZero() || other.first.Before(a.first) {
		a.first = other.first
	}
	if other.last.After(a.last) {
		a.last = other.last
	}
	return nil
}

// Summary returns the current summary. An empty aggregate yields a zero summary.
func (a *Aggregate) Summary() LatencySummary {
	if a.count == 0 {
		return LatencySummary{}
	}
	s := LatencySummary{
		Count:  a.count,
		MeanMs: a.sum / float64(a.count),
		MinMs:  a.min,
		MaxMs:  a.max,
		Tokens: a.tokens,
	}
	s.P50Ms, _ = a.sketch.GetValueAtQuantile(0.50)
	s.P90Ms, _ = a.sketch.GetValueAtQuantile(0.90)
	s.P95Ms, _ = a.sketch.GetValueAtQuantile(0.95)
	s.P99Ms, _ = a.sketch.GetValueAtQuantile(0.99)

	first, last := a.first, a.last
	s.FirstSeen, s.LastSeen = &first, &last
	return s
}

// Summarize builds a latency summary over recs.
func Summarize(recs []*telemetry.Record) (LatencySummary, error) {
	agg, err := NewAggregate(DefaultAccuracy)
	if err != nil {
		return LatencySummary{}, err
	}
	for _, rec := range recs {
		if err := agg.Add(rec); err != nil {
			return LatencySummary{}, err
		}
	}
	return agg.Summary(), nil
}

// SummarizeBy groups recs by key and summarizes each group.
func SummarizeBy(recs []*telemetry.Record, key func(*telemetry.Record) string) (map[string]LatencySummary, error) {
	groups := make(map[string]*Aggregate)
	for _, rec := range recs {
		k := key(rec)
		agg, ok := groups[k]
		if !ok {
			var err error
			if agg, err = NewAggregate(DefaultAccuracy); err != nil {
				return nil, err
			}
			groups[k] = agg
		}
		if err := agg.Add(rec); err != nil {
			return nil, err
		}
	}

	out := make(map[string]LatencySummary, len(groups))
	for k, agg := range groups {
		out[k] = agg.Summary()
	}
	return out, nil
}
