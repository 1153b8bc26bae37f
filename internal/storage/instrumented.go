package storage

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiobs/aiobs/internal/telemetry"
)

var tracer = otel.Tracer("github.com/aiobs/aiobs/internal/storage")

// MetricsRecorder is an interface for recording storage metrics.
// This avoids import cycles with the metrics package.
type MetricsRecorder interface {
	RecordStorage(op string, duration time.Duration, err error)
}

// InstrumentedStorage wraps a Storage with metrics and tracing.
type InstrumentedStorage struct {
	inner   Storage
	metrics MetricsRecorder
	backend string
}

// NewInstrumentedStorage wraps inner. metrics may be nil.
func NewInstrumentedStorage(inner Storage, metrics MetricsRecorder) *InstrumentedStorage {
	backend := "unknown"
	if k, ok := inner.(interface{ Kind() string }); ok {
		backend = k.Kind()
	}
	return &InstrumentedStorage{inner: inner, metrics: metrics, backend: backend}
}

func (s *InstrumentedStorage) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	attrs = append(attrs, attribute.String("db.system", s.backend))
	ctx, span := tracer.Start(ctx, "storage."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (s *InstrumentedStorage) finish(span trace.Span, op string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if s.metrics != nil {
		s.metrics.RecordStorage(op, time.Since(start), err)
	}
}

// Append implements Storage.
func (s *InstrumentedStorage) Append(ctx context.Context, rec *telemetry.Record) (string, error) {
	ctx, span, start := s.start(ctx, "append")
	id, err := s.inner.Append(ctx, rec)
	if err == nil {
		span.SetAttributes(attribute.String("telemetry.id", id))
	}
	s.finish(span, "append", start, err)
	return id, err
}

// QueryByApp implements Storage.
func (s *InstrumentedStorage) QueryByApp(ctx context.Context, appID string, tr TimeRange) ([]*telemetry.Record, error) {
	ctx, span, start := s.start(ctx, "query_by_app", attribute.String("telemetry.app_id", appID))
	recs, err := s.inner.QueryByApp(ctx, appID, tr)
	span.SetAttributes(attribute.Int("telemetry.results", len(recs)))
	s.finish(span, "query_by_app", start, err)
	return recs, err
}

// QueryByModel implements Storage.
func (s *InstrumentedStorage) QueryByModel(ctx context.Context, modelName string, tr TimeRange) ([]*telemetry.Record, error) {
	ctx, span, start := s.start(ctx, "query_by_model", attribute.String("telemetry.model_name", modelName))
	recs, err := s.inner.QueryByModel(ctx, modelName, tr)
	span.SetAttributes(attribute.Int("telemetry.results", len(recs)))
	s.finish(span, "query_by_model", start, err)
	return recs, err
}

// Count implements Storage.
func (s *InstrumentedStorage) Count(ctx context.Context) (int64, error) {
	ctx, span, start := s.start(ctx, "count")
	n, err := s.inner.Count(ctx)
	s.finish(span, "count", start, err)
	return n, err
}

// Ping implements Storage.
func (s *InstrumentedStorage) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

// Close implements Storage.
func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}

// Kind names the wrapped backend.
func (s *InstrumentedStorage) Kind() string { return s.backend }
