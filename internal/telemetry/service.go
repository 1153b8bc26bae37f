package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aiobs/aiobs/internal/bus"
	apperrors "github.com/aiobs/aiobs/internal/pkg/errors"
	"github.com/aiobs/aiobs/internal/pkg/logger"
	"github.com/aiobs/aiobs/internal/pkg/security"
)

// Ingestion outcomes reported to the metrics recorder.
const (
	OutcomeLogged   = "logged"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// DefaultWriteTimeout bounds a single storage append.
const DefaultWriteTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/aiobs/aiobs/internal/telemetry")

// Appender persists one record and returns its identifier.
type Appender interface {
	Append(ctx context.Context, rec *Record) (string, error)
}

// Publisher fans events out to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, event bus.Event) error
}

// MetricsRecorder records ingestion outcomes.
// This avoids import cycles with the metrics package.
type MetricsRecorder interface {
	RecordIngest(outcome string, duration time.Duration)
}

// ServiceConfig configures the ingestion service.
type ServiceConfig struct {
	// WriteTimeout bounds each storage append.
	WriteTimeout time.Duration
	// Source is stamped on published events.
	Source string
}

// Deps are the collaborators of the ingestion service. Only Store is required.
type Deps struct {
	Store   Appender
	Bus     Publisher
	Metrics MetricsRecorder
	Clock   Clock
	Log     *logger.Logger
}

// Service validates, identifies and persists telemetry submissions.
type Service struct {
	cfg     ServiceConfig
	store   Appender
	bus     Publisher
	metrics MetricsRecorder
	clock   Clock
	log     *logger.Logger
}

// NewService creates an ingestion service.
func NewService(cfg ServiceConfig, deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, apperrors.New(apperrors.CodeInternal, "telemetry service requires a store")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Source == "" {
		cfg.Source = "aiobs-server"
	}
	if deps.Clock == nil {
		deps.Clock = NewMonotonicClock(nil)
	}
	if deps.Log == nil {
		deps.Log = logger.Default()
	}

	return &Service{
		cfg:     cfg,
		store:   deps.Store,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		log:     deps.Log.WithComponent("ingest"),
	}, nil
}

// Ingest validates one submission, stores it and returns the receipt.
// A receipt is only returned after the store acknowledged the write.
func (s *Service) Ingest(ctx context.Context, sub *Submission) (*Receipt, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "telemetry.Ingest")
	defer span.End()

	if sub == nil {
		sub = &Submission{}
	}
	if err := sub.Validate(); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		s.observe(OutcomeRejected, start)
		return nil, err
	}

	createdAt := time.Time{}
	if sub.Timestamp == nil {
		createdAt = s.clock.Now()
	}
	rec := sub.toRecord(uuid.NewString(), createdAt)
	span.SetAttributes(
		attribute.String("telemetry.app_id", rec.AppID),
		attribute.String("telemetry.model_name", rec.ModelName),
	)

	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	id, err := s.store.Append(writeCtx, rec)
	cancel()
	if err != nil {
		appErr := classifyWriteError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, appErr.Code)
		s.log.WithContext(ctx).WithError(err).Error("Failed to persist telemetry record",
			"app_id", security.SanitizeForLog(rec.AppID),
			"model_name", security.SanitizeForLog(rec.ModelName),
			"code", appErr.Code,
		)
		s.observe(OutcomeFailed, start)
		return nil, appErr
	}
	rec.ID = id

	s.publish(ctx, rec)
	s.observe(OutcomeLogged, start)

	s.log.WithContext(ctx).Debug("Telemetry record stored",
		"id", id,
		"app_id", security.SanitizeForLog(rec.AppID),
		"model_name", security.SanitizeForLog(rec.ModelName),
		"metadata", security.MaskMetadata(rec.Metadata),
	)

	return &Receipt{RequestID: id, Status: StatusLogged}, nil
}

// publish is best effort: the record is already durable.
func (s *Service) publish(ctx context.Context, rec *Record) {
	if s.bus == nil {
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
	defer cancel()

	event := bus.Event{
		ID:            uuid.NewString(),
		Type:          bus.TopicTelemetryRecorded,
		Source:        s.cfg.Source,
		Timestamp:     time.Now().UnixMilli(),
		CorrelationID: rec.ID,
		Payload:       rec.Clone(),
	}
	if err := s.bus.Publish(pubCtx, bus.TopicTelemetryRecorded, event); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("Failed to publish telemetry event", "id", rec.ID)
	}
}

func (s *Service) observe(outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordIngest(outcome, time.Since(start))
	}
}

// classifyWriteError maps a storage failure onto a server side AppError.
// Input problems were already rejected, so nothing here is a client error.
func classifyWriteError(err error) *apperrors.AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.CodeTimeout, "storage write timed out", err)
	}
	if appErr, ok := apperrors.As(err); ok && !appErr.IsClientError() {
		return appErr
	}
	return apperrors.StorageError("failed to persist telemetry record", err)
}
