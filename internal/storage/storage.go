// Package storage persists telemetry records in an append-only fact store
// with two ordered access paths: by application and by model.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aiobs/aiobs/internal/config"
	apperrors "github.com/aiobs/aiobs/internal/pkg/errors"
	"github.com/aiobs/aiobs/internal/pkg/logger"
	"github.com/aiobs/aiobs/internal/telemetry"
)

// Storage is the append-only record store.
type Storage interface {
	// Append persists one validated record atomically and returns its id.
	// An empty ID is assigned; a supplied ID is kept and must be unique.
	Append(ctx context.Context, rec *telemetry.Record) (string, error)

	// QueryByApp returns records whose app_id matches exactly, ordered by created_at.
	QueryByApp(ctx context.Context, appID string, tr TimeRange) ([]*telemetry.Record, error)

	// QueryByModel returns records whose model_name matches exactly, ordered by created_at.
	QueryByModel(ctx context.Context, modelName string, tr TimeRange) ([]*telemetry.Record, error)

	// Count returns the total number of stored records.
	Count(ctx context.Context) (int64, error)

	// Ping checks that the medium is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// TimeRange bounds a query on created_at. Zero values are unbounded.
// Start is inclusive, End is exclusive. A positive Limit keeps only the
// earliest Limit records of the range.
type TimeRange struct {
	Start time.Time
	End   time.Time
	Limit int
}

// Contains reports whether t falls inside the range.
func (tr TimeRange) Contains(t time.Time) bool {
	if !tr.Start.IsZero() && t.Before(tr.Start) {
		return false
	}
	if !tr.End.IsZero() && !t.Before(tr.End) {
		return false
	}
	return true
}

// Validate rejects inverted ranges and negative limits.
func (tr TimeRange) Validate() error {
	if tr.Limit < 0 {
		return apperrors.ValidationError("limit must not be negative").
			WithDetail("limit", "must be >= 0")
	}
	if !tr.Start.IsZero() && !tr.End.IsZero() && tr.End.Before(tr.Start) {
		return apperrors.ValidationError("time range end is before start").
			WithDetail("until", "must not be before since")
	}
	return nil
}

// normalized rounds both bounds up to the microsecond. Stored timestamps
// have microsecond precision, so the rounded range selects the same records.
func (tr TimeRange) normalized() TimeRange {
	return TimeRange{Start: ceilMicro(tr.Start), End: ceilMicro(tr.End), Limit: tr.Limit}
}

func ceilMicro(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	down := telemetry.NormalizeTime(t)
	if down.Equal(t) {
		return down
	}
	return down.Add(time.Microsecond)
}

// Backend names reported by Kind.
const (
	KindMemory   = "memory"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
	KindRedis    = "redis"
)

// Open selects a backend from the database URL scheme.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (Storage, error) {
	if log == nil {
		log = logger.Default()
	}
	scheme, err := cfg.Scheme()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, "invalid database configuration", err)
	}

	log = log.WithComponent("storage")
	log.Info("Opening storage", "backend", scheme, "url", cfg.Redacted())

	switch scheme {
	case KindMemory:
		return NewMemoryStorage(), nil
	case KindSQLite:
		path, err := cfg.DatabasePath()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidation, "invalid sqlite url", err)
		}
		return OpenSQLite(ctx, path, SQLOptions{SlowQuery: cfg.SlowQuery}, log)
	case KindPostgres:
		return OpenPostgres(ctx, cfg.URL, SQLOptions{
			SlowQuery:    cfg.SlowQuery,
			MaxOpenConns: cfg.MaxOpenConns,
		}, log)
	case KindRedis:
		return OpenRedis(ctx, cfg.URL, log)
	default:
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("unsupported storage backend: %s", scheme))
	}
}

// assignID fills in a missing id and rejects malformed ones.
func assignID(rec *telemetry.Record) (string, error) {
	if rec.ID == "" {
		return uuid.NewString(), nil
	}
	if _, err := uuid.Parse(rec.ID); err != nil {
		return "", apperrors.ValidationError("record id is not a uuid").WithDetail("id", rec.ID)
	}
	return rec.ID, nil
}

// prepare clones rec with a final id and normalised created_at.
func prepare(rec *telemetry.Record) (*telemetry.Record, error) {
	if rec == nil {
		return nil, apperrors.ValidationError("record is required")
	}
	if rec.CreatedAt.IsZero() {
		return nil, apperrors.ValidationError("record created_at is required").WithDetail("created_at", "is required")
	}
	if us := rec.CreatedAt.UnixMicro(); us > telemetry.MaxTimestampMicros || us < -telemetry.MaxTimestampMicros {
		return nil, apperrors.ValidationError("record created_at is out of range").
			WithDetail("created_at", "must be within 2^53 microseconds of the unix epoch")
	}
	id, err := assignID(rec)
	if err != nil {
		return nil, err
	}
	out := rec.Clone()
	out.ID = id
	out.CreatedAt = telemetry.NormalizeTime(rec.CreatedAt)
	if len(out.Metadata) == 0 {
		out.Metadata = nil
	}
	return out, nil
}

func duplicateID(id string) error {
	return apperrors.AlreadyExistsError("record").WithDetail("id", id)
}

// writeError classifies a failed write. Cancellation and deadlines keep
// their cause so callers can tell a timeout from a broken medium.
func writeError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apperrors.Wrap(apperrors.CodeTimeout, op+" interrupted", ctxErr)
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	return apperrors.StorageError(op+" failed", err)
}

func unavailable(op string, err error) error {
	return apperrors.Wrap(apperrors.CodeUnavailable, op, err)
}
