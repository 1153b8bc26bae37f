package telemetry

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	apperrors "github.com/aiobs/aiobs/internal/pkg/errors"
)

// Validate checks a submission and reports every problem at once.
// The returned error is a VALIDATION_ERROR AppError with one detail per field.
func (s *Submission) Validate() error {
	details := map[string]string{}

	requireKey := func(field string, v *string) {
		switch {
		case v == nil:
			details[field] = "is required"
		case strings.TrimSpace(*v) == "":
			details[field] = "must not be empty"
		case len(*v) > MaxKeyLength:
			details[field] = fmt.Sprintf("must be at most %d characters", MaxKeyLength)
		}
	}
	requireKey("app_id", s.AppID)
	requireKey("model_name", s.ModelName)

	if s.Prompt == nil {
		details["prompt"] = "is required"
	}
	if s.Response == nil {
		details["response"] = "is required"
	}

	switch {
	case s.LatencyMs == nil:
		details["latency_ms"] = "is required"
	case math.IsNaN(*s.LatencyMs) || math.IsInf(*s.LatencyMs, 0):
		details["latency_ms"] = "must be a finite number"
	case *s.LatencyMs < 0:
		details["latency_ms"] = "must be >= 0"
	}

	if s.TokenCount != nil {
		tc := *s.TokenCount
		switch {
		case tc != math.Trunc(tc) || math.IsInf(tc, 0):
			details["token_count"] = "must be an integer"
		case tc < 0:
			details["token_count"] = "must be >= 0"
		case tc > math.MaxInt32:
			details["token_count"] = "is too large"
		}
	}

	if s.Timestamp != nil {
		switch _, err := s.Timestamp.Time(); {
		case errors.Is(err, ErrTimestampRange):
			details["timestamp"] = "is out of range"
		case err != nil:
			details["timestamp"] = "must be an ISO 8601 datetime or unix epoch seconds"
		}
	}

	if len(details) > 0 {
		return apperrors.ValidationError("invalid telemetry submission").WithDetails(details)
	}
	return nil
}

// toRecord builds a record from a validated submission. id and the default
// created_at are supplied by the caller.
func (s *Submission) toRecord(id string, now time.Time) *Record {
	rec := &Record{
		ID:        id,
		AppID:     *s.AppID,
		ModelName: *s.ModelName,
		Prompt:    *s.Prompt,
		Response:  *s.Response,
		LatencyMs: *s.LatencyMs,
		CreatedAt: now,
		Metadata:  s.Metadata,
	}
	if s.TokenCount != nil {
		tc := int(*s.TokenCount)
		rec.TokenCount = &tc
	}
	if s.Timestamp != nil {
		// Validate already accepted it.
		ts, _ := s.Timestamp.Time()
		rec.CreatedAt = NormalizeTime(ts)
	}
	return rec
}
