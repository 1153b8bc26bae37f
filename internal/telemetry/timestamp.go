package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MaxTimestampMicros bounds |created_at| in microseconds since the epoch
// (roughly years 1684 to 2255). Redis index scores are float64 and order
// exactly only up to 2^53.
const MaxTimestampMicros = 1 << 53

// Epoch numbers above this magnitude are milliseconds rather than seconds.
const epochMillisThreshold = 2e10

// ErrTimestampRange reports a timestamp outside MaxTimestampMicros.
var ErrTimestampRange = errors.New("timestamp out of range")

// Accepted timestamp layouts. Naive layouts are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04Z07:00",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Timestamp is a client supplied call time kept as it arrived on the wire:
// an ISO 8601 string or a number of seconds (or milliseconds) since the
// unix epoch. Decoding never fails; Time reports malformed values so
// Validate can attach them to the "timestamp" field.
type Timestamp struct {
	raw json.RawMessage
}

// TimestampString wraps an ISO 8601 or numeric string.
func TimestampString(s string) *Timestamp {
	b, _ := json.Marshal(s)
	return &Timestamp{raw: b}
}

// TimestampEpoch wraps unix epoch seconds.
func TimestampEpoch(sec float64) *Timestamp {
	return &Timestamp{raw: json.RawMessage(strconv.FormatFloat(sec, 'f', -1, 64))}
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	t.raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if len(t.raw) == 0 {
		return []byte("null"), nil
	}
	return t.raw, nil
}

// Time parses the timestamp.
func (t Timestamp) Time() (time.Time, error) {
	dec := json.NewDecoder(bytes.NewReader(t.raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp: %w", err)
	}

	switch vv := v.(type) {
	case string:
		return ParseTimestamp(vv)
	case json.Number:
		f, err := vv.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("malformed epoch timestamp %s: %w", vv, err)
		}
		return ParseEpoch(f)
	default:
		return time.Time{}, fmt.Errorf("timestamp must be a string or a number, got %s", t.raw)
	}
}

// ParseTimestamp parses a client supplied timestamp string. Purely numeric
// strings are epoch values.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return ParseEpoch(f)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return checkRange(t)
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// ParseEpoch converts unix epoch seconds, or milliseconds when the
// magnitude exceeds 2e10, to UTC.
func ParseEpoch(v float64) (time.Time, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, fmt.Errorf("epoch timestamp must be finite")
	}
	if math.Abs(v) > epochMillisThreshold {
		if math.Abs(v) > MaxTimestampMicros/1e3 {
			return time.Time{}, ErrTimestampRange
		}
		ms, frac := math.Modf(v)
		return checkRange(time.UnixMilli(int64(ms)).Add(time.Duration(math.Round(frac * 1e6))).UTC())
	}
	if math.Abs(v) > MaxTimestampMicros/1e6 {
		return time.Time{}, ErrTimestampRange
	}
	sec, frac := math.Modf(v)
	return checkRange(time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC())
}

func checkRange(t time.Time) (time.Time, error) {
	us := t.UnixMicro()
	if us > MaxTimestampMicros || us < -MaxTimestampMicros {
		return time.Time{}, ErrTimestampRange
	}
	return t, nil
}
