package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aiobs/aiobs/internal/pkg/errors"
)

// LoggedEvent is one line of the event journal.
type LoggedEvent struct {
	Event     Event     `json:"event"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
}

// EventLogger appends published events to a JSON lines journal so they can
// be replayed into a bus later.
type EventLogger struct {
	logPath string
	mu      sync.Mutex
	file    *os.File
	enabled bool
	encoder *json.Encoder
	now     func() time.Time
}

// NewEventLogger creates a new event logger.
// If enabled is false, the logger will be created but will not write events.
func NewEventLogger(logPath string, enabled bool) (*EventLogger, error) {
	l := &EventLogger{
		logPath: logPath,
		enabled: enabled,
		now:     time.Now,
	}

	if !enabled {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	l.file = file
	l.encoder = json.NewEncoder(file)

	return l, nil
}

// OpenEventLog opens an existing journal for reading only.
func OpenEventLog(logPath string) *EventLogger {
	return &EventLogger{logPath: logPath, enabled: true, now: time.Now}
}

// Log writes an event to the journal. A disabled logger is a no-op.
func (l *EventLogger) Log(topic string, event Event) error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New(errors.CodeInternal, "event journal not open for writing")
	}

	entry := LoggedEvent{
		Event:     event,
		Topic:     topic,
		Timestamp: l.now().UTC(),
	}

	if err := l.encoder.Encode(entry); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}

	return nil
}

// EventFilter selects journal entries.
type EventFilter struct {
	Since time.Time // exclusive
	Topic string    // empty matches every topic
	Limit int       // 0 means no limit
}

func (f EventFilter) match(e LoggedEvent) bool {
	if !e.Timestamp.After(f.Since) {
		return false
	}
	return f.Topic == "" || e.Topic == f.Topic
}

// GetEvents reads journal entries matching filter in the order they were written.
// Malformed lines are skipped.
func (l *EventLogger) GetEvents(filter EventFilter) ([]LoggedEvent, error) {
	if !l.enabled {
		return nil, errors.New(errors.CodeUnavailable, "event journal is disabled")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []LoggedEvent{}, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	events := []LoggedEvent{}
	scanner := bufio.NewScanner(file)

	// Records carry full prompts and responses.
	const maxScanTokenSize = 16 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	for scanner.Scan() {
		var entry LoggedEvent
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if !filter.match(entry) {
			continue
		}
		events = append(events, entry)
		if filter.Limit > 0 && len(events) >= filter.Limit {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan journal: %w", err)
	}

	return events, nil
}

// Replay publishes matching journal entries to bus in order and returns how
// many were published.
func (l *EventLogger) Replay(ctx context.Context, bus Bus, filter EventFilter) (int, error) {
	events, err := l.GetEvents(filter)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, entry := range events {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := bus.Publish(ctx, entry.Topic, entry.Event); err != nil {
			return replayed, fmt.Errorf("failed to replay event %s: %w", entry.Event.ID, err)
		}
		replayed++
	}

	return replayed, nil
}

// Close closes the journal file.
func (l *EventLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("failed to close journal: %w", err)
		}
		l.file = nil
		l.encoder = nil
	}

	return nil
}

// IsEnabled returns true if the logger is enabled.
func (l *EventLogger) IsEnabled() bool {
	return l.enabled
}

// Path returns the journal location.
func (l *EventLogger) Path() string {
	return l.logPath
}
