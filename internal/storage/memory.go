package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/aiobs/aiobs/internal/telemetry"
)

// MemoryStorage keeps records in process memory. Each partition key maps to a
// slice kept sorted by (created_at, id), so range queries are two binary
// searches instead of a scan.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[string]*telemetry.Record
	byApp   map[string][]*telemetry.Record
	byModel map[string][]*telemetry.Record
	closed  bool
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[string]*telemetry.Record),
		byApp:   make(map[string][]*telemetry.Record),
		byModel: make(map[string][]*telemetry.Record),
	}
}

// Append implements Storage.
func (s *MemoryStorage) Append(ctx context.Context, rec *telemetry.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", writeError(ctx, "append", err)
	}
	stored, err := prepare(rec)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", unavailable("memory storage is closed", nil)
	}
	if _, exists := s.records[stored.ID]; exists {
		return "", duplicateID(stored.ID)
	}

	s.records[stored.ID] = stored
	s.byApp[stored.AppID] = insertSorted(s.byApp[stored.AppID], stored)
	s.byModel[stored.ModelName] = insertSorted(s.byModel[stored.ModelName], stored)

	return stored.ID, nil
}

func insertSorted(list []*telemetry.Record, rec *telemetry.Record) []*telemetry.Record {
	i := sort.Search(len(list), func(i int) bool { return telemetry.Less(rec, list[i]) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = rec
	return list
}

// QueryByApp implements Storage.
func (s *MemoryStorage) QueryByApp(ctx context.Context, appID string, tr TimeRange) ([]*telemetry.Record, error) {
	return s.query(ctx, s.byApp, appID, tr)
}

// QueryByModel implements Storage.
func (s *MemoryStorage) QueryByModel(ctx context.Context, modelName string, tr TimeRange) ([]*telemetry.Record, error) {
	return s.query(ctx, s.byModel, modelName, tr)
}

func (s *MemoryStorage) query(ctx context.Context, index map[string][]*telemetry.Record, key string, tr TimeRange) ([]*telemetry.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	tr = tr.normalized()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, unavailable("memory storage is closed", nil)
	}

	list := index[key]
	lo := 0
	if !tr.Start.IsZero() {
		lo = sort.Search(len(list), func(i int) bool { return !list[i].CreatedAt.Before(tr.Start) })
	}
	hi := len(list)
	if !tr.End.IsZero() {
		hi = sort.Search(len(list), func(i int) bool { return !list[i].CreatedAt.Before(tr.End) })
	}
	if tr.Limit > 0 && hi-lo > tr.Limit {
		hi = lo + tr.Limit
	}

	out := make([]*telemetry.Record, 0, max(hi-lo, 0))
	for _, rec := range list[lo:max(hi, lo)] {
		out = append(out, rec.Clone())
	}
	return out, nil
}

// Count implements Storage.
func (s *MemoryStorage) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

// Ping implements Storage.
func (s *MemoryStorage) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return unavailable("memory storage is closed", nil)
	}
	return nil
}

// Close implements Storage.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Kind names the backend.
func (s *MemoryStorage) Kind() string { return KindMemory }
