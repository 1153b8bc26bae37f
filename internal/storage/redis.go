package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/aiobs/aiobs/internal/pkg/errors"
	"github.com/aiobs/aiobs/internal/pkg/logger"
	"github.com/aiobs/aiobs/internal/telemetry"
)

// DefaultRedisPrefix namespaces every key written by RedisStorage.
const DefaultRedisPrefix = "aiobs:"

// RedisStorage keeps one hash per record and two sorted sets per partition
// key, scored by created_at in microseconds. Members with equal scores sort
// by id, which gives the same tie order as the SQL backends.
type RedisStorage struct {
	client *redis.Client
	prefix string
	log    *logger.Logger
}

// OpenRedis connects to the server named by url and verifies it responds.
func OpenRedis(ctx context.Context, url string, log *logger.Logger) (*RedisStorage, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, "invalid redis url", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("connecting to redis", err)
	}

	return NewRedisStorage(client, DefaultRedisPrefix, log), nil
}

// NewRedisStorage wraps an existing client.
func NewRedisStorage(client *redis.Client, prefix string, log *logger.Logger) *RedisStorage {
	if log == nil {
		log = logger.Default()
	}
	return &RedisStorage{client: client, prefix: prefix, log: log}
}

func (s *RedisStorage) recordKey(id string) string   { return s.prefix + "rec:" + id }
func (s *RedisStorage) appKey(appID string) string   { return s.prefix + "idx:app:" + appID }
func (s *RedisStorage) modelKey(model string) string { return s.prefix + "idx:model:" + model }
func (s *RedisStorage) countKey() string             { return s.prefix + "count" }

// score is exact for |µs| <= 2^53, the created_at range prepare accepts.
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func encodeRecord(rec *telemetry.Record) (map[string]any, error) {
	fields := map[string]any{
		"id":         rec.ID,
		"app_id":     rec.AppID,
		"model_name": rec.ModelName,
		"prompt":     rec.Prompt,
		"response":   rec.Response,
		"latency_ms": strconv.FormatFloat(rec.LatencyMs, 'g', -1, 64),
		"created_at": rec.CreatedAt.Format(time.RFC3339Nano),
	}
	if rec.TokenCount != nil {
		fields["token_count"] = strconv.Itoa(*rec.TokenCount)
	}
	if rec.Metadata != nil {
		meta, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, apperrors.ValidationError("metadata is not serialisable").WithDetail("metadata", err.Error())
		}
		fields["metadata"] = string(meta)
	}
	return fields, nil
}

func decodeRecord(fields map[string]string) (*telemetry.Record, error) {
	rec := &telemetry.Record{
		ID:        fields["id"],
		AppID:     fields["app_id"],
		ModelName: fields["model_name"],
		Prompt:    fields["prompt"],
		Response:  fields["response"],
	}

	var err error
	if rec.LatencyMs, err = strconv.ParseFloat(fields["latency_ms"], 64); err != nil {
		return nil, fmt.Errorf("record %s: latency_ms: %w", rec.ID, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("record %s: created_at: %w", rec.ID, err)
	}
	rec.CreatedAt = telemetry.NormalizeTime(createdAt)

	if v, ok := fields["token_count"]; ok {
		tc, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("record %s: token_count: %w", rec.ID, err)
		}
		rec.TokenCount = &tc
	}
	if v, ok := fields["metadata"]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("record %s: metadata: %w", rec.ID, err)
		}
	}
	return rec, nil
}

// Append implements Storage. The record hash, both index entries and the
// counter are written in one MULTI/EXEC, guarded by WATCH on the record key.
func (s *RedisStorage) Append(ctx context.Context, rec *telemetry.Record) (string, error) {
	stored, err := prepare(rec)
	if err != nil {
		return "", err
	}
	fields, err := encodeRecord(stored)
	if err != nil {
		return "", err
	}

	key := s.recordKey(stored.ID)
	member := redis.Z{Score: score(stored.CreatedAt), Member: stored.ID}

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return duplicateID(stored.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			pipe.ZAdd(ctx, s.appKey(stored.AppID), member)
			pipe.ZAdd(ctx, s.modelKey(stored.ModelName), member)
			pipe.Incr(ctx, s.countKey())
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			// Another writer created the key between WATCH and EXEC.
			return "", duplicateID(stored.ID)
		}
		return "", writeError(ctx, "append", err)
	}
	return stored.ID, nil
}

// QueryByApp implements Storage.
func (s *RedisStorage) QueryByApp(ctx context.Context, appID string, tr TimeRange) ([]*telemetry.Record, error) {
	return s.query(ctx, s.appKey(appID), tr)
}

// QueryByModel implements Storage.
func (s *RedisStorage) QueryByModel(ctx context.Context, modelName string, tr TimeRange) ([]*telemetry.Record, error) {
	return s.query(ctx, s.modelKey(modelName), tr)
}

func scoreRange(tr TimeRange) *redis.ZRangeBy {
	r := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !tr.Start.IsZero() {
		r.Min = strconv.FormatInt(tr.Start.UnixMicro(), 10)
	}
	if !tr.End.IsZero() {
		r.Max = "(" + strconv.FormatInt(tr.End.UnixMicro(), 10)
	}
	if tr.Limit > 0 {
		r.Count = int64(tr.Limit)
	}
	return r
}

func (s *RedisStorage) query(ctx context.Context, indexKey string, tr TimeRange) ([]*telemetry.Record, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	tr = tr.normalized()

	ids, err := s.client.ZRangeByScore(ctx, indexKey, scoreRange(tr)).Result()
	if err != nil {
		return nil, writeError(ctx, "query", err)
	}
	if len(ids) == 0 {
		return []*telemetry.Record{}, nil
	}

	cmds, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.HGetAll(ctx, s.recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, writeError(ctx, "query", err)
	}

	out := make([]*telemetry.Record, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.(*redis.MapStringStringCmd).Result()
		if err != nil {
			return nil, writeError(ctx, "query", err)
		}
		if len(fields) == 0 {
			s.log.Warn("Index entry without record", "index", indexKey, "id", ids[i])
			continue
		}
		rec, err := decodeRecord(fields)
		if err != nil {
			return nil, apperrors.StorageError("corrupt record", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Count implements Storage.
func (s *RedisStorage) Count(ctx context.Context) (int64, error) {
	n, err := s.client.Get(ctx, s.countKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, writeError(ctx, "count", err)
	}
	return n, nil
}

// Ping implements Storage.
func (s *RedisStorage) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("redis unreachable", err)
	}
	return nil
}

// Close implements Storage.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Kind names the backend.
func (s *RedisStorage) Kind() string { return KindRedis }
