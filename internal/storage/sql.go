package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	apperrors "github.com/aiobs/aiobs/internal/pkg/errors"
	"github.com/aiobs/aiobs/internal/pkg/logger"
	"github.com/aiobs/aiobs/internal/telemetry"
)

// Persisted names shared by every SQL dialect.
const (
	TableName          = "llm_requests"
	IndexAppCreated    = "idx_app_created"
	IndexModelCreated  = "idx_model_created"
	defaultSlowQuery   = time.Second
	sqliteBusyTimeout  = 5000
	defaultMaxOpenConn = 10
)

// recordRow is the llm_requests row. The two composite indexes back the
// per-application and per-model access paths.
type recordRow struct {
	ID         string            `gorm:"primaryKey;type:varchar(36)"`
	AppID      string            `gorm:"type:varchar(255);not null;index:idx_app_created,priority:1"`
	ModelName  string            `gorm:"type:varchar(255);not null;index:idx_model_created,priority:1"`
	Prompt     string            `gorm:"type:text;not null"`
	Response   string            `gorm:"type:text;not null"`
	LatencyMs  float64           `gorm:"not null"`
	TokenCount *int
	CreatedAt  time.Time         `gorm:"not null;autoCreateTime:false;index:idx_app_created,priority:2;index:idx_model_created,priority:2"`
	Metadata   datatypes.JSONMap
}

func (recordRow) TableName() string { return TableName }

func toRow(rec *telemetry.Record) *recordRow {
	row := &recordRow{
		ID:         rec.ID,
		AppID:      rec.AppID,
		ModelName:  rec.ModelName,
		Prompt:     rec.Prompt,
		Response:   rec.Response,
		LatencyMs:  rec.LatencyMs,
		TokenCount: rec.TokenCount,
		CreatedAt:  rec.CreatedAt,
	}
	if rec.Metadata != nil {
		row.Metadata = datatypes.JSONMap(rec.Metadata)
	}
	return row
}

func (row *recordRow) toRecord() *telemetry.Record {
	rec := &telemetry.Record{
		ID:         row.ID,
		AppID:      row.AppID,
		ModelName:  row.ModelName,
		Prompt:     row.Prompt,
		Response:   row.Response,
		LatencyMs:  row.LatencyMs,
		TokenCount: row.TokenCount,
		CreatedAt:  telemetry.NormalizeTime(row.CreatedAt),
	}
	if len(row.Metadata) > 0 {
		rec.Metadata = map[string]any(row.Metadata)
	}
	return rec
}

// SQLOptions tunes the GORM backends.
type SQLOptions struct {
	SlowQuery    time.Duration
	MaxOpenConns int
}

// SQLStorage stores records in a relational table through GORM.
type SQLStorage struct {
	db   *gorm.DB
	kind string
	log  *logger.Logger
}

// gormWriter routes GORM's slow query and error output into the service logger.
type gormWriter struct {
	log *logger.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Warn(fmt.Sprintf(format, args...))
}

func gormConfig(opts SQLOptions, log *logger.Logger) *gorm.Config {
	slow := opts.SlowQuery
	if slow <= 0 {
		slow = defaultSlowQuery
	}
	return &gorm.Config{
		Logger: gormLogger.New(gormWriter{log: log}, gormLogger.Config{
			SlowThreshold:             slow,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		}),
		TranslateError:         true,
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return telemetry.NormalizeTime(time.Now()) },
	}
}

// OpenSQLite opens (creating if needed) a SQLite database file.
// ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string, opts SQLOptions, log *logger.Logger) (*SQLStorage, error) {
	if log == nil {
		log = logger.Default()
	}

	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, apperrors.StorageError("failed to create database directory", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", path, sqliteBusyTimeout)
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(opts, log))
	if err != nil {
		return nil, unavailable("failed to open sqlite database", err)
	}

	// SQLite allows one writer; a single connection serialises appends
	// instead of surfacing SQLITE_BUSY.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, unavailable("failed to access sqlite pool", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return newSQLStorage(ctx, db, KindSQLite, log)
}

// OpenPostgres connects to PostgreSQL.
func OpenPostgres(ctx context.Context, dsn string, opts SQLOptions, log *logger.Logger) (*SQLStorage, error) {
	if log == nil {
		log = logger.Default()
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig(opts, log))
	if err != nil {
		return nil, unavailable("failed to connect to postgres", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, unavailable("failed to access postgres pool", err)
	}
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConn
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	return newSQLStorage(ctx, db, KindPostgres, log)
}

func newSQLStorage(ctx context.Context, db *gorm.DB, kind string, log *logger.Logger) (*SQLStorage, error) {
	s := &SQLStorage{db: db, kind: kind, log: log}
	if err := s.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStorage) migrate(ctx context.Context) error {
	s.log.Info("Migrating storage schema", "table", TableName, "dialect", s.db.Dialector.Name())
	if err := s.db.WithContext(ctx).AutoMigrate(&recordRow{}); err != nil {
		return apperrors.StorageError("schema migration failed", err)
	}
	return nil
}

// Append implements Storage.
func (s *SQLStorage) Append(ctx context.Context, rec *telemetry.Record) (string, error) {
	stored, err := prepare(rec)
	if err != nil {
		return "", err
	}

	if err := s.db.WithContext(ctx).Create(toRow(stored)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || s.exists(ctx, stored.ID) {
			return "", duplicateID(stored.ID)
		}
		return "", writeError(ctx, "append", err)
	}
	return stored.ID, nil
}

// exists reports whether id is already stored. It is only consulted after a
// failed insert, for drivers whose errors GORM does not translate.
func (s *SQLStorage) exists(ctx context.Context, id string) bool {
	if ctx.Err() != nil {
		return false
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&recordRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false
	}
	return n > 0
}

// QueryByApp implements Storage.
func (s *SQLStorage) QueryByApp(ctx context.Context, appID string, tr TimeRange) ([]*telemetry.Record, error) {
	return s.query(ctx, "app_id", appID, tr)
}

// QueryByModel implements Storage.
func (s *SQLStorage) QueryByModel(ctx context.Context, modelName string, tr TimeRange) ([]*telemetry.Record, error) {
	return s.query(ctx, "model_name", modelName, tr)
}

// rangeQuery builds the indexed lookup: equality on the partition column
// and a range on created_at, the exact prefix of the composite index.
func (s *SQLStorage) rangeQuery(ctx context.Context, column, key string, tr TimeRange) *gorm.DB {
	tr = tr.normalized()
	q := s.db.WithContext(ctx).Model(&recordRow{}).Where(column+" = ?", key)
	if !tr.Start.IsZero() {
		q = q.Where("created_at >= ?", tr.Start)
	}
	if !tr.End.IsZero() {
		q = q.Where("created_at < ?", tr.End)
	}
	q = q.Order("created_at ASC").Order("id ASC")
	if tr.Limit > 0 {
		q = q.Limit(tr.Limit)
	}
	return q
}

func (s *SQLStorage) query(ctx context.Context, column, key string, tr TimeRange) ([]*telemetry.Record, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}

	var rows []recordRow
	if err := s.rangeQuery(ctx, column, key, tr).Find(&rows).Error; err != nil {
		return nil, writeError(ctx, "query", err)
	}

	out := make([]*telemetry.Record, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out, nil
}

// Count implements Storage.
func (s *SQLStorage) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&recordRow{}).Count(&n).Error; err != nil {
		return 0, writeError(ctx, "count", err)
	}
	return n, nil
}

// Ping implements Storage.
func (s *SQLStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("database handle unavailable", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("database unreachable", err)
	}
	return nil
}

// Close implements Storage.
func (s *SQLStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Kind names the backend.
func (s *SQLStorage) Kind() string { return s.kind }

// VerifyLayout checks that the table and both composite indexes exist.
func (s *SQLStorage) VerifyLayout(ctx context.Context) error {
	m := s.db.WithContext(ctx).Migrator()
	if !m.HasTable(&recordRow{}) {
		return apperrors.StorageError(fmt.Sprintf("table %s missing", TableName), nil)
	}
	for _, idx := range []string{IndexAppCreated, IndexModelCreated} {
		if !m.HasIndex(&recordRow{}, idx) {
			return apperrors.StorageError(fmt.Sprintf("index %s missing", idx), nil)
		}
	}
	return nil
}
