package analytics

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/aiobs/aiobs/internal/telemetry"
)

// RecordRow is the Parquet layout of one telemetry record.
type RecordRow struct {
	ID          string  `parquet:"id,zstd"`
	AppID       string  `parquet:"app_id,zstd"`
	ModelName   string  `parquet:"model_name,zstd"`
	Prompt      string  `parquet:"prompt,zstd"`
	Response    string  `parquet:"response,zstd"`
	LatencyMs   float64 `parquet:"latency_ms"`
	TokenCount  *int64  `parquet:"token_count,optional"`
	CreatedAtUs int64   `parquet:"created_at_us"`
	Metadata    string  `parquet:"metadata,optional,zstd"`
}

// Compression names accepted by ParseCompression.
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionZstd   = "zstd"
	CompressionGzip   = "gzip"
)

// ParseCompression maps a codec name onto a parquet codec. Unknown names
// select zstd.
func ParseCompression(name string) compress.Codec {
	switch name {
	case CompressionNone:
		return &parquet.Uncompressed
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Zstd
	}
}

// ToRow converts a record to its Parquet row.
func ToRow(rec *telemetry.Record) (RecordRow, error) {
	row := RecordRow{
		ID:          rec.ID,
		AppID:       rec.AppID,
		ModelName:   rec.ModelName,
		Prompt:      rec.Prompt,
		Response:    rec.Response,
		LatencyMs:   rec.LatencyMs,
		CreatedAtUs: rec.CreatedAt.UnixMicro(),
	}
	if rec.TokenCount != nil {
		tc := int64(*rec.TokenCount)
		row.TokenCount = &tc
	}
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return RecordRow{}, fmt.Errorf("encode metadata for %s: %w", rec.ID, err)
		}
		row.Metadata = string(b)
	}
	return row, nil
}

// FromRow converts a Parquet row back to a record.
func FromRow(row *RecordRow) (*telemetry.Record, error) {
	rec := &telemetry.Record{
		ID:        row.ID,
		AppID:     row.AppID,
		ModelName: row.ModelName,
		Prompt:    row.Prompt,
		Response:  row.Response,
		LatencyMs: row.LatencyMs,
		CreatedAt: time.UnixMicro(row.CreatedAtUs).UTC(),
	}
	if row.TokenCount != nil {
		tc := int(*row.TokenCount)
		rec.TokenCount = &tc
	}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", row.ID, err)
		}
	}
	return rec, nil
}

// WriteParquet writes recs to w and returns the number of rows written.
func WriteParquet(w io.Writer, recs []*telemetry.Record, compression string) (int, error) {
	rows := make([]RecordRow, 0, len(recs))
	for _, rec := range recs {
		row, err := ToRow(rec)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}

	writer := parquet.NewGenericWriter[RecordRow](w, parquet.Compression(ParseCompression(compression)))
	n, err := writer.Write(rows)
	if err != nil {
		return n, fmt.Errorf("write rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return n, fmt.Errorf("close writer: %w", err)
	}
	return n, nil
}

// ExportFile writes recs to a new Parquet file at path, creating parent
// directories as needed.
func ExportFile(path string, recs []*telemetry.Record, compression string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	n, werr := WriteParquet(f, recs, compression)
	if cerr := f.Close(); werr == nil && cerr != nil {
		werr = fmt.Errorf("close file: %w", cerr)
	}
	if werr != nil {
		_ = os.Remove(path)
		return 0, werr
	}
	return n, nil
}

// ReadFile reads every record from a Parquet file written by ExportFile.
func ReadFile(path string) ([]*telemetry.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[RecordRow](f)
	defer reader.Close()

	rows := make([]RecordRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	recs := make([]*telemetry.Record, 0, n)
	for i := 0; i < n; i++ {
		rec, err := FromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
