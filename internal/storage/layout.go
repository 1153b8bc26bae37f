package storage

import (
	"fmt"
	"io"
	"strings"
)

// Column describes one persisted field.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Note     string `json:"note,omitempty"`
}

// Index describes a composite secondary index.
type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Purpose string   `json:"purpose"`
}

// Layout is the persisted shape that downstream consumers read from.
type Layout struct {
	Table     string   `json:"table"`
	Columns   []Column `json:"columns"`
	Indexes   []Index  `json:"indexes"`
	RedisKeys []string `json:"redis_keys"`
}

// Describe returns the persisted layout shared by all backends.
func Describe() Layout {
	return Layout{
		Table: TableName,
		Columns: []Column{
			{Name: "id", Type: "varchar(36)", Note: "primary key, UUIDv4"},
			{Name: "app_id", Type: "varchar(255)"},
			{Name: "model_name", Type: "varchar(255)"},
			{Name: "prompt", Type: "text"},
			{Name: "response", Type: "text"},
			{Name: "latency_ms", Type: "double"},
			{Name: "token_count", Type: "bigint", Nullable: true},
			{Name: "created_at", Type: "timestamp", Note: "UTC, microsecond precision"},
			{Name: "metadata", Type: "json", Nullable: true, Note: "opaque, no schema enforced"},
		},
		Indexes: []Index{
			{Name: IndexAppCreated, Columns: []string{"app_id", "created_at"}, Purpose: "records for one application ordered by time"},
			{Name: IndexModelCreated, Columns: []string{"model_name", "created_at"}, Purpose: "records for one model ordered by time"},
		},
		RedisKeys: []string{
			DefaultRedisPrefix + "rec:{id} (hash)",
			DefaultRedisPrefix + "idx:app:{app_id} (zset, score created_at µs, exact up to 2^53)",
			DefaultRedisPrefix + "idx:model:{model_name} (zset, score created_at µs, exact up to 2^53)",
			DefaultRedisPrefix + "count (string)",
		},
	}
}

// Write renders the layout as text.
func (l Layout) Write(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s\n\nColumns:\n", l.Table)
	for _, c := range l.Columns {
		null := "NOT NULL"
		if c.Nullable {
			null = "NULL"
		}
		fmt.Fprintf(&b, "  %-12s %-13s %-8s", c.Name, c.Type, null)
		if c.Note != "" {
			fmt.Fprintf(&b, " %s", c.Note)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nIndexes:\n")
	for _, idx := range l.Indexes {
		fmt.Fprintf(&b, "  %-18s (%s)  %s\n", idx.Name, strings.Join(idx.Columns, ", "), idx.Purpose)
	}
	b.WriteString("\nRedis keys:\n")
	for _, k := range l.RedisKeys {
		fmt.Fprintf(&b, "  %s\n", k)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
