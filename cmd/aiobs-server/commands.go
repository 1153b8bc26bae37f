package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/aiobs/aiobs/internal/analytics"
	"github.com/aiobs/aiobs/internal/bus"
	"github.com/aiobs/aiobs/internal/storage"
	"github.com/aiobs/aiobs/internal/telemetry"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aiobs-server %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
			fmt.Printf("  go:     %s\n", runtime.Version())
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Print(cfg.Summary())
			return nil
		},
	}
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the record layout and optionally verify it against the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := storage.Describe().Write(os.Stdout); err != nil {
				return err
			}

			verify, _ := cmd.Flags().GetBool("verify")
			if !verify {
				return nil
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			store, err := storage.Open(ctx, cfg.Database, log)
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer store.Close()

			sqlStore, ok := store.(*storage.SQLStorage)
			if !ok {
				fmt.Printf("\nBackend %s has no SQL layout to verify\n", cfg.Database.Redacted())
				return nil
			}
			if err := sqlStore.VerifyLayout(ctx); err != nil {
				return err
			}
			fmt.Printf("\nLayout verified on %s\n", cfg.Database.Redacted())
			return nil
		},
	}
	cmd.Flags().Bool("verify", false, "check tables and indexes in the configured database")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export records for one application or model to a Parquet file",
		Long: `Export reads records through the same composite indexes as the query API
and writes them to a Parquet file for offline analysis.

Examples:
  aiobs-server export --app-id checkout --out checkout.parquet
  aiobs-server export --model-name llama3 --since 2026-01-01T00:00:00Z --out llama3.parquet`,
		RunE: runExport,
	}
	cmd.Flags().String("app-id", "", "application to export")
	cmd.Flags().String("model-name", "", "model to export")
	cmd.Flags().String("since", "", "inclusive lower bound (RFC 3339)")
	cmd.Flags().String("until", "", "exclusive upper bound (RFC 3339)")
	cmd.Flags().StringP("out", "o", "records.parquet", "output file")
	cmd.Flags().String("compression", "zstd", "compression codec: zstd, snappy, gzip, none")
	cmd.MarkFlagsMutuallyExclusive("app-id", "model-name")
	cmd.MarkFlagsOneRequired("app-id", "model-name")
	return cmd
}

func runExport(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	tr, err := timeRangeFlags(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := storage.Open(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	appID, _ := cmd.Flags().GetString("app-id")
	modelName, _ := cmd.Flags().GetString("model-name")

	var recs []*telemetry.Record
	if appID != "" {
		recs, err = store.QueryByApp(ctx, appID, tr)
	} else {
		recs, err = store.QueryByModel(ctx, modelName, tr)
	}
	if err != nil {
		return err
	}

	out, _ := cmd.Flags().GetString("out")
	compression, _ := cmd.Flags().GetString("compression")
	n, err := analytics.ExportFile(out, recs, compression)
	if err != nil {
		return err
	}

	summary, err := analytics.Summarize(recs)
	if err != nil {
		return err
	}
	fmt.Printf("Exported %d records to %s\n", n, out)
	if summary.Count > 0 {
		fmt.Printf("  latency p50 %.1fms  p95 %.1fms  p99 %.1fms\n", summary.P50Ms, summary.P95Ms, summary.P99Ms)
	}
	return nil
}

func timeRangeFlags(cmd *cobra.Command) (storage.TimeRange, error) {
	var tr storage.TimeRange
	for _, f := range []struct {
		name string
		dst  *time.Time
	}{
		{"since", &tr.Start},
		{"until", &tr.End},
	} {
		v, _ := cmd.Flags().GetString(f.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return tr, fmt.Errorf("invalid --%s: %w", f.name, err)
		}
		*f.dst = t
	}
	return tr, tr.Validate()
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay journaled events into the configured bus",
		Long: `Replay republishes events from the event journal so downstream consumers
can catch up after an outage. With --dry-run the matching events are printed
as JSON lines instead.`,
		RunE: runReplay,
	}
	cmd.Flags().String("journal", "", "journal path (defaults to the configured event log)")
	cmd.Flags().String("since", "", "only events after this time (RFC 3339)")
	cmd.Flags().String("topic", bus.TopicTelemetryRecorded, "topic to replay, empty for all")
	cmd.Flags().Int("limit", 0, "maximum events to replay, 0 for all")
	cmd.Flags().Bool("dry-run", false, "print events without publishing")
	return cmd
}

func runReplay(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	path, _ := cmd.Flags().GetString("journal")
	if path == "" {
		path = cfg.Bus.EventLogPath
	}

	filter := bus.EventFilter{}
	filter.Topic, _ = cmd.Flags().GetString("topic")
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	if since, _ := cmd.Flags().GetString("since"); since != "" {
		filter.Since, err = time.Parse(time.RFC3339Nano, since)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
	}

	journal := bus.OpenEventLog(path)

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		events, err := journal.GetEvents(filter)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	// Replayed events must not be journaled a second time.
	target, err := bus.NewBus(cfg.Bus, log)
	if err != nil {
		return err
	}
	defer target.Close()

	n, err := journal.Replay(cmd.Context(), target, filter)
	if err != nil {
		return fmt.Errorf("replayed %d events before failing: %w", n, err)
	}
	log.Info("Replay complete", "events", n, "journal", path, "bus", cfg.Bus.Type)
	return nil
}
