package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aiobs/aiobs/internal/analytics"
	"github.com/aiobs/aiobs/internal/client"
	"github.com/aiobs/aiobs/internal/telemetry"
)

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Record telemetry for one LLM call",
		Long: `Log sends one telemetry record to the server. Text fields given as "-"
are read from stdin.

Examples:
  aiobs log --app-id checkout --model-name llama3 --prompt "hi" --response "hello" --latency-ms 412
  cat answer.txt | aiobs log --app-id checkout --model-name llama3 --prompt "q" --response - --latency-ms 90`,
		RunE: runLog,
	}
	cmd.Flags().String("app-id", "", "calling application")
	cmd.Flags().String("model-name", "", "model that served the call")
	cmd.Flags().String("prompt", "", "prompt text")
	cmd.Flags().String("response", "", "response text")
	cmd.Flags().Float64("latency-ms", 0, "end to end latency in milliseconds")
	cmd.Flags().Int64("token-count", 0, "tokens consumed")
	cmd.Flags().String("timestamp", "", "call time (ISO 8601 or unix epoch seconds), defaults to server time")
	cmd.Flags().String("metadata", "", "metadata as a JSON object")
	return cmd
}

func runLog(cmd *cobra.Command, _ []string) error {
	sub, err := submissionFromFlags(cmd, os.Stdin)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(cmd)
	defer cancel()
	receipt, err := newClient(cmd).Log(ctx, sub)
	if err != nil {
		return err
	}

	if jsonOutput(cmd) {
		return printJSON(receipt)
	}
	fmt.Printf("%s %s\n", receipt.Status, receipt.RequestID)
	return nil
}

// submissionFromFlags only sets fields whose flags were given, so the
// server reports missing required fields itself.
func submissionFromFlags(cmd *cobra.Command, stdin io.Reader) (*telemetry.Submission, error) {
	flags := cmd.Flags()
	sub := &telemetry.Submission{}
	stdinUsed := false

	text := func(name string) (*string, error) {
		if !flags.Changed(name) {
			return nil, nil
		}
		v, _ := flags.GetString(name)
		if v == "-" {
			if stdinUsed {
				return nil, fmt.Errorf("only one field can be read from stdin")
			}
			stdinUsed = true
			b, err := io.ReadAll(stdin)
			if err != nil {
				return nil, fmt.Errorf("failed to read --%s from stdin: %w", name, err)
			}
			v = string(b)
		}
		return &v, nil
	}

	var err error
	for _, f := range []struct {
		name string
		dst  **string
	}{
		{"app-id", &sub.AppID},
		{"model-name", &sub.ModelName},
		{"prompt", &sub.Prompt},
		{"response", &sub.Response},
	} {
		if *f.dst, err = text(f.name); err != nil {
			return nil, err
		}
	}
	if flags.Changed("timestamp") {
		v, _ := flags.GetString("timestamp")
		sub.Timestamp = telemetry.TimestampString(v)
	}

	if flags.Changed("latency-ms") {
		v, _ := flags.GetFloat64("latency-ms")
		sub.LatencyMs = &v
	}
	if flags.Changed("token-count") {
		n, _ := flags.GetInt64("token-count")
		v := float64(n)
		sub.TokenCount = &v
	}
	if flags.Changed("metadata") {
		raw, _ := flags.GetString("metadata")
		if err := json.Unmarshal([]byte(raw), &sub.Metadata); err != nil {
			return nil, fmt.Errorf("--metadata must be a JSON object: %w", err)
		}
	}
	return sub, nil
}

func partitionFlags(cmd *cobra.Command) {
	cmd.Flags().String("app-id", "", "application partition")
	cmd.Flags().String("model-name", "", "model partition")
	cmd.Flags().String("since", "", "inclusive lower bound (RFC 3339)")
	cmd.Flags().String("until", "", "exclusive upper bound (RFC 3339)")
	cmd.MarkFlagsMutuallyExclusive("app-id", "model-name")
}

func queryFromFlags(cmd *cobra.Command) (client.Query, error) {
	var q client.Query
	q.AppID, _ = cmd.Flags().GetString("app-id")
	q.ModelName, _ = cmd.Flags().GetString("model-name")
	if f := cmd.Flags().Lookup("limit"); f != nil {
		q.Limit, _ = cmd.Flags().GetInt("limit")
	}
	for _, f := range []struct {
		name string
		dst  *time.Time
	}{
		{"since", &q.Since},
		{"until", &q.Until},
	} {
		v, _ := cmd.Flags().GetString(f.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return q, fmt.Errorf("invalid --%s: %w", f.name, err)
		}
		*f.dst = t
	}
	return q, nil
}

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List records for one application or model",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := queryFromFlags(cmd)
			if err != nil {
				return err
			}
			if q.AppID == "" && q.ModelName == "" {
				return errors.New("one of --app-id or --model-name is required")
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()
			c := newClient(cmd)
			var res *client.Records
			if q.AppID != "" {
				res, err = c.QueryByApp(ctx, q.AppID, q)
			} else {
				res, err = c.QueryByModel(ctx, q.ModelName, q)
			}
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(res)
			}
			return writeRecords(os.Stdout, res)
		},
	}
	partitionFlags(cmd)
	cmd.Flags().IntP("limit", "n", 0, "maximum records (server default when 0)")
	return cmd
}

func writeRecords(w io.Writer, res *client.Records) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tID\tAPP\tMODEL\tLATENCY\tTOKENS\tPROMPT")
	for _, r := range res.Records {
		tokens := "-"
		if r.TokenCount != nil {
			tokens = fmt.Sprint(*r.TokenCount)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1fms\t%s\t%s\n",
			r.CreatedAt.Format(time.RFC3339Nano), r.ID, r.AppID, r.ModelName,
			r.LatencyMs, tokens, truncate(r.Prompt, 40))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	suffix := ""
	if res.Truncated {
		suffix = " (truncated, raise --limit or narrow the window)"
	}
	_, err := fmt.Fprintf(w, "\n%d records%s\n", res.Count, suffix)
	return err
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show record counts and latency percentiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := queryFromFlags(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()
			stats, err := newClient(cmd).Stats(ctx, q)
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(stats)
			}
			return writeStats(os.Stdout, stats)
		},
	}
	partitionFlags(cmd)
	return cmd
}

func writeStats(w io.Writer, s *client.Stats) error {
	fmt.Fprintf(w, "Total records: %d", s.TotalRecords)
	if s.Backend != "" {
		fmt.Fprintf(w, " (%s)", s.Backend)
	}
	fmt.Fprintln(w)
	if s.Latency == nil {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nKEY\tCOUNT\tMEAN\tP50\tP95\tP99\tTOKENS")
	label := s.AppID + s.ModelName
	writeSummaryRow(tw, label, *s.Latency)

	keys := make([]string, 0, len(s.Breakdown))
	for k := range s.Breakdown {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeSummaryRow(tw, "  "+k, s.Breakdown[k])
	}
	return tw.Flush()
}

func writeSummaryRow(w io.Writer, key string, l analytics.LatencySummary) {
	fmt.Fprintf(w, "%s\t%d\t%.1fms\t%.1fms\t%.1fms\t%.1fms\t%d\n",
		key, l.Count, l.MeanMs, l.P50Ms, l.P95Ms, l.P99Ms, l.Tokens)
}

func healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			c := newClient(cmd)

			detailed, _ := cmd.Flags().GetBool("detailed")
			if !detailed {
				res, err := c.Health(ctx)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(res)
				}
				fmt.Println(res.Status)
				return nil
			}

			report, err := c.DetailedHealth(ctx)
			if report == nil {
				return err
			}
			if jsonOutput(cmd) {
				if perr := printJSON(report); perr != nil {
					return perr
				}
				return err
			}

			fmt.Printf("Status:  %s\nVersion: %s\nUptime:  %s\n", report.Status, report.Version,
				time.Duration(report.UptimeSeconds)*time.Second)
			if report.Records != nil {
				fmt.Printf("Records: %d\n", *report.Records)
			}
			names := make([]string, 0, len(report.Checks))
			for name := range report.Checks {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				check := report.Checks[name]
				fmt.Printf("  %-8s %-10s %s\n", name, check.Status, check.Message)
			}
			return err
		},
	}
	cmd.Flags().Bool("detailed", false, "show dependency checks")
	return cmd
}
