// Package main provides the aiobs command line client.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aiobs/aiobs/internal/client"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "aiobs",
		Short: "aiobs - LLM telemetry client",
		Long: `aiobs talks to an aiobs-server over HTTP. It records telemetry for single
LLM calls and reads it back by application or by model.

Run 'aiobs --help' for available commands.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("server", "s", envOr("AIOBS_SERVER", "http://localhost:8000"), "server URL")
	rootCmd.PersistentFlags().String("format", "text", "output format (text, json)")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(
		logCmd(),
		queryCmd(),
		statsCmd(),
		healthCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return client.New(client.Config{BaseURL: server, Timeout: timeout})
}

func jsonOutput(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("format")
	return format == "json"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return context.WithTimeout(cmd.Context(), timeout)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client and server version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aiobs %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)

			ctx, cancel := requestContext(cmd)
			defer cancel()
			info, err := newClient(cmd).Version(ctx)
			if err != nil {
				fmt.Printf("  server: unreachable (%v)\n", err)
				return
			}
			fmt.Printf("  server: %s (%s)\n", info.Version, info.GitCommit)
		},
	}
}
