// Package main provides the taskloop CLI.
//
// taskloop turns inbound user events into durable, multi-step tasks that a
// language model advances one step at a time through tool calls.
//
// # Basic Usage
//
// Start the worker:
//
//	taskloop serve --config taskloop.yaml
//
// Send an event:
//
//	taskloop ingest --user u1 --session s1 "remind me when the invoice email arrives"
//
// Manage database migrations:
//
//	taskloop migrate up
//	taskloop migrate status
//
// # Environment Variables
//
//   - TASKLOOP_CONFIG: Path to the configuration file (default: taskloop.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY: provider keys used
//     when the config file leaves api_key empty
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "taskloop",
		Short: "taskloop - durable LLM task orchestration",
		Long: `taskloop dispatches inbound events to a language model that acts through
tools, and advances long-running tasks one persisted step at a time.

Supported LLM providers: Anthropic, OpenAI, Gemini
Storage: CockroachDB, or in-memory for local runs`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file (or set TASKLOOP_CONFIG)")

	rootCmd.AddCommand(
		buildServeCmd(&configPath),
		buildIngestCmd(&configPath),
		buildTasksCmd(&configPath),
		buildSweepCmd(&configPath),
		buildRecoverCmd(&configPath),
		buildMigrateCmd(&configPath),
		buildConfigCmd(&configPath),
	)
	return rootCmd
}
