package main

import (
	"time"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the job worker.
func buildServeCmd(configPath *string) *cobra.Command {
	var (
		migrate         bool
		debug           bool
		shutdownTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher and continuation worker",
		Long: `Start the job worker. It handles inbound events and task steps until
interrupted, then waits for in-flight jobs before exiting.`,
		Example: `  taskloop serve --config taskloop.yaml
  taskloop serve --migrate --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, *configPath, migrate, debug, shutdownTimeout)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending database migrations before starting")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "How long to wait for in-flight jobs on shutdown")
	return cmd
}

// buildIngestCmd creates the "ingest" command that enqueues one event.
func buildIngestCmd(configPath *string) *cobra.Command {
	var opts ingestOptions
	cmd := &cobra.Command{
		Use:   "ingest <text>",
		Short: "Send an inbound event to the dispatcher",
		Long: `Enqueue an event for a user. With --wait, or with the in-memory database
driver, the event and every task step it causes run in this process and the
user's tasks are printed when the queue is empty.`,
		Example: `  taskloop ingest --user u1 --session s1 "tell me when Dana replies"
  taskloop ingest --user u1 --source webhook --meta provider=gmail "new email"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.text = args[0]
			return runIngest(cmd, *configPath, opts)
		},
	}
	cmd.Flags().StringVar(&opts.userID, "user", "", "User the event belongs to (required)")
	cmd.Flags().StringVar(&opts.source, "source", "cli", "Where the event came from")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "Chat session to record the message in and reply to")
	cmd.Flags().StringToStringVar(&opts.metadata, "meta", nil, "Extra metadata as key=value pairs")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "Run the event and its task steps in this process")
	cmd.Flags().IntVar(&opts.maxJobs, "max-jobs", 100, "Upper bound on jobs run with --wait")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// buildTasksCmd creates the "tasks" command group.
func buildTasksCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect tasks",
	}

	var (
		userID string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List a user's open tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksList(cmd, *configPath, userID, limit)
		},
	}
	list.Flags().StringVar(&userID, "user", "", "User whose tasks to list (required)")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum number of tasks")
	_ = list.MarkFlagRequired("user")

	show := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Print one task with its step log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksShow(cmd, *configPath, args[0])
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

// buildSweepCmd creates the "sweep" command that backfills embeddings.
func buildSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Embed tasks and messages that are missing a vector",
		Long: `Run one embedding backfill pass over tasks and chat messages stored
without a vector, for example after the embedding provider was down.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, *configPath)
		},
	}
}

// buildRecoverCmd creates the "recover" command that re-enqueues stalled tasks.
func buildRecoverCmd(configPath *string) *cobra.Command {
	var after time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Re-enqueue the next step of stalled tasks",
		Long: `Run one recovery pass: every open task that has not been written for
--after gets its current step enqueued again. Steps still queued are not
duplicated, and steps held by a live worker are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(cmd, *configPath, after)
		},
	}
	cmd.Flags().DurationVar(&after, "after", 0, "Minimum idle time before a task is recovered (default engine.recover_after)")
	return cmd
}

// buildMigrateCmd creates the "migrate" command group.
func buildMigrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migration commands",
		Long:  `Manage the CockroachDB schema for tasks, messages, instructions, and jobs.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrateUp(cmd, *configPath)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrateDown(cmd, *configPath)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrateStatus(cmd, *configPath)
			},
		},
	)
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON Schema of the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd, *configPath)
			},
		},
	)
	return cmd
}
