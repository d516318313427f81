package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/taskloop/internal/app"
	"github.com/haasonsaas/taskloop/internal/config"
	"github.com/haasonsaas/taskloop/internal/dispatch"
	"github.com/haasonsaas/taskloop/internal/engine"
	"github.com/haasonsaas/taskloop/internal/jobs"
	"github.com/haasonsaas/taskloop/internal/memory"
	"github.com/haasonsaas/taskloop/internal/observability"
	"github.com/haasonsaas/taskloop/internal/storage"
	"github.com/haasonsaas/taskloop/internal/tasks"
)

const defaultConfigName = "taskloop.yaml"

// resolveConfigPath picks the flag, then TASKLOOP_CONFIG, then
// ./taskloop.yaml when it exists. An empty result means built-in defaults.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("TASKLOOP_CONFIG")); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}

func loadConfig(path string) (*config.Config, error) {
	path = resolveConfigPath(path)
	if path == "" {
		slog.Info("no config file found, using defaults")
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		Output:    os.Stderr,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)
	return logger
}

// runServe loads the config, optionally migrates, and runs until SIGINT or
// SIGTERM.
func runServe(cmd *cobra.Command, configPath string, migrate, debug bool, shutdownTimeout time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, debug)
	logger.Info("starting taskloop", "version", version, "commit", commit)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if migrate && cfg.Database.Driver == "cockroach" {
		if err := migrateUp(ctx, cfg, logger); err != nil {
			return err
		}
	}

	a, err := app.New(ctx, cfg, app.Options{Version: version, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()
	return a.Run(ctx, shutdownTimeout)
}

type ingestOptions struct {
	text      string
	userID    string
	source    string
	sessionID string
	metadata  map[string]string
	wait      bool
	maxJobs   int
}

func (o ingestOptions) event() dispatch.Event {
	ev := dispatch.Event{Text: o.text, UserID: o.userID, Source: o.source}
	if len(o.metadata) > 0 || o.sessionID != "" {
		ev.Metadata = map[string]any{}
		for k, v := range o.metadata {
			ev.Metadata[k] = v
		}
		if o.sessionID != "" {
			ev.Metadata["session_id"] = o.sessionID
		}
	}
	return ev
}

// runIngest enqueues one event. In-process runs drain the queue and print
// the resulting tasks.
func runIngest(cmd *cobra.Command, configPath string, opts ingestOptions) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, false)
	ctx := cmd.Context()

	a, err := app.New(ctx, cfg, app.Options{Version: version, Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	job, err := a.Ingest(ctx, opts.event())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !opts.wait && cfg.Database.Driver != "memory" {
		fmt.Fprintf(out, "enqueued %s\n", job.ID)
		return nil
	}

	ran, err := a.Worker.Drain(ctx, opts.maxJobs)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "ran %d jobs\n", ran)

	open, err := a.Stores.Tasks.ListOpen(ctx, opts.userID, 0)
	if err != nil {
		return err
	}
	return writeJSON(out, open)
}

func runTasksList(cmd *cobra.Command, configPath, userID string, limit int) error {
	stores, err := openStores(configPath)
	if err != nil {
		return err
	}
	defer stores.Close()

	open, err := stores.Tasks.ListOpen(cmd.Context(), userID, limit)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), open)
}

func runTasksShow(cmd *cobra.Command, configPath, taskID string) error {
	stores, err := openStores(configPath)
	if err != nil {
		return err
	}
	defer stores.Close()

	task, err := stores.Tasks.Get(cmd.Context(), taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}
	task.Embedding = nil
	return writeJSON(cmd.OutOrStdout(), task)
}

// runSweep embeds every stored task and message that lacks a vector.
func runSweep(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, false)
	if !cfg.EmbeddingsEnabled() {
		return errors.New("embeddings are disabled in the config")
	}
	stores, err := openStoresFor(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	provider, closeProvider, err := memory.NewProvider(cmd.Context(), cfg.Memory.Embeddings)
	if err != nil {
		return fmt.Errorf("embedding provider: %w", err)
	}
	if closeProvider != nil {
		defer closeProvider()
	}

	mgr := memory.NewManager(cfg.Memory, provider, stores.Tasks, stores.Messages, nil, logger)
	report, err := mgr.Sweeper.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "embedded %d tasks and %d messages (%d failed)\n",
		report.TasksEmbedded, report.MessagesEmbedded, report.Failed)
	return nil
}

// runRecover re-enqueues stalled tasks once against the shared database.
func runRecover(cmd *cobra.Command, configPath string, after time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, false)
	if cfg.Database.Driver != "cockroach" {
		return fmt.Errorf("this command needs the cockroach driver, config uses %q", cfg.Database.Driver)
	}
	stores, db, err := storage.NewCockroachStoresFromDSN(cfg.Database.URL, app.PoolConfig(cfg.Database))
	if err != nil {
		return err
	}
	defer stores.Close()

	locker, err := tasks.NewDBLocker(db, tasks.DBLockerConfig{
		OwnerID: "recover-" + uuid.NewString(),
		TTL:     cfg.Database.LockTTL,
		Logger:  logger.With("component", "task-locker"),
	})
	if err != nil {
		return err
	}
	defer locker.Close()

	if after <= 0 {
		after = cfg.Engine.RecoverAfter
	}
	scheduler := engine.NewScheduler(jobs.NewCockroachQueue(db), cfg.Queue.MaxAttempts, logger)
	recoverer := engine.NewRecoverer(stores.Tasks, scheduler, locker, engine.RecoverConfig{After: after}, logger)
	report, err := recoverer.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "re-enqueued %d tasks (%d busy, %d failed)\n",
		report.Requeued, report.Busy, report.Failed)
	return nil
}

func runMigrateUp(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	return migrateUp(cmd.Context(), cfg, newLogger(cfg, false))
}

func migrateUp(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	migrator, db, err := openMigrator(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := migrator.Up(ctx)
	for _, id := range applied {
		logger.Info("applied migration", "id", id)
	}
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		logger.Info("no pending migrations")
	}
	return nil
}

func runMigrateDown(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	migrator, db, err := openMigrator(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rolled, err := migrator.Down(cmd.Context())
	if err != nil {
		return err
	}
	if rolled == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "No migrations to roll back.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %s\n", rolled)
	return nil
}

func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	migrator, db, err := openMigrator(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	pending, err := migrator.Pending(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(pending) == 0 {
		fmt.Fprintln(out, "Schema is up to date.")
		return nil
	}
	fmt.Fprintf(out, "%d pending:\n", len(pending))
	for _, m := range pending {
		fmt.Fprintf(out, "  %s\n", m.ID)
	}
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	path := resolveConfigPath(configPath)
	if path == "" {
		return errors.New("no config file given and ./taskloop.yaml does not exist")
	}
	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
	return nil
}

func openMigrator(cfg *config.Config) (*storage.Migrator, *sql.DB, error) {
	if cfg.Database.Driver != "cockroach" {
		return nil, nil, fmt.Errorf("migrations need the cockroach driver, config uses %q", cfg.Database.Driver)
	}
	db, err := storage.OpenCockroach(cfg.Database.URL, app.PoolConfig(cfg.Database))
	if err != nil {
		return nil, nil, err
	}
	migrator, err := storage.NewMigrator(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return migrator, db, nil
}

func openStores(configPath string) (storage.StoreSet, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return storage.StoreSet{}, err
	}
	return openStoresFor(cfg)
}

// openStoresFor opens the database stores. The in-memory driver has nothing
// to inspect from a separate process.
func openStoresFor(cfg *config.Config) (storage.StoreSet, error) {
	if cfg.Database.Driver != "cockroach" {
		return storage.StoreSet{}, fmt.Errorf("this command needs the cockroach driver, config uses %q", cfg.Database.Driver)
	}
	stores, _, err := storage.NewCockroachStoresFromDSN(cfg.Database.URL, app.PoolConfig(cfg.Database))
	return stores, err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
