// Package app assembles the stores, model gateways, tool catalog, engine,
// dispatcher, and job worker from a loaded configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/taskloop/internal/config"
	"github.com/haasonsaas/taskloop/internal/dispatch"
	"github.com/haasonsaas/taskloop/internal/engine"
	"github.com/haasonsaas/taskloop/internal/jobs"
	"github.com/haasonsaas/taskloop/internal/llm"
	"github.com/haasonsaas/taskloop/internal/llm/providers"
	"github.com/haasonsaas/taskloop/internal/memory"
	"github.com/haasonsaas/taskloop/internal/memory/embeddings"
	"github.com/haasonsaas/taskloop/internal/observability"
	"github.com/haasonsaas/taskloop/internal/prompts"
	"github.com/haasonsaas/taskloop/internal/retry"
	"github.com/haasonsaas/taskloop/internal/storage"
	"github.com/haasonsaas/taskloop/internal/tasks"
	"github.com/haasonsaas/taskloop/internal/tools"
	"github.com/haasonsaas/taskloop/internal/tools/catalog"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// Options override pieces of the assembly. Zero values build everything
// from the configuration.
type Options struct {
	Version string

	// Registerer receives the metrics. Defaults to the global registry.
	Registerer prometheus.Registerer

	// Gateway replaces the configured providers.
	Gateway llm.Gateway

	// Embeddings replaces the configured embedding provider.
	Embeddings embeddings.Provider

	Logger *slog.Logger
}

// App is a fully wired taskloop instance.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Stores     storage.StoreSet
	DB         *sql.DB
	Queue      jobs.Queue
	Locker     tasks.Locker
	Memory     *memory.Manager
	Catalog    *catalog.Catalog
	Gateway    llm.Gateway
	Prompts    *prompts.Source
	Scheduler  *engine.Scheduler
	Engine     *engine.Engine
	Recoverer  *engine.Recoverer
	Dispatcher *dispatch.Dispatcher
	Worker     *jobs.Worker

	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	workerID string
	closers  []func(context.Context) error
}

// New builds an App. Close releases everything New opened, including on
// the error path.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Config:   cfg,
		Logger:   logger,
		workerID: uuid.NewString(),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a.Metrics = observability.NewMetrics(reg)

	tracer, shutdown, err := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: opts.Version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Insecure:       cfg.Observability.Tracing.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.Tracer = tracer
	a.onClose(shutdown)

	base, locker, err := a.openStores()
	if err != nil {
		return nil, err
	}
	a.Stores = base
	a.Locker = locker

	if err := a.buildMemory(ctx, opts.Embeddings); err != nil {
		return nil, err
	}
	if a.Memory != nil {
		a.Stores.Tasks = a.Memory.Tasks(base.Tasks)
		a.Stores.Messages = a.Memory.Messages(base.Messages)
	}

	deps := catalog.Deps{Stores: a.Stores, Locker: locker}
	if a.Memory != nil {
		deps.Searcher = a.Memory.Searcher
	}
	a.Catalog, err = catalog.Build(deps,
		tools.WithTimeout(cfg.Engine.ToolTimeout),
		tools.WithMetrics(a.Metrics),
		tools.WithTracer(a.Tracer),
		tools.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	a.Gateway = opts.Gateway
	if a.Gateway == nil {
		a.Gateway, err = BuildGateway(ctx, cfg.LLM, a.Metrics, a.Tracer, logger)
		if err != nil {
			return nil, err
		}
	}

	a.Prompts, err = prompts.NewSource(cfg.Prompts.Path, cfg.Prompts.Version, logger)
	if err != nil {
		return nil, fmt.Errorf("prompts: %w", err)
	}
	a.onClose(func(context.Context) error { return a.Prompts.Close() })

	a.Scheduler = engine.NewScheduler(a.Queue, cfg.Queue.MaxAttempts, logger)

	a.Engine, err = engine.New(engine.Deps{
		Tasks:     a.Stores.Tasks,
		Messages:  a.Stores.Messages,
		Gateway:   a.Gateway,
		Tools:     a.Catalog.Continuation,
		Prompts:   a.Prompts,
		Scheduler: a.Scheduler,
		Locker:    locker,
		Metrics:   a.Metrics,
		Tracer:    a.Tracer,
		Logger:    logger,
	}, engine.Config{
		Model:           cfg.Engine.Model,
		MaxTokens:       cfg.Engine.MaxTokens,
		MaxSteps:        cfg.Engine.MaxSteps,
		MaxContextSteps: cfg.Engine.MaxContextSteps,
	})
	if err != nil {
		return nil, err
	}

	a.Recoverer = engine.NewRecoverer(a.Stores.Tasks, a.Scheduler, locker, engine.RecoverConfig{
		After: cfg.Engine.RecoverAfter,
	}, logger)

	a.Dispatcher, err = dispatch.New(dispatch.Deps{
		Tasks:        a.Stores.Tasks,
		Instructions: a.Stores.Instructions,
		Messages:     a.Stores.Messages,
		Gateway:      a.Gateway,
		Tools:        a.Catalog.Dispatcher,
		Prompts:      a.Prompts,
		Scheduler:    a.Scheduler,
		Metrics:      a.Metrics,
		Tracer:       a.Tracer,
		Logger:       logger,
	}, dispatch.Config{
		Model:        cfg.Dispatcher.Model,
		MaxTokens:    cfg.Dispatcher.MaxTokens,
		MaxOpenTasks: cfg.Dispatcher.MaxOpenTasks,
	})
	if err != nil {
		return nil, err
	}

	jitter := cfg.Queue.Backoff.Jitter == nil || *cfg.Queue.Backoff.Jitter
	a.Worker = jobs.NewWorker(a.Queue, jobs.WorkerConfig{
		WorkerID:        a.workerID,
		AcquireInterval: cfg.Queue.PollInterval,
		Lease:           cfg.Queue.Lease,
		MaxConcurrency:  cfg.Queue.Concurrency,
		CleanupInterval: cfg.Queue.CleanupInterval,
		Backoff: retry.Config{
			InitialDelay: cfg.Queue.Backoff.Initial,
			MaxDelay:     cfg.Queue.Backoff.Max,
			Factor:       cfg.Queue.Backoff.Factor,
			Jitter:       jitter,
		},
		Metrics: a.Metrics,
		Logger:  logger,
	})
	a.Worker.Register(engine.JobKind, jobs.HandlerFunc(a.Engine.Handle))
	a.Worker.Register(dispatch.JobKind, jobs.HandlerFunc(a.Dispatcher.Job))

	return a, nil
}

func (a *App) openStores() (storage.StoreSet, tasks.Locker, error) {
	cfg := a.Config.Database
	if cfg.Driver == "memory" {
		a.Logger.Warn("using in-memory stores; tasks do not survive a restart")
		a.Queue = jobs.NewMemoryQueue()
		return storage.NewMemoryStores(), tasks.NewLocalLocker(), nil
	}

	stores, db, err := storage.NewCockroachStoresFromDSN(cfg.URL, PoolConfig(cfg))
	if err != nil {
		return storage.StoreSet{}, nil, err
	}
	a.DB = db
	a.onClose(func(context.Context) error { return stores.Close() })
	a.Queue = jobs.NewCockroachQueue(db)

	locker, err := tasks.NewDBLocker(db, tasks.DBLockerConfig{
		OwnerID: a.workerID,
		TTL:     cfg.LockTTL,
		Logger:  a.Logger.With("component", "task-locker"),
	})
	if err != nil {
		return storage.StoreSet{}, nil, err
	}
	a.onClose(func(context.Context) error { return locker.Close() })
	return stores, locker, nil
}

// PoolConfig maps the database section onto the connection pool.
func PoolConfig(cfg config.DatabaseConfig) storage.PoolConfig {
	return storage.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnectTimeout:  cfg.ConnectTimeout,
	}
}

func (a *App) buildMemory(ctx context.Context, provider embeddings.Provider) error {
	if provider == nil {
		if !a.Config.EmbeddingsEnabled() {
			return nil
		}
		built, closeFn, err := memory.NewProvider(ctx, a.Config.Memory.Embeddings)
		if err != nil {
			// Memory search is optional; the engine runs without it.
			a.Logger.Warn("semantic memory disabled", "error", err)
			return nil
		}
		provider = built
		if closeFn != nil {
			a.onClose(func(context.Context) error { return closeFn() })
		}
	}
	a.Memory = memory.NewManager(a.Config.Memory, provider, a.Stores.Tasks, a.Stores.Messages, a.Metrics, a.Logger)
	return nil
}

// BuildGateway creates the default provider followed by the fallback chain,
// each instrumented, behind one failover gateway.
func BuildGateway(ctx context.Context, cfg config.LLMConfig, metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) (llm.Gateway, error) {
	names := append([]string{cfg.DefaultProvider}, cfg.FallbackChain...)
	seen := map[string]bool{}
	var gateways []llm.Gateway
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		gw, err := newProviderGateway(ctx, name, cfg.Providers[name])
		if err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", name, err)
		}
		gateways = append(gateways, llm.Instrument(gw, metrics, tracer, logger))
	}
	return llm.NewFailover(retry.Config{
		MaxAttempts:  cfg.Retries,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2,
		Jitter:       true,
	}, logger, gateways...)
}

var apiKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

func newProviderGateway(ctx context.Context, name string, pc config.LLMProviderConfig) (llm.Gateway, error) {
	apiKey := strings.TrimSpace(pc.APIKey)
	if apiKey == "" {
		apiKey = os.Getenv(apiKeyEnv[name])
	}
	switch name {
	case "anthropic":
		return providers.NewAnthropicGateway(providers.AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			MaxTokens:    pc.MaxTokens,
		})
	case "openai":
		return providers.NewOpenAIGateway(providers.OpenAIConfig{
			APIKey:       apiKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			MaxTokens:    pc.MaxTokens,
		})
	case "gemini":
		return providers.NewGeminiGateway(ctx, providers.GeminiConfig{
			APIKey:       apiKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			MaxTokens:    pc.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
}

// Ingest records the event's text in its chat session, when it names one,
// and enqueues it for the dispatcher.
func (a *App) Ingest(ctx context.Context, ev dispatch.Event) (*jobs.Job, error) {
	if strings.TrimSpace(ev.UserID) == "" || strings.TrimSpace(ev.Text) == "" {
		return nil, errors.New("event needs a user id and text")
	}
	if sessionID := ev.SessionID(); sessionID != "" {
		msg := &models.Message{
			ID:         uuid.NewString(),
			UserID:     ev.UserID,
			SessionID:  sessionID,
			Role:       models.RoleUser,
			Content:    ev.Text,
			InsertedAt: time.Now().UTC(),
		}
		if err := a.Stores.Messages.Create(ctx, msg); err != nil {
			return nil, fmt.Errorf("record user message: %w", err)
		}
	}
	job, err := jobs.NewJob(dispatch.JobKind, ev)
	if err != nil {
		return nil, err
	}
	job.MaxAttempts = a.Config.Queue.MaxAttempts
	if err := a.Queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue event: %w", err)
	}
	a.Logger.Info("event enqueued", "job_id", job.ID, "user_id", ev.UserID, "source", ev.Source)
	return job, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
