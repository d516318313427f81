// Package config loads the taskloop configuration file.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/taskloop/internal/memory"
)

// Config is the main configuration structure for taskloop.
type Config struct {
	Version       int                 `yaml:"version"`
	Database      DatabaseConfig      `yaml:"database"`
	LLM           LLMConfig           `yaml:"llm"`
	Memory        memory.Config       `yaml:"memory"`
	Queue         QueueConfig         `yaml:"queue"`
	Engine        EngineConfig        `yaml:"engine"`
	Dispatcher    DispatcherConfig    `yaml:"dispatcher"`
	Prompts       PromptsConfig       `yaml:"prompts"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	// Driver is "memory" or "cockroach". The memory driver keeps nothing
	// across restarts and is meant for local runs and demos.
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`

	// LockTTL is the lease of the per-task step lock.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// FallbackChain lists providers tried after the default one fails with
	// a retryable error, in order.
	FallbackChain []string `yaml:"fallback_chain"`

	// Retries bounds attempts against one provider before falling back.
	Retries int `yaml:"retries"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
	MaxTokens    int    `yaml:"max_tokens"`
}

// QueueConfig tunes the job worker.
type QueueConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	Lease           time.Duration `yaml:"lease"`
	Concurrency     int           `yaml:"concurrency"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
	Backoff         BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Factor  float64       `yaml:"factor"`
	Jitter  *bool         `yaml:"jitter"`
}

// EngineConfig tunes the continuation engine.
type EngineConfig struct {
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`

	// MaxSteps pauses a task after this many steps. -1 disables the bound.
	MaxSteps        int           `yaml:"max_steps"`
	MaxContextSteps int           `yaml:"max_context_steps"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`

	// RecoverSchedule is a cron expression for re-enqueueing tasks that are
	// owed a step. "off" disables it.
	RecoverSchedule string        `yaml:"recover_schedule"`
	RecoverAfter    time.Duration `yaml:"recover_after"`
}

// RecoverEnabled reports whether stalled tasks are re-enqueued.
func (c EngineConfig) RecoverEnabled() bool {
	return c.RecoverSchedule != "" && c.RecoverSchedule != "off"
}

type DispatcherConfig struct {
	Model        string `yaml:"model"`
	MaxTokens    int    `yaml:"max_tokens"`
	MaxOpenTasks int    `yaml:"max_open_tasks"`
}

// PromptsConfig points at a prompt set on disk. Empty Path uses the built-in
// set.
type PromptsConfig struct {
	Path    string `yaml:"path"`
	Version string `yaml:"version"`
	Watch   bool   `yaml:"watch"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type ObservabilityConfig struct {
	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

var supportedProviders = []string{"anthropic", "openai", "gemini"}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

// Load reads, merges, decodes, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		if cfg.Database.URL != "" {
			cfg.Database.Driver = "cockroach"
		} else {
			cfg.Database.Driver = "memory"
		}
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}
	if cfg.Database.LockTTL == 0 {
		cfg.Database.LockTTL = 2 * time.Minute
	}

	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.LLM.Retries == 0 {
		cfg.LLM.Retries = 2
	}

	cfg.Memory.ApplyDefaults()

	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = 500 * time.Millisecond
	}
	if cfg.Queue.Lease == 0 {
		cfg.Queue.Lease = 5 * time.Minute
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 4
	}
	if cfg.Queue.CleanupInterval == 0 {
		cfg.Queue.CleanupInterval = time.Minute
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.Backoff.Initial == 0 {
		cfg.Queue.Backoff.Initial = 2 * time.Second
	}
	if cfg.Queue.Backoff.Max == 0 {
		cfg.Queue.Backoff.Max = 2 * time.Minute
	}
	if cfg.Queue.Backoff.Factor == 0 {
		cfg.Queue.Backoff.Factor = 2
	}
	if cfg.Queue.Backoff.Jitter == nil {
		jitter := true
		cfg.Queue.Backoff.Jitter = &jitter
	}

	if cfg.Engine.MaxSteps == 0 {
		cfg.Engine.MaxSteps = 50
	}
	if cfg.Engine.MaxContextSteps == 0 {
		cfg.Engine.MaxContextSteps = 25
	}
	if cfg.Engine.ToolTimeout == 0 {
		cfg.Engine.ToolTimeout = 30 * time.Second
	}
	if cfg.Engine.RecoverSchedule == "" {
		cfg.Engine.RecoverSchedule = "@every 1m"
	}
	if cfg.Engine.RecoverAfter == 0 {
		cfg.Engine.RecoverAfter = 2 * time.Minute
	}
	if cfg.Dispatcher.MaxOpenTasks == 0 {
		cfg.Dispatcher.MaxOpenTasks = 20
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "taskloop"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}

	switch c.Database.Driver {
	case "memory":
	case "cockroach":
		if strings.TrimSpace(c.Database.URL) == "" {
			add("database.url is required for the cockroach driver")
		}
	default:
		add("database.driver %q is not supported (memory, cockroach)", c.Database.Driver)
	}

	for name := range c.LLM.Providers {
		if !slices.Contains(supportedProviders, name) {
			add("llm.providers.%s is not a supported provider (%s)", name, strings.Join(supportedProviders, ", "))
		}
	}
	if len(c.LLM.Providers) > 0 {
		if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
			add("llm.default_provider %q has no entry under llm.providers", c.LLM.DefaultProvider)
		}
	}
	for _, name := range c.LLM.FallbackChain {
		if _, ok := c.LLM.Providers[name]; !ok {
			add("llm.fallback_chain names %q, which has no entry under llm.providers", name)
		}
	}

	if c.Memory.Threshold <= 0 || c.Memory.Threshold > 1 {
		add("memory.threshold must be in (0, 1]")
	}
	switch strings.ToLower(c.Memory.Embeddings.Provider) {
	case "", "openai", "ollama", "gemini", "none":
	default:
		add("memory.embeddings.provider %q is not supported (openai, ollama, gemini, none)", c.Memory.Embeddings.Provider)
	}
	if c.Memory.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Memory.SweepSchedule); err != nil {
			add("memory.sweep_schedule: %v", err)
		}
	}

	if c.Queue.Concurrency < 1 {
		add("queue.concurrency must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		add("queue.max_attempts must be at least 1")
	}
	if c.Engine.MaxSteps < -1 {
		add("engine.max_steps must be positive, or -1 to disable")
	}
	if c.Engine.ToolTimeout < 0 {
		add("engine.tool_timeout must not be negative")
	}
	if c.Engine.RecoverEnabled() {
		if _, err := cron.ParseStandard(c.Engine.RecoverSchedule); err != nil {
			add("engine.recover_schedule: %v", err)
		}
	}
	if c.Engine.RecoverAfter < 0 {
		add("engine.recover_after must not be negative")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		add("logging.format %q is not supported (json, text)", c.Logging.Format)
	}
	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		add("observability.tracing.sampling_rate must be in [0, 1]")
	}

	return errors.Join(errs...)
}

// EmbeddingsEnabled reports whether a provider should be built.
func (c *Config) EmbeddingsEnabled() bool {
	return !strings.EqualFold(c.Memory.Embeddings.Provider, "none")
}
