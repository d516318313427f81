// Package memory embeds tasks and chat messages and answers user-scoped
// similarity queries over them.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/taskloop/internal/memory/embeddings"
	"github.com/haasonsaas/taskloop/internal/memory/embeddings/gemini"
	"github.com/haasonsaas/taskloop/internal/memory/embeddings/ollama"
	"github.com/haasonsaas/taskloop/internal/memory/embeddings/openai"
	"github.com/haasonsaas/taskloop/internal/messages"
	"github.com/haasonsaas/taskloop/internal/observability"
	"github.com/haasonsaas/taskloop/internal/tasks"
)

const (
	// DefaultThreshold is the minimum cosine similarity of a search hit.
	DefaultThreshold = 0.7

	// DefaultLimit caps the number of hits per search.
	DefaultLimit = 10

	// DefaultDimension matches the VECTOR column width.
	DefaultDimension = 1536
)

// Config contains configuration for the memory layer.
type Config struct {
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Limit     int     `yaml:"limit" json:"limit"`

	// Dimension must match the embedding column. Vectors of any other
	// length are discarded instead of written.
	Dimension int `yaml:"dimension" json:"dimension"`

	// SweepSchedule is a cron expression for the embedding backfill.
	// Empty disables the scheduled sweep.
	SweepSchedule string `yaml:"sweep_schedule" json:"sweep_schedule"`
	SweepBatch    int    `yaml:"sweep_batch" json:"sweep_batch"`

	Embeddings embeddings.Config `yaml:"embeddings" json:"embeddings"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = DefaultThreshold
	}
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Dimension <= 0 {
		c.Dimension = DefaultDimension
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	if c.Embeddings.Dimension <= 0 {
		c.Embeddings.Dimension = c.Dimension
	}
}

// NewProvider builds the configured embedding provider, wrapped in the
// SQLite cache when one is configured. The returned close func releases the
// cache.
func NewProvider(ctx context.Context, cfg embeddings.Config) (embeddings.Provider, func() error, error) {
	var (
		provider embeddings.Provider
		err      error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai", "":
		provider, err = openai.New(openai.Config{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		})
	case "ollama":
		provider, err = ollama.New(ollama.Config{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		})
	case "gemini":
		provider, err = gemini.New(ctx, gemini.Config{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		})
	default:
		return nil, nil, fmt.Errorf("unsupported embeddings provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() error { return nil }
	if cfg.CachePath != "" {
		cache, err := embeddings.OpenCache(cfg.CachePath, 0)
		if err != nil {
			return nil, nil, err
		}
		provider = embeddings.WithCache(provider, cache)
		closeFn = cache.Close
	}
	return provider, closeFn, nil
}

// Manager bundles the write path, read path, and backfill over one provider.
type Manager struct {
	Indexer  *Indexer
	Searcher *Searcher
	Sweeper  *Sweeper
}

// NewManager wires the memory layer over the task and message stores.
func NewManager(cfg Config, provider embeddings.Provider, taskStore tasks.Store, messageStore messages.Store, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	cfg.ApplyDefaults()
	indexer := NewIndexer(provider, cfg.Dimension, metrics, logger)
	return &Manager{
		Indexer:  indexer,
		Searcher: NewSearcher(provider, taskStore, messageStore, SearchOptions{Threshold: cfg.Threshold, Limit: cfg.Limit}),
		Sweeper:  NewSweeper(indexer, taskStore, messageStore, cfg.SweepBatch, logger),
	}
}

// Tasks decorates a task store with the embedding write path.
func (m *Manager) Tasks(store tasks.Store) tasks.Store {
	return &IndexedTasks{Store: store, indexer: m.Indexer}
}

// Messages decorates a message store with the embedding write path.
func (m *Manager) Messages(store messages.Store) messages.Store {
	return &IndexedMessages{Store: store, indexer: m.Indexer}
}
