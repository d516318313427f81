package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/taskloop/internal/memory/embeddings"
	"github.com/haasonsaas/taskloop/internal/messages"
	"github.com/haasonsaas/taskloop/internal/observability"
	"github.com/haasonsaas/taskloop/internal/tasks"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// Indexer computes vectors for rows on their way into storage. Embedding
// failures are logged and counted; they never fail the write.
type Indexer struct {
	provider  embeddings.Provider
	dimension int
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewIndexer creates an indexer. A nil provider disables embedding.
func NewIndexer(provider embeddings.Provider, dimension int, metrics *observability.Metrics, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		provider:  provider,
		dimension: dimension,
		metrics:   metrics,
		logger:    logger.With("component", "memory-indexer"),
	}
}

// Vector embeds text for a row of the given kind, or returns nil.
func (ix *Indexer) Vector(ctx context.Context, kind, id, text string) []float32 {
	if ix == nil || ix.provider == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	v, err := ix.provider.Embed(ctx, text)
	if err == nil && ix.dimension > 0 && len(v) != ix.dimension {
		err = fmt.Errorf("embedding has dimension %d, want %d", len(v), ix.dimension)
	}
	if err != nil {
		ix.metrics.RecordEmbeddingFailure(kind)
		ix.logger.WarnContext(ctx, "embedding failed", "kind", kind, "id", id, "error", err)
		return nil
	}
	return v
}

// IndexedTasks attaches an embedding of the instruction to new tasks.
type IndexedTasks struct {
	tasks.Store
	indexer *Indexer
}

// Create embeds the task instruction when no vector was supplied.
func (s *IndexedTasks) Create(ctx context.Context, task *models.Task) error {
	if task != nil && len(task.Embedding) == 0 {
		task.Embedding = s.indexer.Vector(ctx, "task", task.ID, task.TaskInstruction)
	}
	return s.Store.Create(ctx, task)
}

// IndexedMessages attaches an embedding to new user and assistant messages.
type IndexedMessages struct {
	messages.Store
	indexer *Indexer
}

// Create embeds the content of embeddable roles when no vector was supplied.
// System messages are stored without one.
func (s *IndexedMessages) Create(ctx context.Context, msg *models.Message) error {
	if msg != nil && len(msg.Embedding) == 0 && msg.Role.Embeddable() {
		msg.Embedding = s.indexer.Vector(ctx, "message", msg.ID, msg.Content)
	}
	return s.Store.Create(ctx, msg)
}
