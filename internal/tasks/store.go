// Package tasks persists the durable Task rows driven by the continuation
// engine and provides per-task locking.
package tasks

import (
	"context"
	"time"

	"github.com/haasonsaas/taskloop/pkg/models"
)

// Store defines the interface for task persistence.
type Store interface {
	// Create inserts a new task.
	Create(ctx context.Context, task *models.Task) error

	// Get retrieves a task by ID. Returns nil, nil when it does not exist.
	Get(ctx context.Context, id string) (*models.Task, error)

	// Update writes the mutable fields of a task as a whole row.
	// TaskInstruction and Embedding are not touched, and IsDone is merged
	// with OR so a finished task can never be reopened.
	Update(ctx context.Context, task *models.Task) error

	// ListOpen returns the user's tasks that are not done, newest first.
	ListOpen(ctx context.Context, userID string, limit int) ([]*models.Task, error)

	// ListStalled returns tasks of any user that are not done, not paused and
	// not failed, and were last written before the cutoff, oldest first.
	ListStalled(ctx context.Context, before time.Time, limit int) ([]*models.Task, error)

	// Search ranks the user's embedded tasks by cosine distance.
	Search(ctx context.Context, query SearchQuery) ([]ScoredTask, error)

	// ListMissingEmbeddings returns tasks with an instruction but no vector.
	ListMissingEmbeddings(ctx context.Context, limit int) ([]*models.Task, error)

	// SetEmbedding attaches a vector to an existing task.
	SetEmbedding(ctx context.Context, id string, embedding []float32) error
}

// SearchQuery scopes a nearest-neighbour lookup to a single user.
type SearchQuery struct {
	UserID      string
	Embedding   []float32
	MaxDistance float64
	Limit       int
}

// ScoredTask is a search hit.
type ScoredTask struct {
	Task     *models.Task `json:"task"`
	Distance float64      `json:"distance"`
}

// Similarity converts the hit's distance back into a similarity score.
func (s ScoredTask) Similarity() float64 {
	return 1 - s.Distance
}

// Closer is implemented by stores that need cleanup.
type Closer interface {
	Close() error
}
