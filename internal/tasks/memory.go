package tasks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/taskloop/internal/memory/vector"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// MemoryStore keeps tasks in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

// NewMemoryStore returns a new in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*models.Task)}
}

// Create stores a task.
func (s *MemoryStore) Create(ctx context.Context, task *models.Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// Get returns a task by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return task.Clone(), nil
}

// Update replaces the mutable fields of a stored task.
func (s *MemoryStore) Update(ctx context.Context, task *models.Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[task.ID]
	if !ok {
		return fmt.Errorf("update task %s: %w", task.ID, ErrNotFound)
	}
	next := task.Clone()
	next.UserID = existing.UserID
	next.TaskInstruction = existing.TaskInstruction
	next.Embedding = existing.Embedding
	next.CreatedAt = existing.CreatedAt
	if existing.IsDone {
		next.IsDone = true
		next.Status = models.TaskStatusDone
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now()
	}
	s.tasks[task.ID] = next
	return nil
}

// ListOpen returns the user's unfinished tasks, newest first.
func (s *MemoryStore) ListOpen(ctx context.Context, userID string, limit int) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for _, task := range s.tasks {
		if task.UserID == userID && !task.IsDone {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListStalled returns open tasks that should have a step queued.
func (s *MemoryStore) ListStalled(ctx context.Context, before time.Time, limit int) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for _, task := range s.tasks {
		if task.IsDone || !task.Status.Runnable() || !task.UpdatedAt.Before(before) {
			continue
		}
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Search ranks the user's embedded tasks by cosine distance.
func (s *MemoryStore) Search(ctx context.Context, query SearchQuery) ([]ScoredTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []ScoredTask
	for _, task := range s.tasks {
		if task.UserID != query.UserID || len(task.Embedding) == 0 {
			continue
		}
		distance := vector.CosineDistance(query.Embedding, task.Embedding)
		if distance > query.MaxDistance {
			continue
		}
		hits = append(hits, ScoredTask{Task: task.Clone(), Distance: distance})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Distance < hits[j].Distance
	})
	if query.Limit > 0 && len(hits) > query.Limit {
		hits = hits[:query.Limit]
	}
	return hits, nil
}

// ListMissingEmbeddings returns tasks that still need a vector.
func (s *MemoryStore) ListMissingEmbeddings(ctx context.Context, limit int) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for _, task := range s.tasks {
		if len(task.Embedding) == 0 && strings.TrimSpace(task.TaskInstruction) != "" {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetEmbedding attaches a vector to a stored task.
func (s *MemoryStore) SetEmbedding(ctx context.Context, id string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("set embedding %s: %w", id, ErrNotFound)
	}
	task.Embedding = append([]float32(nil), embedding...)
	return nil
}
