package messages

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/taskloop/internal/memory/vector"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// MemoryStore keeps messages in memory in insertion order.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []*models.Message
	byID     map[string]*models.Message
}

// NewMemoryStore returns a new in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*models.Message)}
}

// Create stores a message.
func (s *MemoryStore) Create(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[msg.ID]; exists {
		return fmt.Errorf("message %s already exists", msg.ID)
	}
	stored := cloneMessage(msg)
	s.messages = append(s.messages, stored)
	s.byID[msg.ID] = stored
	return nil
}

// List returns a page of the user's messages in a session.
func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*models.Message
	for _, msg := range s.messages {
		if msg.UserID == opts.UserID && msg.SessionID == opts.SessionID {
			matched = append(matched, msg)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].InsertedAt.Before(matched[j].InsertedAt)
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	out := make([]*models.Message, len(matched))
	for i, msg := range matched {
		out[i] = cloneMessage(msg)
	}
	return out, nil
}

// SessionOwner returns the owner of the first message in the session.
func (s *MemoryStore) SessionOwner(ctx context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.messages {
		if msg.SessionID == sessionID {
			return msg.UserID, nil
		}
	}
	return "", nil
}

// Search ranks the user's embedded messages by cosine distance.
func (s *MemoryStore) Search(ctx context.Context, query SearchQuery) ([]ScoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []ScoredMessage
	for _, msg := range s.messages {
		if msg.UserID != query.UserID || len(msg.Embedding) == 0 {
			continue
		}
		if query.Role != "" && msg.Role != query.Role {
			continue
		}
		distance := vector.CosineDistance(query.Embedding, msg.Embedding)
		if distance > query.MaxDistance {
			continue
		}
		hits = append(hits, ScoredMessage{Message: cloneMessage(msg), Distance: distance})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Distance < hits[j].Distance
	})
	if query.Limit > 0 && len(hits) > query.Limit {
		hits = hits[:query.Limit]
	}
	return hits, nil
}

// ListMissingEmbeddings returns embeddable messages without a vector.
func (s *MemoryStore) ListMissingEmbeddings(ctx context.Context, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Message
	for _, msg := range s.messages {
		if len(msg.Embedding) == 0 && msg.Role.Embeddable() && msg.Content != "" {
			out = append(out, cloneMessage(msg))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// SetEmbedding attaches a vector to a stored message.
func (s *MemoryStore) SetEmbedding(ctx context.Context, id string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("set embedding %s: %w", id, ErrNotFound)
	}
	msg.Embedding = append([]float32(nil), embedding...)
	return nil
}
