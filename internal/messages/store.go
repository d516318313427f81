// Package messages stores the role-tagged chat messages that form the only
// user-visible output channel of the engine.
package messages

import (
	"context"
	"errors"

	"github.com/haasonsaas/taskloop/pkg/models"
)

// ErrNotFound is returned by writes that target a missing message.
var ErrNotFound = errors.New("message not found")

// Store persists chat messages. Messages are immutable apart from the
// embedding, which may be attached later.
type Store interface {
	Create(ctx context.Context, msg *models.Message) error

	// List returns a user's messages in one session, oldest first.
	List(ctx context.Context, opts ListOptions) ([]*models.Message, error)

	// SessionOwner returns the user that owns sessionID, or "" when the
	// session has no messages yet.
	SessionOwner(ctx context.Context, sessionID string) (string, error)

	// Search ranks the user's embedded messages by cosine distance.
	Search(ctx context.Context, query SearchQuery) ([]ScoredMessage, error)

	// ListMissingEmbeddings returns user and assistant messages without a vector.
	ListMissingEmbeddings(ctx context.Context, limit int) ([]*models.Message, error)

	SetEmbedding(ctx context.Context, id string, embedding []float32) error
}

// ListOptions configures a paginated session read.
type ListOptions struct {
	UserID    string
	SessionID string
	Limit     int
	Offset    int
}

// SearchQuery scopes a nearest-neighbour lookup to a single user and,
// optionally, a single role.
type SearchQuery struct {
	UserID      string
	Embedding   []float32
	MaxDistance float64
	Limit       int
	Role        models.Role
}

// ScoredMessage is a search hit.
type ScoredMessage struct {
	Message  *models.Message `json:"message"`
	Distance float64         `json:"distance"`
}

// Similarity converts the hit's distance back into a similarity score.
func (s ScoredMessage) Similarity() float64 {
	return 1 - s.Distance
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if msg.Embedding != nil {
		clone.Embedding = append([]float32(nil), msg.Embedding...)
	}
	return &clone
}
