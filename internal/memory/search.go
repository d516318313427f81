package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/taskloop/internal/memory/embeddings"
	"github.com/haasonsaas/taskloop/internal/memory/vector"
	"github.com/haasonsaas/taskloop/internal/messages"
	"github.com/haasonsaas/taskloop/internal/tasks"
	"github.com/haasonsaas/taskloop/pkg/models"
)

var (
	// ErrEmptyQuery is returned for a blank search query.
	ErrEmptyQuery = errors.New("query is required")

	// ErrNoProvider is returned when searching without an embedding provider.
	ErrNoProvider = errors.New("no embedding provider configured")
)

// SearchOptions tunes one search. Zero fields take the searcher defaults.
type SearchOptions struct {
	Threshold float64
	Limit     int

	// Role restricts message searches to one author role.
	Role models.Role
}

// Searcher ranks a user's tasks and messages against a text query.
type Searcher struct {
	provider embeddings.Provider
	tasks    tasks.Store
	messages messages.Store
	defaults SearchOptions
}

// NewSearcher creates a searcher with the given defaults.
func NewSearcher(provider embeddings.Provider, taskStore tasks.Store, messageStore messages.Store, defaults SearchOptions) *Searcher {
	if defaults.Threshold <= 0 || defaults.Threshold > 1 {
		defaults.Threshold = DefaultThreshold
	}
	if defaults.Limit <= 0 {
		defaults.Limit = DefaultLimit
	}
	return &Searcher{
		provider: provider,
		tasks:    taskStore,
		messages: messageStore,
		defaults: defaults,
	}
}

func (s *Searcher) resolve(opts SearchOptions) SearchOptions {
	if opts.Threshold <= 0 || opts.Threshold > 1 {
		opts.Threshold = s.defaults.Threshold
	}
	if opts.Limit <= 0 {
		opts.Limit = s.defaults.Limit
	}
	return opts
}

func (s *Searcher) embedQuery(ctx context.Context, userID, query string) ([]float32, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user_id is required")
	}
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if s.provider == nil {
		return nil, ErrNoProvider
	}
	v, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return v, nil
}

// SearchTasks returns the user's tasks closest to query, closest first.
func (s *Searcher) SearchTasks(ctx context.Context, userID, query string, opts SearchOptions) ([]tasks.ScoredTask, error) {
	v, err := s.embedQuery(ctx, userID, query)
	if err != nil {
		return nil, err
	}
	return s.searchTasks(ctx, userID, v, s.resolve(opts))
}

// SearchMessages returns the user's messages closest to query, closest first.
func (s *Searcher) SearchMessages(ctx context.Context, userID, query string, opts SearchOptions) ([]messages.ScoredMessage, error) {
	v, err := s.embedQuery(ctx, userID, query)
	if err != nil {
		return nil, err
	}
	return s.searchMessages(ctx, userID, v, s.resolve(opts))
}

// RelevantContext is the combined result of a context lookup.
type RelevantContext struct {
	Tasks    []tasks.ScoredTask       `json:"tasks"`
	Messages []messages.ScoredMessage `json:"messages"`
}

// RelevantContext embeds query once and searches tasks and the user's own
// messages concurrently.
func (s *Searcher) RelevantContext(ctx context.Context, userID, query string, opts SearchOptions) (*RelevantContext, error) {
	v, err := s.embedQuery(ctx, userID, query)
	if err != nil {
		return nil, err
	}
	opts = s.resolve(opts)
	msgOpts := opts
	msgOpts.Role = models.RoleUser

	var out RelevantContext
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := s.searchTasks(gctx, userID, v, opts)
		out.Tasks = hits
		return err
	})
	g.Go(func() error {
		hits, err := s.searchMessages(gctx, userID, v, msgOpts)
		out.Messages = hits
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Searcher) searchTasks(ctx context.Context, userID string, v []float32, opts SearchOptions) ([]tasks.ScoredTask, error) {
	hits, err := s.tasks.Search(ctx, tasks.SearchQuery{
		UserID:      userID,
		Embedding:   v,
		MaxDistance: vector.MaxDistance(opts.Threshold),
		Limit:       opts.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := hits[:0]
	for _, hit := range hits {
		if hit.Task == nil || hit.Task.UserID != userID {
			continue
		}
		hit.Task.Embedding = nil
		out = append(out, hit)
	}
	return out, nil
}

func (s *Searcher) searchMessages(ctx context.Context, userID string, v []float32, opts SearchOptions) ([]messages.ScoredMessage, error) {
	hits, err := s.messages.Search(ctx, messages.SearchQuery{
		UserID:      userID,
		Embedding:   v,
		MaxDistance: vector.MaxDistance(opts.Threshold),
		Limit:       opts.Limit,
		Role:        opts.Role,
	})
	if err != nil {
		return nil, err
	}
	out := hits[:0]
	for _, hit := range hits {
		if hit.Message == nil || hit.Message.UserID != userID {
			continue
		}
		hit.Message.Embedding = nil
		out = append(out, hit)
	}
	return out, nil
}
