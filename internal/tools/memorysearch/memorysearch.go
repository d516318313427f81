// Package memorysearch exposes similarity search over the user's tasks and
// chat history as tools.
package memorysearch

import (
	"context"
	"time"

	"github.com/haasonsaas/taskloop/internal/memory"
	"github.com/haasonsaas/taskloop/internal/messages"
	"github.com/haasonsaas/taskloop/internal/tasks"
	"github.com/haasonsaas/taskloop/internal/tools"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// Tool names.
const (
	SearchTasks         = "search_tasks"
	SearchChatMessages  = "search_chat_messages"
	FindRelevantContext = "find_relevant_context"
)

// Searcher is the read path the tools query.
type Searcher interface {
	SearchTasks(ctx context.Context, userID, query string, opts memory.SearchOptions) ([]tasks.ScoredTask, error)
	SearchMessages(ctx context.Context, userID, query string, opts memory.SearchOptions) ([]messages.ScoredMessage, error)
	RelevantContext(ctx context.Context, userID, query string, opts memory.SearchOptions) (*memory.RelevantContext, error)
}

// Tools returns the search tools.
func Tools(s Searcher) []tools.Tool {
	return []tools.Tool{searchTasks(s), searchMessages(s), relevantContext(s)}
}

type searchArgs struct {
	Query     string  `json:"query" jsonschema_description:"Natural language description of what to find"`
	Limit     int     `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50" jsonschema_description:"Maximum hits, default 10"`
	Threshold float64 `json:"threshold,omitempty" jsonschema:"exclusiveMinimum=0,maximum=1" jsonschema_description:"Minimum similarity above 0 and at most 1, default 0.7"`
}

type messageSearchArgs struct {
	searchArgs
	Role models.Role `json:"role,omitempty" jsonschema:"enum=user,enum=assistant" jsonschema_description:"Only messages by this author"`
}

type taskHit struct {
	ID              string            `json:"id"`
	TaskInstruction string            `json:"task_instruction"`
	CurrentSummary  string            `json:"current_summary,omitempty"`
	Status          models.TaskStatus `json:"status"`
	IsDone          bool              `json:"is_done"`
	Similarity      float64           `json:"similarity"`
}

type messageHit struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Role       models.Role `json:"role"`
	Message    string      `json:"message"`
	InsertedAt time.Time   `json:"inserted_at"`
	Similarity float64     `json:"similarity"`
}

func (a searchArgs) options() memory.SearchOptions {
	return memory.SearchOptions{Limit: a.Limit, Threshold: a.Threshold}
}

func searchTasks(s Searcher) tools.Tool {
	return tools.MustTyped(SearchTasks,
		"Find the user's tasks whose goal is similar to the query.",
		func(ctx context.Context, scope tools.Scope, args searchArgs) (*tools.Result, error) {
			hits, err := s.SearchTasks(ctx, scope.UserID, args.Query, args.options())
			if err != nil {
				return nil, err
			}
			return tools.OK(map[string]any{"tasks": taskHits(hits)}), nil
		})
}

func searchMessages(s Searcher) tools.Tool {
	return tools.MustTyped(SearchChatMessages,
		"Find the user's chat messages similar to the query.",
		func(ctx context.Context, scope tools.Scope, args messageSearchArgs) (*tools.Result, error) {
			opts := args.options()
			opts.Role = args.Role
			hits, err := s.SearchMessages(ctx, scope.UserID, args.Query, opts)
			if err != nil {
				return nil, err
			}
			return tools.OK(map[string]any{"messages": messageHits(hits)}), nil
		})
}

func relevantContext(s Searcher) tools.Tool {
	return tools.MustTyped(FindRelevantContext,
		"Find tasks and things the user said that relate to the query, in one lookup.",
		func(ctx context.Context, scope tools.Scope, args searchArgs) (*tools.Result, error) {
			rc, err := s.RelevantContext(ctx, scope.UserID, args.Query, args.options())
			if err != nil {
				return nil, err
			}
			return tools.OK(map[string]any{
				"tasks":    taskHits(rc.Tasks),
				"messages": messageHits(rc.Messages),
			}), nil
		})
}

func taskHits(hits []tasks.ScoredTask) []taskHit {
	out := make([]taskHit, 0, len(hits))
	for _, hit := range hits {
		out = append(out, taskHit{
			ID:              hit.Task.ID,
			TaskInstruction: hit.Task.TaskInstruction,
			CurrentSummary:  hit.Task.CurrentSummary,
			Status:          hit.Task.Status,
			IsDone:          hit.Task.IsDone,
			Similarity:      hit.Similarity(),
		})
	}
	return out
}

func messageHits(hits []messages.ScoredMessage) []messageHit {
	out := make([]messageHit, 0, len(hits))
	for _, hit := range hits {
		out = append(out, messageHit{
			ID:         hit.Message.ID,
			SessionID:  hit.Message.SessionID,
			Role:       hit.Message.Role,
			Message:    hit.Message.Content,
			InsertedAt: hit.Message.InsertedAt,
			Similarity: hit.Similarity(),
		})
	}
	return out
}
