// Package llm defines the model gateway used to turn a prompt plus a tool
// catalogue into a structured decision. Provider SDK bindings live in the
// providers subpackage.
package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/haasonsaas/taskloop/pkg/models"
)

// ErrNoToolCall is returned when a decision was required to contain at least
// one tool call and did not.
var ErrNoToolCall = errors.New("model returned no tool call")

// Message is one conversational turn sent to the model.
type Message struct {
	Role    models.Role
	Content string
}

// ToolSpec describes a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is a single decision request.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolSpec

	// RequireToolCall forces the model to answer with at least one tool call.
	RequireToolCall bool

	MaxTokens int
}

// Decision is the model's structured answer.
type Decision struct {
	ToolCalls []models.ToolCall
	Text      string

	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
}

// HasToolCalls reports whether the decision invoked any tool.
func (d *Decision) HasToolCalls() bool {
	return d != nil && len(d.ToolCalls) > 0
}

// Gateway produces decisions from a model backend.
type Gateway interface {
	Name() string
	Decide(ctx context.Context, req *Request) (*Decision, error)
}
