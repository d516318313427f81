// Package llmtest provides a scripted llm.Gateway for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/haasonsaas/taskloop/internal/llm"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// ErrScriptExhausted is returned once every scripted turn has been served.
var ErrScriptExhausted = errors.New("llmtest: script exhausted")

// Turn is one scripted response.
type Turn struct {
	Decision *llm.Decision
	Err      error
}

// Scripted replays turns in order and records every request.
type Scripted struct {
	mu       sync.Mutex
	name     string
	turns    []Turn
	requests []*llm.Request
}

// NewScripted returns a gateway that answers with turns in order.
func NewScripted(turns ...Turn) *Scripted {
	return &Scripted{name: "scripted", turns: turns}
}

// Named overrides the gateway name.
func (s *Scripted) Named(name string) *Scripted {
	s.name = name
	return s
}

// Name returns the configured name.
func (s *Scripted) Name() string {
	return s.name
}

// Decide returns the next scripted turn.
func (s *Scripted) Decide(ctx context.Context, req *llm.Request) (*llm.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.turns) == 0 {
		return nil, ErrScriptExhausted
	}
	turn := s.turns[0]
	s.turns = s.turns[1:]
	return turn.Decision, turn.Err
}

// Requests returns the requests seen so far.
func (s *Scripted) Requests() []*llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*llm.Request(nil), s.requests...)
}

// Calls builds a decision that invokes the given tools in order.
func Calls(calls ...Call) Turn {
	decision := &llm.Decision{Provider: "scripted"}
	for i, c := range calls {
		args, err := json.Marshal(c.Args)
		if err != nil || c.Args == nil {
			args = []byte(`{}`)
		}
		id := c.ID
		if id == "" {
			id = "call_" + string(rune('a'+i))
		}
		decision.ToolCalls = append(decision.ToolCalls, models.ToolCall{ID: id, Name: c.Name, Input: args})
	}
	return Turn{Decision: decision}
}

// Text builds a decision with prose and no tool call.
func Text(text string) Turn {
	return Turn{Decision: &llm.Decision{Provider: "scripted", Text: text}}
}

// Call is a scripted tool call.
type Call struct {
	ID   string
	Name string
	Args any
}
