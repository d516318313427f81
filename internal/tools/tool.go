// Package tools is the tool dispatch registry. Every action the model can
// take is a named Tool with a JSON Schema for its arguments; the registry
// executes calls by name and turns every failure into an error result.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/haasonsaas/taskloop/pkg/models"
)

var (
	// ErrAccessDenied is returned when a call touches another user's rows.
	ErrAccessDenied = errors.New("access denied")

	// ErrDuplicateTool is returned when a tool name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Tool is one named action.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, inv Invocation) (*Result, error)
}

// Invocation is a single tool call with its acting scope.
type Invocation struct {
	ID    string
	Name  string
	Args  json.RawMessage
	Scope Scope
}

// Scope identifies who a call acts for and what it may touch.
type Scope struct {
	UserID    string
	SessionID string
	Source    string

	// Task is the working copy of the running task during a continuation
	// step. Task-control tools mutate it and the engine persists it.
	Task      *models.Task
	StepIndex int

	Control *Control
}

// Owns reports whether the scope's user owns a row.
func (s Scope) Owns(ownerID string) bool {
	return s.UserID != "" && s.UserID == ownerID
}

// Status is the outcome of one call.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Result is the {status, result|reason} record of one call.
type Result struct {
	Status Status `json:"status"`
	Result any    `json:"result,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// OK wraps a successful payload.
func OK(v any) *Result {
	return &Result{Status: StatusOK, Result: v}
}

// Errorf builds an error result.
func Errorf(format string, args ...any) *Result {
	return &Result{Status: StatusError, Reason: fmt.Sprintf(format, args...)}
}

// Failed reports whether the call failed.
func (r *Result) Failed() bool {
	return r == nil || r.Status != StatusOK
}

// ValidationError reports missing or malformed arguments.
type ValidationError struct {
	Tool   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Reason)
}

// Continuation asks for one continuation step of a task.
type Continuation struct {
	TaskID string
	UserID string
	Step   int
}

// Control collects the control-flow effects of the calls in one turn. The
// engine and dispatcher read it after every call has run.
type Control struct {
	mu           sync.Mutex
	paused       bool
	pauseReason  string
	finished     bool
	finalSummary string
	schedule     []Continuation
}

// Pause stops the running task after this turn.
func (c *Control) Pause(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	c.pauseReason = reason
}

// Finish marks the running task done after this turn.
func (c *Control) Finish(summary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = true
	c.finalSummary = summary
}

// Schedule requests a continuation step once the turn's writes succeed.
func (c *Control) Schedule(cont Continuation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.schedule {
		if existing.TaskID == cont.TaskID {
			return
		}
	}
	c.schedule = append(c.schedule, cont)
}

// Paused returns whether and why the task was paused.
func (c *Control) Paused() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused, c.pauseReason
}

// Finished returns whether the task was completed and its final summary.
func (c *Control) Finished() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished, c.finalSummary
}

// Scheduled returns the requested continuations in request order.
func (c *Control) Scheduled() []Continuation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Continuation(nil), c.schedule...)
}
