// Package dispatch handles inbound events. The model either acts on an event
// directly through tool calls or creates a task, which is handed to the
// continuation engine.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/taskloop/internal/jobs"
	"github.com/haasonsaas/taskloop/internal/llm"
	"github.com/haasonsaas/taskloop/internal/messages"
	"github.com/haasonsaas/taskloop/internal/observability"
	"github.com/haasonsaas/taskloop/internal/prompts"
	"github.com/haasonsaas/taskloop/internal/retry"
	"github.com/haasonsaas/taskloop/internal/storage"
	"github.com/haasonsaas/taskloop/internal/tasks"
	"github.com/haasonsaas/taskloop/internal/tools"
	"github.com/haasonsaas/taskloop/internal/tools/comms"
	"github.com/haasonsaas/taskloop/internal/tools/taskctl"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// JobKind is the job kind of an inbound event.
const JobKind = "event.inbound"

// DefaultMaxOpenTasks caps the running tasks shown to the model.
const DefaultMaxOpenTasks = 20

// ErrNoToolCall is returned when the model answers in prose twice.
var ErrNoToolCall = llm.ErrNoToolCall

// Event is an inbound event for one user.
type Event struct {
	Text     string         `json:"text"`
	UserID   string         `json:"user_id"`
	Source   string         `json:"source"`
	Metadata map[string]any `json:"metadata,omitempty"`
	History  []Turn         `json:"history,omitempty"`
}

// Turn is one prior conversational turn supplied with an event.
type Turn struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// SessionID returns the chat session named in the metadata, if any.
func (e Event) SessionID() string {
	if s, ok := e.Metadata["session_id"].(string); ok {
		return s
	}
	return ""
}

// CallOutcome is the result of one tool call.
type CallOutcome struct {
	CallID string       `json:"call_id,omitempty"`
	Tool   string       `json:"tool"`
	Status tools.Status `json:"status"`
	Result any          `json:"result,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// Report summarizes how an event was handled.
type Report struct {
	Calls        []CallOutcome        `json:"calls"`
	CreatedTasks []string             `json:"created_tasks,omitempty"`
	Scheduled    []tools.Continuation `json:"scheduled,omitempty"`
	Unscheduled  []tools.Continuation `json:"unscheduled,omitempty"`
	Prompts      string               `json:"prompts"`
	Retried      bool                 `json:"retried"`
}

// AllFailed reports whether every call failed.
func (r *Report) AllFailed() bool {
	if r == nil || len(r.Calls) == 0 {
		return false
	}
	for _, c := range r.Calls {
		if c.Status != tools.StatusError {
			return false
		}
	}
	return true
}

// Scheduler enqueues continuation steps.
type Scheduler interface {
	Schedule(ctx context.Context, cont tools.Continuation) error
}

// Config tunes the dispatcher.
type Config struct {
	Model        string
	MaxTokens    int
	MaxOpenTasks int
}

// Deps are the dispatcher's collaborators.
type Deps struct {
	Tasks        tasks.Store
	Instructions storage.InstructionStore
	Messages     messages.Store
	Gateway      llm.Gateway
	Tools        *tools.Registry
	Prompts      *prompts.Source
	Scheduler    Scheduler

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
	Env     tools.Env
}

// Dispatcher turns inbound events into tool calls.
type Dispatcher struct {
	tasks        tasks.Store
	instructions storage.InstructionStore
	notices      comms.Deps
	gateway      llm.Gateway
	tools        *tools.Registry
	prompts      *prompts.Source
	scheduler    Scheduler

	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
	env     tools.Env
	config  Config
}

// New creates a dispatcher.
func New(d Deps, cfg Config) (*Dispatcher, error) {
	switch {
	case d.Tasks == nil || d.Instructions == nil || d.Messages == nil:
		return nil, errors.New("dispatch: task, instruction and message stores are required")
	case d.Gateway == nil:
		return nil, errors.New("dispatch: gateway is required")
	case d.Tools == nil:
		return nil, errors.New("dispatch: tool registry is required")
	case d.Scheduler == nil:
		return nil, errors.New("dispatch: scheduler is required")
	}
	if d.Prompts == nil {
		d.Prompts = prompts.Static(prompts.Default())
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if cfg.MaxOpenTasks <= 0 {
		cfg.MaxOpenTasks = DefaultMaxOpenTasks
	}
	return &Dispatcher{
		tasks:        d.Tasks,
		instructions: d.Instructions,
		notices:      comms.Deps{Messages: d.Messages, Env: d.Env},
		gateway:      d.Gateway,
		tools:        d.Tools,
		prompts:      d.Prompts,
		scheduler:    d.Scheduler,
		metrics:      d.Metrics,
		tracer:       d.Tracer,
		logger:       d.Logger.With("component", "dispatcher"),
		env:          d.Env,
		config:       cfg,
	}, nil
}

// Job is the jobs.Handler for inbound events.
func (d *Dispatcher) Job(ctx context.Context, job *jobs.Job) error {
	var ev Event
	if err := job.Decode(&ev); err != nil {
		return retry.Permanent(err)
	}
	_, err := d.Handle(observability.AddJobID(ctx, job.ID), ev)
	return err
}

// Handle decides on and executes the actions for one event.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) (report *Report, err error) {
	if strings.TrimSpace(ev.UserID) == "" {
		return nil, retry.Permanent(errors.New("event has no user_id"))
	}
	if strings.TrimSpace(ev.Text) == "" {
		return nil, retry.Permanent(errors.New("event has no text"))
	}
	if ev.Source == "" {
		ev.Source = "unknown"
	}

	ctx = observability.AddUserID(ctx, ev.UserID)
	ctx, span := d.tracer.Start(ctx, "dispatch.handle", attribute.String("event.source", ev.Source))
	outcome := "acted"
	defer func() {
		if err != nil {
			observability.RecordError(span, err)
			if errors.Is(err, ErrNoToolCall) {
				outcome = "no_tool_call"
			} else {
				outcome = "error"
			}
		}
		span.SetAttributes(attribute.String("dispatch.outcome", outcome))
		span.End()
		d.metrics.RecordDispatch(outcome)
	}()

	set := d.prompts.Current()
	convo, err := d.conversation(ctx, set, ev)
	if err != nil {
		return nil, err
	}

	decision, retried, err := d.decide(ctx, set, convo)
	if err != nil {
		return nil, err
	}

	report = &Report{Prompts: set.Stamp(), Retried: retried}
	control := &tools.Control{}
	scope := tools.Scope{
		UserID:    ev.UserID,
		SessionID: ev.SessionID(),
		Source:    ev.Source,
		Control:   control,
	}
	for _, call := range decision.ToolCalls {
		res := d.tools.Execute(ctx, tools.Invocation{ID: call.ID, Name: call.Name, Args: call.Input, Scope: scope})
		report.Calls = append(report.Calls, CallOutcome{
			CallID: call.ID,
			Tool:   call.Name,
			Status: res.Status,
			Result: res.Result,
			Reason: res.Reason,
		})
		if call.Name == taskctl.CreateTask && !res.Failed() {
			if id := taskID(res.Result); id != "" {
				report.CreatedTasks = append(report.CreatedTasks, id)
			}
		}
	}

	// Continuations are enqueued only once every call's writes are done. A
	// failed enqueue does not fail the job: a retry would ask the model again
	// and create the task twice. The task stays pending and is re-enqueued
	// by recovery.
	for _, cont := range control.Scheduled() {
		if err := d.scheduler.Schedule(ctx, cont); err != nil {
			d.logger.WarnContext(ctx, "hand-off not enqueued, left for recovery", "task_id", cont.TaskID, "error", err)
			report.Unscheduled = append(report.Unscheduled, cont)
			continue
		}
		report.Scheduled = append(report.Scheduled, cont)
	}

	if report.AllFailed() {
		outcome = "all_failed"
		d.notifyFailure(ctx, ev, report)
	}
	d.logger.InfoContext(ctx, "event dispatched",
		"source", ev.Source,
		"calls", len(report.Calls),
		"created_tasks", len(report.CreatedTasks),
		"retried", retried,
		"prompts", report.Prompts,
	)
	return report, nil
}

func (d *Dispatcher) conversation(ctx context.Context, set *prompts.Set, ev Event) ([]llm.Message, error) {
	instructions, err := d.instructions.List(ctx, ev.UserID, true)
	if err != nil {
		return nil, fmt.Errorf("load instructions: %w", err)
	}
	open, err := d.tasks.ListOpen(ctx, ev.UserID, d.config.MaxOpenTasks)
	if err != nil {
		return nil, fmt.Errorf("load open tasks: %w", err)
	}

	prompt, err := set.RenderDispatch(prompts.DispatchData{
		Now:          d.env.Time(),
		Text:         ev.Text,
		Source:       ev.Source,
		SessionID:    ev.SessionID(),
		Metadata:     ev.Metadata,
		Instructions: instructions,
		Tasks:        open,
	})
	if err != nil {
		return nil, err
	}

	convo := make([]llm.Message, 0, len(ev.History)+1)
	for _, turn := range ev.History {
		if !turn.Role.Valid() || strings.TrimSpace(turn.Content) == "" {
			continue
		}
		convo = append(convo, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	return append(convo, llm.Message{Role: models.RoleUser, Content: prompt}), nil
}

// decide asks for a tool-call decision, retrying once with a corrective
// message when the model answers in prose.
func (d *Dispatcher) decide(ctx context.Context, set *prompts.Set, convo []llm.Message) (*llm.Decision, bool, error) {
	req := &llm.Request{
		Model:           d.config.Model,
		System:          set.DispatcherSystem,
		Messages:        convo,
		Tools:           d.tools.Specs(),
		RequireToolCall: true,
		MaxTokens:       d.config.MaxTokens,
	}
	decision, err := d.gateway.Decide(ctx, req)
	if err != nil {
		return nil, false, fmt.Errorf("dispatch decision: %w", err)
	}
	if decision.HasToolCalls() {
		return decision, false, nil
	}

	d.logger.WarnContext(ctx, "model answered without a tool call, retrying")
	retryReq := *req
	retryReq.Messages = append(append([]llm.Message(nil), convo...),
		llm.Message{Role: models.RoleAssistant, Content: text(decision)},
		llm.Message{Role: models.RoleSystem, Content: set.Corrective},
	)
	decision, err = d.gateway.Decide(ctx, &retryReq)
	if err != nil {
		return nil, true, fmt.Errorf("dispatch decision: %w", err)
	}
	if !decision.HasToolCalls() {
		return nil, true, ErrNoToolCall
	}
	return decision, true, nil
}

func (d *Dispatcher) notifyFailure(ctx context.Context, ev Event, report *Report) {
	session := ev.SessionID()
	if session == "" {
		return
	}
	reasons := make([]string, 0, len(report.Calls))
	for _, c := range report.Calls {
		reasons = append(reasons, fmt.Sprintf("%s: %s", c.Tool, c.Reason))
	}
	notice := "I could not act on your last message. " + strings.Join(reasons, "; ")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := comms.Post(ctx, d.notices, ev.UserID, session, notice); err != nil {
		d.logger.WarnContext(ctx, "failure notice not delivered", "error", err)
	}
}

func text(decision *llm.Decision) string {
	if decision == nil || strings.TrimSpace(decision.Text) == "" {
		return "(no reply)"
	}
	return decision.Text
}

func taskID(result any) string {
	data, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return ""
	}
	return out.TaskID
}
