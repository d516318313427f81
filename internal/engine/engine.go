// Package engine advances durable tasks one step at a time. Each step asks
// the model for tool calls, runs them, persists the task, and only then
// enqueues the next step as a new job, so a crash loses at most the step in
// flight and no step holds a worker for longer than one model round trip.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/taskloop/internal/jobs"
	"github.com/haasonsaas/taskloop/internal/llm"
	"github.com/haasonsaas/taskloop/internal/messages"
	"github.com/haasonsaas/taskloop/internal/observability"
	"github.com/haasonsaas/taskloop/internal/prompts"
	"github.com/haasonsaas/taskloop/internal/retry"
	"github.com/haasonsaas/taskloop/internal/tasks"
	"github.com/haasonsaas/taskloop/internal/tools"
	"github.com/haasonsaas/taskloop/internal/tools/comms"
	"github.com/haasonsaas/taskloop/internal/tools/taskctl"
	"github.com/haasonsaas/taskloop/pkg/models"
)

const (
	// DefaultMaxSteps pauses a task that has run this many steps.
	DefaultMaxSteps = 50

	// BudgetExhausted is the pause reason of a task that hit MaxSteps.
	BudgetExhausted = "step budget exhausted"
)

// ErrTaskBusy is returned by Step when another worker is stepping the task.
var ErrTaskBusy = errors.New("task is being stepped elsewhere")

// Outcome is how a step ended.
type Outcome string

const (
	OutcomeContinued Outcome = "continued"
	OutcomePaused    Outcome = "paused"
	OutcomeDone      Outcome = "done"
	OutcomeBudget    Outcome = "budget_exhausted"
	OutcomeBusy      Outcome = "busy"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Config tunes the engine.
type Config struct {
	Model     string
	MaxTokens int

	// MaxSteps bounds the steps a task runs between resumes. Zero uses
	// DefaultMaxSteps; a negative value disables the bound.
	MaxSteps int

	// MaxContextSteps bounds the step log kept in a task's context.
	MaxContextSteps int
}

// Deps are the engine's collaborators.
type Deps struct {
	Tasks     tasks.Store
	Messages  messages.Store
	Gateway   llm.Gateway
	Tools     *tools.Registry
	Prompts   *prompts.Source
	Scheduler *Scheduler
	Locker    tasks.Locker

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
	Env     tools.Env
}

// Engine runs continuation steps.
type Engine struct {
	tasks     tasks.Store
	notices   comms.Deps
	gateway   llm.Gateway
	tools     *tools.Registry
	prompts   *prompts.Source
	scheduler *Scheduler
	locker    tasks.Locker

	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
	env     tools.Env
	config  Config
}

// New creates an engine.
func New(d Deps, cfg Config) (*Engine, error) {
	switch {
	case d.Tasks == nil:
		return nil, errors.New("engine: task store is required")
	case d.Messages == nil:
		return nil, errors.New("engine: message store is required")
	case d.Gateway == nil:
		return nil, errors.New("engine: gateway is required")
	case d.Tools == nil:
		return nil, errors.New("engine: tool registry is required")
	case d.Scheduler == nil:
		return nil, errors.New("engine: scheduler is required")
	}
	if d.Prompts == nil {
		d.Prompts = prompts.Static(prompts.Default())
	}
	if d.Locker == nil {
		d.Locker = tasks.NewLocalLocker()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxContextSteps <= 0 {
		cfg.MaxContextSteps = models.DefaultMaxStepRecords
	}
	return &Engine{
		tasks:     d.Tasks,
		notices:   comms.Deps{Messages: d.Messages, Env: d.Env},
		gateway:   d.Gateway,
		tools:     d.Tools,
		prompts:   d.Prompts,
		scheduler: d.Scheduler,
		locker:    d.Locker,
		metrics:   d.Metrics,
		tracer:    d.Tracer,
		logger:    d.Logger.With("component", "continuation-engine"),
		env:       d.Env,
		config:    cfg,
	}, nil
}

// Handle is the jobs.Handler for continuation jobs. A step that is already
// running elsewhere is dropped; every other failure goes back to the queue.
func (e *Engine) Handle(ctx context.Context, job *jobs.Job) error {
	var p Payload
	if err := job.Decode(&p); err != nil {
		return retry.Permanent(err)
	}
	ctx = observability.AddJobID(ctx, job.ID)
	_, err := e.Step(ctx, p)
	if errors.Is(err, ErrTaskBusy) {
		e.logger.InfoContext(ctx, "dropping duplicate continuation", "task_id", p.TaskID, "step", p.Step)
		return nil
	}
	return err
}

// Step runs one continuation step for the task in p.
func (e *Engine) Step(ctx context.Context, p Payload) (outcome Outcome, err error) {
	if p.TaskID == "" || p.UserID == "" {
		return OutcomeFailed, retry.Permanent(errors.New("continuation payload needs task_id and user_id"))
	}
	ctx = observability.AddTaskID(observability.AddUserID(ctx, p.UserID), p.TaskID)
	ctx, span := e.tracer.Start(ctx, "engine.step",
		attribute.String("task.id", p.TaskID),
		attribute.Int("task.step", p.Step),
	)
	start := time.Now()
	defer func() {
		span.SetAttributes(attribute.String("step.outcome", string(outcome)))
		if err != nil && !errors.Is(err, ErrTaskBusy) {
			observability.RecordError(span, err)
		}
		span.End()
		e.metrics.RecordStep(string(outcome), time.Since(start))
	}()

	if err := e.locker.TryLock(ctx, p.TaskID); err != nil {
		if errors.Is(err, tasks.ErrLockHeld) {
			return OutcomeBusy, ErrTaskBusy
		}
		return OutcomeFailed, fmt.Errorf("lock task %s: %w", p.TaskID, err)
	}
	defer e.locker.Unlock(p.TaskID)

	task, err := e.tasks.Get(ctx, p.TaskID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return OutcomeFailed, retry.Permanent(fmt.Errorf("task %s: %w", p.TaskID, tasks.ErrNotFound))
	}
	if task.UserID != p.UserID {
		return OutcomeFailed, retry.Permanent(fmt.Errorf("task %s does not belong to user %s", p.TaskID, p.UserID))
	}

	if skip, reason := e.shouldSkip(ctx, task, p); skip {
		e.logger.DebugContext(ctx, "skipping continuation", "task_id", task.ID, "step", p.Step, "reason", reason)
		return OutcomeSkipped, nil
	}

	if e.config.MaxSteps > 0 && task.StepsSinceResume() >= e.config.MaxSteps {
		return e.exhaust(ctx, task)
	}

	return e.run(ctx, task)
}

// shouldSkip reports whether the delivery must not run a step. A redelivery
// of the most recent step re-schedules what that step handed off, in case the
// previous attempt persisted the task but failed to enqueue.
func (e *Engine) shouldSkip(ctx context.Context, task *models.Task, p Payload) (bool, string) {
	switch {
	case p.Step < task.StepCount:
		if p.Step == task.StepCount-1 {
			e.repairHandoffs(ctx, task)
		}
		return true, "stale step"
	case task.IsDone:
		return true, "task is done"
	case p.Step > task.StepCount:
		return true, "step from the future"
	case task.Status == models.TaskStatusPaused:
		return true, "task is paused"
	}
	return false, ""
}

// repairHandoffs re-schedules the follow-up of a continued task and the
// first step of every task the last step created or resumed that has not
// started yet. The dedupe key makes this a no-op for jobs still queued.
func (e *Engine) repairHandoffs(ctx context.Context, task *models.Task) {
	var follow []tools.Continuation
	if task.Status == models.TaskStatusContinued && !task.IsDone {
		follow = append(follow, tools.Continuation{TaskID: task.ID, UserID: task.UserID, Step: task.StepCount})
	}
	for _, id := range handedOff(task.Context.LastStep()) {
		if id == task.ID {
			continue
		}
		child, err := e.tasks.Get(ctx, id)
		if err != nil {
			e.logger.WarnContext(ctx, "loading handed-off task failed", "task_id", task.ID, "child_id", id, "error", err)
			continue
		}
		if child == nil || child.IsDone || child.UserID != task.UserID || child.Status != models.TaskStatusPending {
			continue
		}
		follow = append(follow, tools.Continuation{TaskID: child.ID, UserID: child.UserID, Step: child.StepCount})
	}
	for _, cont := range follow {
		if err := e.scheduler.Schedule(ctx, cont); err != nil {
			e.logger.WarnContext(ctx, "re-scheduling hand-off failed", "task_id", cont.TaskID, "error", err)
		}
	}
}

// handedOff returns the ids of tasks created or resumed by successful calls.
func handedOff(records []models.StepRecord) []string {
	var ids []string
	for _, rec := range records {
		if rec.Status != models.StepStatusOK || (rec.ToolName != taskctl.CreateTask && rec.ToolName != taskctl.ResumeTask) {
			continue
		}
		var out struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(rec.Result, &out); err == nil && out.TaskID != "" {
			ids = append(ids, out.TaskID)
		}
	}
	return ids
}

func (e *Engine) run(ctx context.Context, task *models.Task) (Outcome, error) {
	stepIndex := task.StepCount
	set := e.prompts.Current()

	task.Status = models.TaskStatusProcessing
	task.UpdatedAt = e.env.Time()
	if err := e.tasks.Update(ctx, task); err != nil {
		return OutcomeFailed, fmt.Errorf("mark processing: %w", err)
	}

	userPrompt, err := set.RenderContinuation(prompts.ContinuationData{
		Now:       e.env.Time(),
		Task:      task,
		LastStep:  task.Context.LastStep(),
		StepIndex: stepIndex,
		MaxSteps:  e.stepLimit(task),
	})
	if err != nil {
		e.markError(ctx, task.ID)
		return OutcomeFailed, err
	}

	decision, err := e.gateway.Decide(ctx, &llm.Request{
		Model:           e.config.Model,
		System:          set.ContinuationSystem,
		Messages:        []llm.Message{{Role: models.RoleUser, Content: userPrompt}},
		Tools:           e.tools.Specs(),
		RequireToolCall: true,
		MaxTokens:       e.config.MaxTokens,
	})
	if err != nil {
		e.markError(ctx, task.ID)
		return OutcomeFailed, fmt.Errorf("continuation decision: %w", err)
	}

	control := &tools.Control{}
	records := e.execute(ctx, task, stepIndex, control, decision)
	task.Context.RecordStep(stepIndex, records, e.config.MaxContextSteps)
	task.StepCount = stepIndex + 1
	task.UpdatedAt = e.env.Time()

	outcome := OutcomeContinued
	if finished, summary := control.Finished(); finished {
		task.MarkDone(summary)
		task.PauseReason = ""
		outcome = OutcomeDone
	} else if paused, reason := control.Paused(); paused {
		task.Status = models.TaskStatusPaused
		task.PauseReason = reason
		outcome = OutcomePaused
	} else {
		task.Status = models.TaskStatusContinued
	}

	if err := e.tasks.Update(ctx, task); err != nil {
		e.markError(ctx, task.ID)
		return OutcomeFailed, fmt.Errorf("persist step: %w", err)
	}

	// Follow-ups go out only after the write above succeeded.
	follow := control.Scheduled()
	if outcome == OutcomeContinued {
		follow = append(follow, tools.Continuation{TaskID: task.ID, UserID: task.UserID, Step: task.StepCount})
	}
	for _, cont := range follow {
		if err := e.scheduler.Schedule(ctx, cont); err != nil {
			return OutcomeFailed, err
		}
	}

	e.logger.InfoContext(ctx, "step finished",
		"task_id", task.ID,
		"step", stepIndex,
		"outcome", outcome,
		"calls", len(records),
		"prompts", set.Stamp(),
	)
	return outcome, nil
}

// stepLimit is the step index at which the current budget runs out, or zero
// when steps are unbounded.
func (e *Engine) stepLimit(task *models.Task) int {
	if e.config.MaxSteps <= 0 {
		return 0
	}
	return task.Context.BudgetBase + e.config.MaxSteps
}

func (e *Engine) execute(ctx context.Context, task *models.Task, stepIndex int, control *tools.Control, decision *llm.Decision) []models.StepRecord {
	now := e.env.Time()
	if !decision.HasToolCalls() {
		// Prose instead of a call is kept as a note so the next step sees it.
		text := ""
		if decision != nil {
			text = decision.Text
		}
		return []models.StepRecord{{
			StepIndex: stepIndex,
			ToolName:  "note",
			Status:    models.StepStatusNote,
			Reason:    text,
			At:        now,
		}}
	}

	scope := tools.Scope{
		UserID:    task.UserID,
		Source:    "continuation",
		Task:      task,
		StepIndex: stepIndex,
		Control:   control,
	}
	records := make([]models.StepRecord, 0, len(decision.ToolCalls))
	for _, call := range decision.ToolCalls {
		res := e.tools.Execute(ctx, tools.Invocation{ID: call.ID, Name: call.Name, Args: call.Input, Scope: scope})
		records = append(records, toRecord(stepIndex, call.Name, res, e.env.Time()))
	}
	return records
}

func toRecord(stepIndex int, name string, res *tools.Result, at time.Time) models.StepRecord {
	rec := models.StepRecord{StepIndex: stepIndex, ToolName: name, At: at}
	if res.Failed() {
		rec.Status = models.StepStatusError
		rec.Reason = res.Reason
		return rec
	}
	rec.Status = models.StepStatusOK
	if res.Result != nil {
		data, err := json.Marshal(res.Result)
		if err != nil {
			rec.Status = models.StepStatusError
			rec.Reason = "result is not serializable: " + err.Error()
			return rec
		}
		rec.Result = data
	}
	return rec
}

// exhaust pauses a task that ran out of steps and tells the user.
func (e *Engine) exhaust(ctx context.Context, task *models.Task) (Outcome, error) {
	task.Status = models.TaskStatusPaused
	task.PauseReason = BudgetExhausted
	task.UpdatedAt = e.env.Time()
	if err := e.tasks.Update(ctx, task); err != nil {
		return OutcomeFailed, fmt.Errorf("pause exhausted task: %w", err)
	}
	e.logger.WarnContext(ctx, "task paused after step budget", "task_id", task.ID, "steps", task.StepCount)

	notice := fmt.Sprintf("Task %q was paused after %d steps without finishing. Ask me to resume it if it should keep going.",
		task.TaskInstruction, task.StepsSinceResume())
	if err := comms.Post(ctx, e.notices, task.UserID, "", notice); err != nil {
		e.logger.WarnContext(ctx, "budget notice failed", "task_id", task.ID, "error", err)
	}
	return OutcomeBudget, nil
}

// markError flags the task as failed. It re-reads the row so a half-built
// step is never written, and it never masks the original error.
func (e *Engine) markError(ctx context.Context, taskID string) {
	ctx = context.WithoutCancel(ctx)
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil || task == nil || task.IsDone {
		return
	}
	task.Status = models.TaskStatusError
	task.UpdatedAt = e.env.Time()
	if err := e.tasks.Update(ctx, task); err != nil {
		e.logger.WarnContext(ctx, "could not mark task as failed", "task_id", taskID, "error", err)
	}
}
