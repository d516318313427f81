// Package taskctl holds the tools that create and steer durable tasks.
package taskctl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/taskloop/internal/tasks"
	"github.com/haasonsaas/taskloop/internal/tools"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// Tool names.
const (
	CreateTask   = "create_task"
	UpdateTask   = "update_task"
	PauseTask    = "pause_task"
	EndTask      = "end_task"
	CompleteTask = "complete_task"
	ResumeTask   = "resume_task"
)

var errNoTask = errors.New("no task is running in this context")

// Deps are the collaborators of the task-control tools.
type Deps struct {
	Tasks tasks.Store
	Env   tools.Env

	// Locker tells a step in progress from one whose worker died. Without
	// it a processing task cannot be resumed.
	Locker tasks.Locker
}

// Tools returns every task-control tool.
func Tools(d Deps) []tools.Tool {
	return []tools.Tool{
		createTask(d),
		updateTask(),
		pauseTask(),
		finishTool(EndTask, "End the current task. Use when the goal can no longer be pursued or is no longer wanted."),
		finishTool(CompleteTask, "Mark the current task complete once its goal has been achieved."),
		resumeTask(d),
	}
}

type createTaskArgs struct {
	TaskInstruction string         `json:"task_instruction" jsonschema_description:"The goal of the task, stated so it can be pursued over several steps"`
	NextInstruction string         `json:"next_instruction" jsonschema_description:"What the first step should do"`
	CurrentSummary  string         `json:"current_summary,omitempty" jsonschema_description:"What is already known about the goal"`
	Context         map[string]any `json:"context,omitempty" jsonschema_description:"Initial working memory values"`
}

type createTaskResult struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func createTask(d Deps) tools.Tool {
	return tools.MustTyped(CreateTask,
		"Create a durable task for a goal that must wait on an external event or needs several steps. The first step is scheduled automatically.",
		func(ctx context.Context, scope tools.Scope, args createTaskArgs) (*tools.Result, error) {
			if scope.UserID == "" {
				return nil, errors.New("user is required")
			}
			if scope.Control == nil {
				return nil, errors.New("tasks cannot be scheduled from here")
			}
			if strings.TrimSpace(args.TaskInstruction) == "" || strings.TrimSpace(args.NextInstruction) == "" {
				return nil, &tools.ValidationError{Tool: CreateTask, Reason: "task_instruction and next_instruction must not be blank"}
			}

			now := d.Env.Time()
			task := &models.Task{
				ID:              d.Env.ID(),
				UserID:          scope.UserID,
				TaskInstruction: args.TaskInstruction,
				CurrentSummary:  args.CurrentSummary,
				NextInstruction: args.NextInstruction,
				Context:         models.NewTaskContext(),
				Status:          models.TaskStatusPending,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			for k, v := range args.Context {
				task.Context.Set(k, v)
			}
			if err := d.Tasks.Create(ctx, task); err != nil {
				return nil, fmt.Errorf("create task: %w", err)
			}
			scope.Control.Schedule(tools.Continuation{TaskID: task.ID, UserID: task.UserID, Step: 0})
			return tools.OK(createTaskResult{TaskID: task.ID, Status: string(task.Status)}), nil
		})
}

// runningTask returns the working copy of the scope's task after checking
// that the acting user owns it.
func runningTask(scope tools.Scope) (*models.Task, error) {
	if scope.Task == nil {
		return nil, errNoTask
	}
	if !scope.Owns(scope.Task.UserID) {
		return nil, tools.ErrAccessDenied
	}
	return scope.Task, nil
}

type updateTaskArgs struct {
	CurrentSummary  string         `json:"current_summary" jsonschema_description:"Progress so far, replacing the previous summary"`
	NextInstruction string         `json:"next_instruction" jsonschema_description:"What the next step should do"`
	Context         map[string]any `json:"context,omitempty" jsonschema_description:"Values to merge into working memory; null deletes a key"`
}

func updateTask() tools.Tool {
	return tools.MustTyped(UpdateTask,
		"Record progress on the current task and set the instruction for its next step.",
		func(_ context.Context, scope tools.Scope, args updateTaskArgs) (*tools.Result, error) {
			task, err := runningTask(scope)
			if err != nil {
				return nil, err
			}
			task.CurrentSummary = args.CurrentSummary
			task.NextInstruction = args.NextInstruction
			for k, v := range args.Context {
				if v == nil {
					delete(task.Context.Values, k)
					continue
				}
				task.Context.Set(k, v)
			}
			return tools.OK(map[string]any{"task_id": task.ID, "updated": true}), nil
		})
}

type pauseTaskArgs struct {
	Reason string `json:"reason" jsonschema_description:"The external event the task is waiting for"`
}

func pauseTask() tools.Tool {
	return tools.MustTyped(PauseTask,
		"Pause the current task until an external event arrives. No further steps run until it is resumed.",
		func(_ context.Context, scope tools.Scope, args pauseTaskArgs) (*tools.Result, error) {
			task, err := runningTask(scope)
			if err != nil {
				return nil, err
			}
			if scope.Control == nil {
				return nil, errNoTask
			}
			task.PauseReason = args.Reason
			scope.Control.Pause(args.Reason)
			return tools.OK(map[string]any{"task_id": task.ID, "status": models.TaskStatusPaused}), nil
		})
}

type finishArgs struct {
	FinalSummary string `json:"final_summary" jsonschema_description:"The outcome of the task"`
}

func finishTool(name, description string) tools.Tool {
	return tools.MustTyped(name, description,
		func(_ context.Context, scope tools.Scope, args finishArgs) (*tools.Result, error) {
			task, err := runningTask(scope)
			if err != nil {
				return nil, err
			}
			if scope.Control == nil {
				return nil, errNoTask
			}
			scope.Control.Finish(args.FinalSummary)
			return tools.OK(map[string]any{"task_id": task.ID, "status": models.TaskStatusDone}), nil
		})
}

type resumeTaskArgs struct {
	TaskID          string `json:"task_id" jsonschema_description:"The paused task to resume"`
	NextInstruction string `json:"next_instruction,omitempty" jsonschema_description:"Replaces the task's next instruction, typically describing the event that arrived"`
}

func resumeTask(d Deps) tools.Tool {
	return tools.MustTyped(ResumeTask,
		"Resume a paused task because the event it was waiting for has arrived.",
		func(ctx context.Context, scope tools.Scope, args resumeTaskArgs) (*tools.Result, error) {
			if scope.Control == nil {
				return nil, errors.New("tasks cannot be scheduled from here")
			}
			task, err := d.Tasks.Get(ctx, args.TaskID)
			if err != nil {
				return nil, fmt.Errorf("load task: %w", err)
			}
			if task == nil {
				return tools.Errorf("task %s not found", args.TaskID), nil
			}
			if !scope.Owns(task.UserID) {
				return nil, tools.ErrAccessDenied
			}
			if task.IsDone {
				return tools.Errorf("task %s is already done", task.ID), nil
			}
			if task.Status == models.TaskStatusContinued {
				return tools.Errorf("task %s is already running", task.ID), nil
			}
			if task.Status == models.TaskStatusProcessing && !stepAbandoned(ctx, d.Locker, task.ID) {
				return tools.Errorf("task %s is already running", task.ID), nil
			}

			task.Status = models.TaskStatusPending
			task.PauseReason = ""
			task.Context.BudgetBase = task.StepCount
			if args.NextInstruction != "" {
				task.NextInstruction = args.NextInstruction
			}
			task.UpdatedAt = d.Env.Time()
			if err := d.Tasks.Update(ctx, task); err != nil {
				return nil, fmt.Errorf("resume task: %w", err)
			}
			scope.Control.Schedule(tools.Continuation{TaskID: task.ID, UserID: task.UserID, Step: task.StepCount})
			return tools.OK(createTaskResult{TaskID: task.ID, Status: string(task.Status)}), nil
		})
}

// stepAbandoned reports whether a processing task has no step holding its
// lease, which means the worker running it is gone.
func stepAbandoned(ctx context.Context, locker tasks.Locker, taskID string) bool {
	if locker == nil {
		return false
	}
	if err := locker.TryLock(ctx, taskID); err != nil {
		return false
	}
	locker.Unlock(taskID)
	return true
}
