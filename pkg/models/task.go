// Package models provides domain types for the taskloop orchestration engine.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus tracks where a task sits in the continuation state machine.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"    // Created, not yet stepped
	TaskStatusProcessing TaskStatus = "processing" // A step is running
	TaskStatusContinued  TaskStatus = "continued"  // Follow-up step scheduled
	TaskStatusPaused     TaskStatus = "paused"     // Waiting on an external event
	TaskStatusDone       TaskStatus = "done"       // Terminal
	TaskStatusError      TaskStatus = "error"      // Last step failed at job level
)

// IsTerminal reports whether no further steps may run for the status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone
}

// Runnable reports whether a task in this status is owed a step: it was
// created, handed a follow-up, or was interrupted mid-step.
func (s TaskStatus) Runnable() bool {
	switch s {
	case TaskStatusPending, TaskStatusContinued, TaskStatusProcessing:
		return true
	}
	return false
}

// Task is a durable unit of goal-directed work driven step by step.
type Task struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	// TaskInstruction is the goal. It is set at creation and never changes.
	TaskInstruction string `json:"task_instruction"`

	CurrentSummary  string `json:"current_summary,omitempty"`
	NextInstruction string `json:"next_instruction,omitempty"`

	Context TaskContext `json:"context"`

	// IsDone only ever moves from false to true.
	IsDone bool       `json:"is_done"`
	Status TaskStatus `json:"status"`

	// StepCount is the number of steps that completed and were persisted.
	StepCount   int    `json:"step_count"`
	PauseReason string `json:"pause_reason,omitempty"`

	Embedding []float32 `json:"embedding,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarkDone finishes the task. There is no inverse.
func (t *Task) MarkDone(finalSummary string) {
	t.IsDone = true
	t.Status = TaskStatusDone
	if finalSummary != "" {
		t.CurrentSummary = finalSummary
	}
}

// StepsSinceResume is the number of steps run since the task was created or
// last resumed.
func (t *Task) StepsSinceResume() int {
	return t.StepCount - t.Context.BudgetBase
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Context = t.Context.Clone()
	if t.Embedding != nil {
		clone.Embedding = append([]float32(nil), t.Embedding...)
	}
	return &clone
}

// TaskContextVersion is the current layout of TaskContext.
const TaskContextVersion = 1

// DefaultMaxStepRecords bounds the step log kept in a task's context.
const DefaultMaxStepRecords = 25

// TaskContext is a task's working memory.
//
// Values holds free-form keys written by tools. Steps is a bounded log of
// tool outcomes; the records of the most recent step are what the next
// prompt presents as the previous step's results.
type TaskContext struct {
	Version int            `json:"version"`
	Values  map[string]any `json:"values,omitempty"`
	Steps   []StepRecord   `json:"steps,omitempty"`

	// BudgetBase is the step count at the last resume. The step budget
	// counts from here.
	BudgetBase int `json:"budget_base,omitempty"`
}

// StepStatus is the outcome of one recorded tool call.
type StepStatus string

const (
	StepStatusOK    StepStatus = "ok"
	StepStatusError StepStatus = "error"
	StepStatusNote  StepStatus = "note"
)

// StepRecord is a single tool outcome inside a step.
type StepRecord struct {
	StepIndex int             `json:"step_index"`
	ToolName  string          `json:"tool_name"`
	Status    StepStatus      `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	At        time.Time       `json:"at"`
}

// NewTaskContext returns an empty context at the current version.
func NewTaskContext() TaskContext {
	return TaskContext{Version: TaskContextVersion, Values: map[string]any{}}
}

// Set stores a free-form value.
func (c *TaskContext) Set(key string, value any) {
	if c.Values == nil {
		c.Values = map[string]any{}
	}
	c.Values[key] = value
}

// LastStep returns the records of the most recent step, if any.
func (c TaskContext) LastStep() []StepRecord {
	if len(c.Steps) == 0 {
		return nil
	}
	last := c.Steps[len(c.Steps)-1].StepIndex
	start := len(c.Steps)
	for start > 0 && c.Steps[start-1].StepIndex == last {
		start--
	}
	out := make([]StepRecord, len(c.Steps)-start)
	copy(out, c.Steps[start:])
	return out
}

// RecordStep replaces any records already stored for stepIndex with records
// and trims the log to at most max entries, dropping the oldest first.
func (c *TaskContext) RecordStep(stepIndex int, records []StepRecord, max int) {
	if max <= 0 {
		max = DefaultMaxStepRecords
	}
	if c.Version == 0 {
		c.Version = TaskContextVersion
	}
	kept := c.Steps[:0:0]
	for _, rec := range c.Steps {
		if rec.StepIndex != stepIndex {
			kept = append(kept, rec)
		}
	}
	for _, rec := range records {
		rec.StepIndex = stepIndex
		kept = append(kept, rec)
	}
	if len(kept) > max {
		kept = kept[len(kept)-max:]
	}
	c.Steps = kept
}

// Clone returns a deep copy of the context. Values are copied through JSON so
// nested maps written by tools are not shared.
func (c TaskContext) Clone() TaskContext {
	clone := TaskContext{Version: c.Version, BudgetBase: c.BudgetBase}
	if c.Values != nil {
		data, err := json.Marshal(c.Values)
		if err == nil {
			_ = json.Unmarshal(data, &clone.Values)
		}
		if clone.Values == nil {
			clone.Values = make(map[string]any, len(c.Values))
			for k, v := range c.Values {
				clone.Values[k] = v
			}
		}
	}
	if c.Steps != nil {
		clone.Steps = make([]StepRecord, len(c.Steps))
		for i, rec := range c.Steps {
			rec.Result = append(json.RawMessage(nil), rec.Result...)
			clone.Steps[i] = rec
		}
	}
	return clone
}

// UnmarshalJSON accepts both the versioned layout and a legacy flat map,
// which is lifted into Values.
func (c *TaskContext) UnmarshalJSON(data []byte) error {
	type versioned TaskContext
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe == nil {
		*c = NewTaskContext()
		return nil
	}
	if _, ok := probe["version"]; ok {
		var v versioned
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*c = TaskContext(v)
		return nil
	}
	values := map[string]any{}
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*c = TaskContext{Version: TaskContextVersion, Values: values}
	return nil
}
