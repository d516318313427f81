package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/taskloop/internal/jobs"
	"github.com/haasonsaas/taskloop/internal/tools"
)

// JobKind is the job kind of a continuation step.
const JobKind = "task.continue"

// Payload is the body of a continuation job.
type Payload struct {
	TaskID string `json:"task_id"`
	UserID string `json:"user_id"`
	Step   int    `json:"step"`
}

// UniqueKey admits one in-flight job per task step.
func UniqueKey(taskID string, step int) string {
	return fmt.Sprintf("continue:%s:%d", taskID, step)
}

// Scheduler enqueues continuation jobs.
type Scheduler struct {
	queue       jobs.Queue
	maxAttempts int
	logger      *slog.Logger
}

// NewScheduler creates a scheduler. maxAttempts <= 0 uses the queue default.
func NewScheduler(queue jobs.Queue, maxAttempts int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{queue: queue, maxAttempts: maxAttempts, logger: logger.With("component", "continuation-scheduler")}
}

// Schedule enqueues one continuation step. A step that is already queued or
// running is not enqueued twice and is not an error.
func (s *Scheduler) Schedule(ctx context.Context, cont tools.Continuation) error {
	if cont.TaskID == "" || cont.UserID == "" {
		return fmt.Errorf("schedule continuation: task and user are required")
	}
	job, err := jobs.NewJob(JobKind, Payload{TaskID: cont.TaskID, UserID: cont.UserID, Step: cont.Step})
	if err != nil {
		return err
	}
	job.UniqueKey = UniqueKey(cont.TaskID, cont.Step)
	if s.maxAttempts > 0 {
		job.MaxAttempts = s.maxAttempts
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		if errors.Is(err, jobs.ErrDuplicate) {
			s.logger.DebugContext(ctx, "continuation already in flight", "task_id", cont.TaskID, "step", cont.Step)
			return nil
		}
		return fmt.Errorf("enqueue continuation for %s: %w", cont.TaskID, err)
	}
	s.logger.DebugContext(ctx, "continuation scheduled", "task_id", cont.TaskID, "step", cont.Step, "job_id", job.ID)
	return nil
}
