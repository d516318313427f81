package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/taskloop/internal/tasks"
	"github.com/haasonsaas/taskloop/internal/tools"
	"github.com/haasonsaas/taskloop/pkg/models"
)

const (
	// DefaultRecoverAfter is how long a task may sit without a write before
	// its next step is enqueued again.
	DefaultRecoverAfter = 2 * time.Minute

	defaultRecoverBatch = 100
)

// RecoverConfig tunes the Recoverer.
type RecoverConfig struct {
	After time.Duration
	Batch int
	Env   tools.Env
}

// RecoverReport counts one recovery pass.
type RecoverReport struct {
	Requeued int
	Busy     int
	Failed   int
}

// Recoverer hands tasks that are owed a step back to the queue. It covers
// hand-offs whose enqueue failed after the task was written, and steps whose
// worker died. Re-enqueueing a step that is still queued is absorbed by the
// dedupe key.
type Recoverer struct {
	tasks     tasks.Store
	scheduler *Scheduler
	locker    tasks.Locker
	config    RecoverConfig
	logger    *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewRecoverer creates a recoverer. Without a locker, tasks stuck in
// processing are left alone.
func NewRecoverer(store tasks.Store, scheduler *Scheduler, locker tasks.Locker, cfg RecoverConfig, logger *slog.Logger) *Recoverer {
	if cfg.After <= 0 {
		cfg.After = DefaultRecoverAfter
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultRecoverBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recoverer{
		tasks:     store,
		scheduler: scheduler,
		locker:    locker,
		config:    cfg,
		logger:    logger.With("component", "task-recoverer"),
	}
}

// RunOnce re-enqueues the current step of every stalled task in one batch.
func (r *Recoverer) RunOnce(ctx context.Context) (RecoverReport, error) {
	var report RecoverReport
	stalled, err := r.tasks.ListStalled(ctx, r.config.Env.Time().Add(-r.config.After), r.config.Batch)
	if err != nil {
		return report, fmt.Errorf("recover tasks: %w", err)
	}
	for _, task := range stalled {
		if task.Status == models.TaskStatusProcessing && !r.abandoned(ctx, task.ID) {
			report.Busy++
			continue
		}
		cont := tools.Continuation{TaskID: task.ID, UserID: task.UserID, Step: task.StepCount}
		if err := r.scheduler.Schedule(ctx, cont); err != nil {
			report.Failed++
			r.logger.WarnContext(ctx, "re-enqueue failed", "task_id", task.ID, "error", err)
			continue
		}
		report.Requeued++
	}
	return report, nil
}

func (r *Recoverer) abandoned(ctx context.Context, taskID string) bool {
	if r.locker == nil {
		return false
	}
	if err := r.locker.TryLock(ctx, taskID); err != nil {
		if !errors.Is(err, tasks.ErrLockHeld) {
			r.logger.WarnContext(ctx, "lease check failed", "task_id", taskID, "error", err)
		}
		return false
	}
	r.locker.Unlock(taskID)
	return true
}

// Start runs RunOnce on the cron schedule until Stop.
func (r *Recoverer) Start(ctx context.Context, schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("recoverer already started")
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		r.mu.Lock()
		if r.running {
			r.mu.Unlock()
			return
		}
		r.running = true
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
		}()

		report, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("task recovery failed", "error", err)
			return
		}
		if report.Requeued+report.Failed > 0 {
			r.logger.Info("task recovery finished",
				"requeued", report.Requeued,
				"busy", report.Busy,
				"failed", report.Failed)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid recover schedule %q: %w", schedule, err)
	}
	r.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running pass.
func (r *Recoverer) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
