package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/taskloop/internal/messages"
	"github.com/haasonsaas/taskloop/internal/tasks"
)

// SweepReport counts one backfill pass.
type SweepReport struct {
	TasksEmbedded    int
	MessagesEmbedded int
	Failed           int
}

// Sweeper backfills vectors for rows written while the provider was down.
type Sweeper struct {
	indexer  *Indexer
	tasks    tasks.Store
	messages messages.Store
	batch    int
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper creates a sweeper processing up to batch rows per kind.
func NewSweeper(indexer *Indexer, taskStore tasks.Store, messageStore messages.Store, batch int, logger *slog.Logger) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		indexer:  indexer,
		tasks:    taskStore,
		messages: messageStore,
		batch:    batch,
		logger:   logger.With("component", "embedding-sweeper"),
	}
}

// RunOnce embeds one batch of tasks and one batch of messages.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	pendingTasks, err := s.tasks.ListMissingEmbeddings(ctx, s.batch)
	if err != nil {
		return report, fmt.Errorf("sweep tasks: %w", err)
	}
	for _, task := range pendingTasks {
		v := s.indexer.Vector(ctx, "task", task.ID, task.TaskInstruction)
		if v == nil {
			report.Failed++
			continue
		}
		if err := s.tasks.SetEmbedding(ctx, task.ID, v); err != nil {
			return report, err
		}
		report.TasksEmbedded++
	}

	pendingMessages, err := s.messages.ListMissingEmbeddings(ctx, s.batch)
	if err != nil {
		return report, fmt.Errorf("sweep messages: %w", err)
	}
	for _, msg := range pendingMessages {
		if !msg.Role.Embeddable() {
			continue
		}
		v := s.indexer.Vector(ctx, "message", msg.ID, msg.Content)
		if v == nil {
			report.Failed++
			continue
		}
		if err := s.messages.SetEmbedding(ctx, msg.ID, v); err != nil {
			return report, err
		}
		report.MessagesEmbedded++
	}
	return report, nil
}

// Start runs RunOnce on the cron schedule until Stop.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		s.mu.Lock()
		if s.running {
			s.mu.Unlock()
			return
		}
		s.running = true
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}()

		report, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("embedding sweep failed", "error", err)
			return
		}
		if report.TasksEmbedded+report.MessagesEmbedded+report.Failed > 0 {
			s.logger.Info("embedding sweep finished",
				"tasks", report.TasksEmbedded,
				"messages", report.MessagesEmbedded,
				"failed", report.Failed)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
