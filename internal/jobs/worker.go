package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/taskloop/internal/observability"
	"github.com/haasonsaas/taskloop/internal/retry"
)

// Handler processes one job kind. Returning an error wrapped with
// retry.Permanent buries the job immediately.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// WorkerConfig configures the job worker.
type WorkerConfig struct {
	// WorkerID identifies this worker in job leases. Defaults to a UUID.
	WorkerID string

	// AcquireInterval is how often the worker polls for runnable jobs.
	// Defaults to 500ms.
	AcquireInterval time.Duration

	// Lease is how long a claimed job stays locked. Should exceed the
	// longest expected step. Defaults to 5 minutes.
	Lease time.Duration

	// MaxConcurrency is the maximum number of jobs run at once.
	// Defaults to 4.
	MaxConcurrency int

	// CleanupInterval is how often expired leases are released.
	// Defaults to 1 minute.
	CleanupInterval time.Duration

	// Backoff spaces out retries of failed jobs.
	Backoff retry.Config

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// DefaultWorkerConfig returns a WorkerConfig with sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		WorkerID:        uuid.NewString(),
		AcquireInterval: 500 * time.Millisecond,
		Lease:           5 * time.Minute,
		MaxConcurrency:  4,
		CleanupInterval: time.Minute,
		Backoff: retry.Config{
			InitialDelay: 2 * time.Second,
			MaxDelay:     2 * time.Minute,
			Factor:       2,
			Jitter:       true,
		},
	}
}

// Worker pulls jobs from a Queue and dispatches them to handlers by kind.
type Worker struct {
	queue    Queue
	config   WorkerConfig
	logger   *slog.Logger
	handlers map[string]Handler

	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.RWMutex
	running bool
}

// NewWorker creates a worker. Zero config fields take their defaults.
func NewWorker(queue Queue, config WorkerConfig) *Worker {
	defaults := DefaultWorkerConfig()
	if config.WorkerID == "" {
		config.WorkerID = defaults.WorkerID
	}
	if config.AcquireInterval <= 0 {
		config.AcquireInterval = defaults.AcquireInterval
	}
	if config.Lease <= 0 {
		config.Lease = defaults.Lease
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.Backoff.InitialDelay <= 0 {
		config.Backoff = defaults.Backoff
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		queue:    queue,
		config:   config,
		logger:   logger.With("component", "job-worker", "worker_id", config.WorkerID),
		handlers: make(map[string]Handler),
		sem:      make(chan struct{}, config.MaxConcurrency),
	}
}

// Register binds a handler to a job kind.
func (w *Worker) Register(kind string, handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = handler
}

// Start begins the acquire and cleanup loops.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.logger.Info("starting job worker",
		"acquire_interval", w.config.AcquireInterval,
		"max_concurrency", w.config.MaxConcurrency,
	)

	w.wg.Add(2)
	go w.acquireLoop(ctx)
	go w.cleanupLoop(ctx)
	return nil
}

// Stop cancels the loops and waits for in-flight jobs or ctx expiry.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("job worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce acquires and runs a single job synchronously. It reports whether
// a job was found.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.Acquire(ctx, w.config.WorkerID, w.config.Lease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.run(ctx, job)
	return true, nil
}

// Drain runs jobs until the queue has nothing runnable or max jobs ran.
// A non-positive max means no limit.
func (w *Worker) Drain(ctx context.Context, max int) (int, error) {
	ran := 0
	for max <= 0 || ran < max {
		found, err := w.RunOnce(ctx)
		if err != nil {
			return ran, err
		}
		if !found {
			break
		}
		ran++
	}
	return ran, nil
}

func (w *Worker) acquireLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.AcquireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tryAcquire(ctx)
		}
	}
}

func (w *Worker) tryAcquire(ctx context.Context) {
	select {
	case w.sem <- struct{}{}:
	default:
		return
	}

	job, err := w.queue.Acquire(ctx, w.config.WorkerID, w.config.Lease)
	if err != nil {
		<-w.sem
		if !errors.Is(err, context.Canceled) {
			w.logger.Error("failed to acquire job", "error", err)
		}
		return
	}
	if job == nil {
		<-w.sem
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.run(ctx, job)
	}()
}

func (w *Worker) run(ctx context.Context, job *Job) {
	ctx = observability.AddJobID(ctx, job.ID)
	logger := w.logger.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)

	w.mu.RLock()
	handler, ok := w.handlers[job.Kind]
	w.mu.RUnlock()

	var err error
	if !ok {
		err = retry.Permanent(fmt.Errorf("no handler for job kind %q", job.Kind))
	} else {
		err = w.invoke(ctx, handler, job)
	}

	// Leave the bookkeeping to CleanupStale if we are shutting down mid-job.
	bookkeeping := context.WithoutCancel(ctx)

	if err == nil {
		if cerr := w.queue.Complete(bookkeeping, job.ID); cerr != nil {
			logger.Error("failed to complete job", "error", cerr)
		}
		w.config.Metrics.RecordJob(job.Kind, string(StatusSucceeded))
		logger.Debug("job succeeded")
		return
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if retry.IsPermanent(err) || job.Attempts >= maxAttempts {
		if ferr := w.queue.Fail(bookkeeping, job.ID, err.Error(), nil); ferr != nil {
			logger.Error("failed to bury job", "error", ferr)
		}
		w.config.Metrics.RecordJob(job.Kind, string(StatusDead))
		logger.Error("job failed permanently", "error", err)
		return
	}

	retryAt := time.Now().Add(w.config.Backoff.Delay(job.Attempts))
	if ferr := w.queue.Fail(bookkeeping, job.ID, err.Error(), &retryAt); ferr != nil {
		logger.Error("failed to requeue job", "error", ferr)
	}
	w.config.Metrics.RecordJob(job.Kind, "retry")
	logger.Warn("job failed, will retry", "error", err, "retry_at", retryAt)
}

func (w *Worker) invoke(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, job)
}

func (w *Worker) cleanupLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := w.queue.CleanupStale(ctx)
			if err != nil {
				w.logger.Error("failed to cleanup stale jobs", "error", err)
				continue
			}
			if count > 0 {
				w.logger.Info("released stale jobs", "count", count)
			}
		}
	}
}
