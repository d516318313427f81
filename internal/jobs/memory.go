package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue keeps jobs in memory.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*Job
	seq  map[string]uint64
	next uint64
	now  func() time.Time
}

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs: make(map[string]*Job),
		seq:  make(map[string]uint64),
		now:  time.Now,
	}
}

// Enqueue stores a job.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.UniqueKey != "" {
		for _, existing := range q.jobs {
			if existing.UniqueKey == job.UniqueKey && inFlight(existing.Status) {
				return ErrDuplicate
			}
		}
	}

	stored := cloneJob(job)
	stored.Status = StatusQueued
	if stored.MaxAttempts <= 0 {
		stored.MaxAttempts = DefaultMaxAttempts
	}
	if stored.RunAt.IsZero() {
		stored.RunAt = q.now()
	}
	q.jobs[stored.ID] = stored
	q.next++
	q.seq[stored.ID] = q.next
	return nil
}

// Acquire claims the runnable job with the earliest RunAt.
func (q *MemoryQueue) Acquire(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var ready []*Job
	for _, job := range q.jobs {
		if job.Status == StatusQueued && !job.RunAt.After(now) {
			ready = append(ready, job)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].RunAt.Equal(ready[j].RunAt) {
			return q.seq[ready[i].ID] < q.seq[ready[j].ID]
		}
		return ready[i].RunAt.Before(ready[j].RunAt)
	})

	job := ready[0]
	job.Status = StatusRunning
	job.Attempts++
	job.LockedBy = workerID
	job.LockedUntil = now.Add(lease)
	job.UpdatedAt = now
	return cloneJob(job), nil
}

// Complete marks a job succeeded.
func (q *MemoryQueue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Status = StatusSucceeded
	job.LockedBy = ""
	job.LockedUntil = time.Time{}
	job.UpdatedAt = q.now()
	return nil
}

// Fail records a failed attempt.
func (q *MemoryQueue) Fail(ctx context.Context, id string, errMsg string, retryAt *time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.LastError = errMsg
	job.LockedBy = ""
	job.LockedUntil = time.Time{}
	job.UpdatedAt = q.now()
	if retryAt == nil {
		job.Status = StatusDead
		return nil
	}
	job.Status = StatusQueued
	job.RunAt = *retryAt
	return nil
}

// CleanupStale requeues running jobs whose lease expired.
func (q *MemoryQueue) CleanupStale(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	count := 0
	for _, job := range q.jobs {
		if job.Status == StatusRunning && job.LockedUntil.Before(now) {
			job.Status = StatusQueued
			job.LockedBy = ""
			job.LockedUntil = time.Time{}
			job.LastError = "lease expired"
			job.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// Get returns a copy of a job.
func (q *MemoryQueue) Get(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	return cloneJob(job), ok
}

// List returns copies of all jobs of the given kind in enqueue order. An empty
// kind lists everything.
func (q *MemoryQueue) List(kind string) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Job
	for _, job := range q.jobs {
		if kind == "" || job.Kind == kind {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return q.seq[out[i].ID] < q.seq[out[j].ID] })
	return out
}

func inFlight(status Status) bool {
	return status == StatusQueued || status == StatusRunning
}
