package jobs

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestJob(t *testing.T, kind, key string) *Job {
	t.Helper()
	job, err := NewJob(kind, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	job.UniqueKey = key
	return job
}

func TestNewJob(t *testing.T) {
	job, err := NewJob("continue_task", struct {
		TaskID string `json:"task_id"`
	}{TaskID: "t1"})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if job.Status != StatusQueued || job.MaxAttempts != DefaultMaxAttempts || job.ID == "" {
		t.Errorf("unexpected job: %+v", job)
	}
	var payload struct {
		TaskID string `json:"task_id"`
	}
	if err := job.Decode(&payload); err != nil || payload.TaskID != "t1" {
		t.Errorf("Decode = %+v, %v", payload, err)
	}

	if _, err := NewJob("", nil); err == nil {
		t.Error("expected error for empty kind")
	}
}

func TestMemoryQueue_UniqueKeyInFlight(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	first := newTestJob(t, "continue_task", "continue:t1:0")
	if err := q.Enqueue(ctx, first); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, newTestJob(t, "continue_task", "continue:t1:0")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate Enqueue = %v, want ErrDuplicate", err)
	}

	// Still in flight while running.
	job, err := q.Acquire(ctx, "w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("Acquire = %v, %v", job, err)
	}
	if err := q.Enqueue(ctx, newTestJob(t, "continue_task", "continue:t1:0")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Enqueue while running = %v, want ErrDuplicate", err)
	}

	// Released once finished.
	if err := q.Complete(ctx, job.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := q.Enqueue(ctx, newTestJob(t, "continue_task", "continue:t1:0")); err != nil {
		t.Fatalf("Enqueue after completion: %v", err)
	}

	// Empty keys never collide.
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, newTestJob(t, "sweep", "")); err != nil {
			t.Fatalf("Enqueue without key: %v", err)
		}
	}
}

func TestMemoryQueue_AcquireOrderAndDelay(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Now()
	q.now = func() time.Time { return now }

	later := newTestJob(t, "k", "")
	later.RunAt = now.Add(time.Hour)
	a := newTestJob(t, "k", "")
	a.RunAt = now.Add(-time.Minute)
	b := newTestJob(t, "k", "")
	b.RunAt = now.Add(-time.Minute)

	for _, j := range []*Job{later, a, b} {
		if err := q.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	got, _ := q.Acquire(ctx, "w", time.Minute)
	if got == nil || got.ID != a.ID {
		t.Fatalf("first acquire = %v, want %s", got, a.ID)
	}
	if got.Attempts != 1 || got.Status != StatusRunning || got.LockedBy != "w" {
		t.Errorf("acquired job = %+v", got)
	}
	got, _ = q.Acquire(ctx, "w", time.Minute)
	if got == nil || got.ID != b.ID {
		t.Fatalf("second acquire = %v, want %s", got, b.ID)
	}
	got, err := q.Acquire(ctx, "w", time.Minute)
	if err != nil || got != nil {
		t.Fatalf("delayed job acquired early: %v, %v", got, err)
	}
}

func TestMemoryQueue_FailRetryAndDead(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	job := newTestJob(t, "k", "key")
	_ = q.Enqueue(ctx, job)
	acquired, _ := q.Acquire(ctx, "w", time.Minute)

	retryAt := time.Now().Add(-time.Second)
	if err := q.Fail(ctx, acquired.ID, "boom", &retryAt); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	stored, _ := q.Get(job.ID)
	if stored.Status != StatusQueued || stored.LastError != "boom" {
		t.Errorf("after retry fail = %+v", stored)
	}

	acquired, _ = q.Acquire(ctx, "w", time.Minute)
	if acquired == nil || acquired.Attempts != 2 {
		t.Fatalf("reacquire = %+v", acquired)
	}
	if err := q.Fail(ctx, acquired.ID, "fatal", nil); err != nil {
		t.Fatalf("Fail dead: %v", err)
	}
	stored, _ = q.Get(job.ID)
	if stored.Status != StatusDead {
		t.Errorf("status = %s, want dead", stored.Status)
	}
	if err := q.Enqueue(ctx, newTestJob(t, "k", "key")); err != nil {
		t.Errorf("dead job should release its key: %v", err)
	}

	if err := q.Fail(ctx, "missing", "x", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fail missing = %v", err)
	}
	if err := q.Complete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Complete missing = %v", err)
	}
}

func TestMemoryQueue_CleanupStale(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Now()
	q.now = func() time.Time { return now }

	_ = q.Enqueue(ctx, newTestJob(t, "k", ""))
	if _, err := q.Acquire(ctx, "w", time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if n, _ := q.CleanupStale(ctx); n != 0 {
		t.Fatalf("released %d live leases", n)
	}
	now = now.Add(2 * time.Second)
	if n, _ := q.CleanupStale(ctx); n != 1 {
		t.Fatalf("released %d, want 1", n)
	}
	job, _ := q.Acquire(ctx, "w2", time.Second)
	if job == nil || job.LockedBy != "w2" || job.Attempts != 2 {
		t.Errorf("reacquired = %+v", job)
	}
}
