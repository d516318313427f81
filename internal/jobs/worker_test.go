package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/taskloop/internal/observability"
	"github.com/haasonsaas/taskloop/internal/retry"
)

func newTestWorker(q Queue, metrics *observability.Metrics) *Worker {
	return NewWorker(q, WorkerConfig{
		WorkerID: "test-worker",
		Backoff:  retry.Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Metrics:  metrics,
	})
}

func TestWorker_RunOnceSuccess(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	w := newTestWorker(q, metrics)

	var got string
	w.Register("echo", HandlerFunc(func(ctx context.Context, job *Job) error {
		var payload map[string]string
		if err := job.Decode(&payload); err != nil {
			return err
		}
		got = payload["k"]
		return nil
	}))

	job := newTestJob(t, "echo", "")
	_ = q.Enqueue(ctx, job)

	found, err := w.RunOnce(ctx)
	if err != nil || !found {
		t.Fatalf("RunOnce = %v, %v", found, err)
	}
	if got != "v" {
		t.Errorf("handler saw %q", got)
	}
	stored, _ := q.Get(job.ID)
	if stored.Status != StatusSucceeded {
		t.Errorf("status = %s", stored.Status)
	}
	if v := testutil.ToFloat64(metrics.Jobs.WithLabelValues("echo", "succeeded")); v != 1 {
		t.Errorf("succeeded jobs = %v", v)
	}

	found, err = w.RunOnce(ctx)
	if err != nil || found {
		t.Errorf("idle RunOnce = %v, %v", found, err)
	}
}

func TestWorker_RetriesThenBuries(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	w := newTestWorker(q, nil)

	var calls atomic.Int32
	w.Register("flaky", HandlerFunc(func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return errors.New("transient")
	}))

	job := newTestJob(t, "flaky", "")
	job.MaxAttempts = 2
	_ = q.Enqueue(ctx, job)

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	stored, _ := q.Get(job.ID)
	if stored.Status != StatusQueued || stored.LastError != "transient" {
		t.Fatalf("after first failure = %+v", stored)
	}

	time.Sleep(5 * time.Millisecond)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	stored, _ = q.Get(job.ID)
	if stored.Status != StatusDead {
		t.Errorf("status = %s, want dead", stored.Status)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d", calls.Load())
	}
}

func TestWorker_PermanentAndUnknownKind(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	w := newTestWorker(q, nil)
	w.Register("bad", HandlerFunc(func(ctx context.Context, job *Job) error {
		return retry.Permanent(errors.New("malformed payload"))
	}))

	bad := newTestJob(t, "bad", "")
	unknown := newTestJob(t, "nobody", "")
	_ = q.Enqueue(ctx, bad)
	_ = q.Enqueue(ctx, unknown)

	if n, err := w.Drain(ctx, 0); err != nil || n != 2 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	for _, id := range []string{bad.ID, unknown.ID} {
		stored, _ := q.Get(id)
		if stored.Status != StatusDead {
			t.Errorf("job %s status = %s, want dead", id, stored.Status)
		}
	}
}

func TestWorker_RecoversPanics(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	w := newTestWorker(q, nil)
	w.Register("panics", HandlerFunc(func(ctx context.Context, job *Job) error {
		panic("boom")
	}))

	job := newTestJob(t, "panics", "")
	job.MaxAttempts = 1
	_ = q.Enqueue(ctx, job)

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	stored, _ := q.Get(job.ID)
	if stored.Status != StatusDead || stored.LastError == "" {
		t.Errorf("job = %+v", stored)
	}
}

func TestWorker_StartStop(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	w := NewWorker(q, WorkerConfig{AcquireInterval: 5 * time.Millisecond, MaxConcurrency: 2})

	done := make(chan struct{}, 3)
	w.Register("tick", HandlerFunc(func(ctx context.Context, job *Job) error {
		done <- struct{}{}
		return nil
	}))
	for i := 0; i < 3; i++ {
		_ = q.Enqueue(ctx, newTestJob(t, "tick", ""))
	}

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d jobs ran", i)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
