// Package jobs is a durable background job queue. Jobs are claimed with a
// lease, retried with backoff, and may carry a unique key that admits at most
// one queued or running job at a time.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusDead      Status = "dead"
)

// DefaultMaxAttempts bounds retries when a job does not set its own limit.
const DefaultMaxAttempts = 5

var (
	// ErrDuplicate is returned by Enqueue when a queued or running job
	// already holds the same unique key.
	ErrDuplicate = errors.New("job with this unique key is already in flight")

	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")
)

// Job is one unit of background work.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	UniqueKey   string          `json:"unique_key,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	LockedBy    string          `json:"locked_by,omitempty"`
	LockedUntil time.Time       `json:"locked_until,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewJob builds a queued job whose payload is the JSON encoding of payload.
func NewJob(kind string, payload any) (*Job, error) {
	if kind == "" {
		return nil, fmt.Errorf("job kind is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now()
	return &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     data,
		Status:      StatusQueued,
		MaxAttempts: DefaultMaxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// Queue persists jobs.
type Queue interface {
	// Enqueue stores a queued job. It returns ErrDuplicate when another
	// queued or running job carries the same non-empty UniqueKey.
	Enqueue(ctx context.Context, job *Job) error

	// Acquire claims the oldest runnable job for workerID, marks it running,
	// and increments its attempt count. It returns nil, nil when idle.
	Acquire(ctx context.Context, workerID string, lease time.Duration) (*Job, error)

	// Complete marks a running job as succeeded.
	Complete(ctx context.Context, id string) error

	// Fail records a failed attempt. A nil retryAt marks the job dead;
	// otherwise it is requeued to run at retryAt.
	Fail(ctx context.Context, id string, errMsg string, retryAt *time.Time) error

	// CleanupStale requeues running jobs whose lease has expired and returns
	// how many were released.
	CleanupStale(ctx context.Context) (int, error)
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	if job.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), job.Payload...)
	}
	return &clone
}
