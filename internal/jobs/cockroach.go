package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CockroachQueue implements Queue on the jobs table. A partial unique index
// on unique_key over queued and running rows enforces in-flight dedupe.
type CockroachQueue struct {
	db  *sql.DB
	now func() time.Time
}

// NewCockroachQueue wraps an open database handle.
func NewCockroachQueue(db *sql.DB) *CockroachQueue {
	return &CockroachQueue{db: db, now: time.Now}
}

const jobColumns = `id, kind, payload, status, COALESCE(unique_key, ''), attempts, max_attempts,
		run_at, COALESCE(locked_by, ''), locked_until, COALESCE(last_error, ''), created_at, updated_at`

// Enqueue inserts a job. A conflicting in-flight key yields ErrDuplicate.
func (q *CockroachQueue) Enqueue(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is required")
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	runAt := job.RunAt
	if runAt.IsZero() {
		runAt = q.now()
	}
	var uniqueKey sql.NullString
	if job.UniqueKey != "" {
		uniqueKey = sql.NullString{String: job.UniqueKey, Valid: true}
	}
	payload := job.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	result, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, payload, status, unique_key, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'queued', $4, 0, $5, $6, $7, $7)
		ON CONFLICT DO NOTHING
	`,
		job.ID,
		job.Kind,
		[]byte(payload),
		uniqueKey,
		maxAttempts,
		runAt,
		q.now(),
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	if rows == 0 {
		return ErrDuplicate
	}
	return nil
}

// Acquire claims a runnable job using SELECT FOR UPDATE SKIP LOCKED so
// concurrent workers never receive the same row.
func (q *CockroachQueue) Acquire(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := q.now()
	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'queued' AND run_at <= $1
		ORDER BY run_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, now)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	lockedUntil := now.Add(lease)
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'running',
			attempts = attempts + 1,
			locked_by = $2,
			locked_until = $3,
			updated_at = $4
		WHERE id = $1
	`, job.ID, workerID, lockedUntil, now); err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	job.Status = StatusRunning
	job.Attempts++
	job.LockedBy = workerID
	job.LockedUntil = lockedUntil
	job.UpdatedAt = now
	return job, nil
}

// Complete marks a job succeeded.
func (q *CockroachQueue) Complete(ctx context.Context, id string) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'succeeded',
			locked_by = NULL,
			locked_until = NULL,
			updated_at = $2
		WHERE id = $1
	`, id, q.now())
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return expectRow(result, "complete job")
}

// Fail records a failed attempt and either requeues or buries the job.
func (q *CockroachQueue) Fail(ctx context.Context, id string, errMsg string, retryAt *time.Time) error {
	var (
		result sql.Result
		err    error
	)
	if retryAt == nil {
		result, err = q.db.ExecContext(ctx, `
			UPDATE jobs SET
				status = 'dead',
				last_error = $2,
				locked_by = NULL,
				locked_until = NULL,
				updated_at = $3
			WHERE id = $1
		`, id, errMsg, q.now())
	} else {
		result, err = q.db.ExecContext(ctx, `
			UPDATE jobs SET
				status = 'queued',
				last_error = $2,
				run_at = $3,
				locked_by = NULL,
				locked_until = NULL,
				updated_at = $4
			WHERE id = $1
		`, id, errMsg, *retryAt, q.now())
	}
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return expectRow(result, "fail job")
}

// CleanupStale requeues running jobs whose lease has expired.
func (q *CockroachQueue) CleanupStale(ctx context.Context) (int, error) {
	now := q.now()
	result, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'queued',
			last_error = 'lease expired',
			locked_by = NULL,
			locked_until = NULL,
			updated_at = $1
		WHERE status = 'running' AND locked_until < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("cleanup stale jobs: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(count), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job         Job
		status      string
		payload     []byte
		lockedUntil sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&job.Kind,
		&payload,
		&status,
		&job.UniqueKey,
		&job.Attempts,
		&job.MaxAttempts,
		&job.RunAt,
		&job.LockedBy,
		&lockedUntil,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.Payload = payload
	if lockedUntil.Valid {
		job.LockedUntil = lockedUntil.Time
	}
	return &job, nil
}

func expectRow(result sql.Result, op string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
