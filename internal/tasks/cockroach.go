package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/taskloop/internal/memory/vector"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// CockroachStore implements Store using CockroachDB. Embeddings live in a
// VECTOR column and are ranked with the <=> cosine distance operator.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStore wraps an open database handle.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

// DB exposes the underlying handle so other stores can share the pool.
func (s *CockroachStore) DB() *sql.DB {
	return s.db
}

// Close releases database resources.
func (s *CockroachStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `id, user_id, task_instruction, current_summary, next_instruction,
		context, is_done, status, step_count, pause_reason,
		COALESCE(embedding::STRING, ''), created_at, updated_at`

// Create inserts a new task.
func (s *CockroachStore) Create(ctx context.Context, task *models.Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	contextJSON, err := json.Marshal(task.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, user_id, task_instruction, current_summary, next_instruction,
			context, is_done, status, step_count, pause_reason,
			embedding, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::VECTOR, $12, $13)
	`,
		task.ID,
		task.UserID,
		task.TaskInstruction,
		task.CurrentSummary,
		task.NextInstruction,
		contextJSON,
		task.IsDone,
		string(task.Status),
		task.StepCount,
		task.PauseReason,
		vector.NullLiteral(task.Embedding),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Get retrieves a task by ID.
func (s *CockroachStore) Get(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// Update writes the mutable columns. is_done is OR-merged with the stored
// value and a finished row keeps its done status.
func (s *CockroachStore) Update(ctx context.Context, task *models.Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	contextJSON, err := json.Marshal(task.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	updatedAt := task.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			current_summary = $2,
			next_instruction = $3,
			context = $4,
			is_done = is_done OR $5,
			status = CASE WHEN is_done OR $5 THEN 'done' ELSE $6 END,
			step_count = $7,
			pause_reason = $8,
			updated_at = $9
		WHERE id = $1
	`,
		task.ID,
		task.CurrentSummary,
		task.NextInstruction,
		contextJSON,
		task.IsDone,
		string(task.Status),
		task.StepCount,
		task.PauseReason,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("update task %s: %w", task.ID, ErrNotFound)
	}
	return nil
}

// ListOpen returns the user's unfinished tasks, newest first.
func (s *CockroachStore) ListOpen(ctx context.Context, userID string, limit int) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE user_id = $1 AND is_done = false
		ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.queryTasks(ctx, "list open tasks", query, args...)
}

// ListStalled returns open tasks that should have a step queued.
func (s *CockroachStore) ListStalled(ctx context.Context, before time.Time, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTasks(ctx, "list stalled tasks", `SELECT `+taskColumns+` FROM tasks
		WHERE is_done = false
		  AND status IN ('pending', 'continued', 'processing')
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, before, limit)
}

// Search ranks the user's embedded tasks by cosine distance.
func (s *CockroachStore) Search(ctx context.Context, query SearchQuery) ([]ScoredTask, error) {
	if len(query.Embedding) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`, embedding <=> $2::VECTOR AS distance
		FROM tasks
		WHERE user_id = $1
		  AND embedding IS NOT NULL
		  AND (embedding <=> $2::VECTOR) <= $3
		ORDER BY distance ASC
		LIMIT $4
	`, query.UserID, vector.Literal(query.Embedding), query.MaxDistance, query.Limit)
	if err != nil {
		return nil, fmt.Errorf("search tasks: %w", err)
	}
	defer rows.Close()

	var hits []ScoredTask
	for rows.Next() {
		var distance float64
		task, err := scanTaskWith(rows, &distance)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		// Never hand another user's row to the caller.
		if task.UserID != query.UserID {
			continue
		}
		hits = append(hits, ScoredTask{Task: task, Distance: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search tasks: %w", err)
	}
	return hits, nil
}

// ListMissingEmbeddings returns tasks that still need a vector, oldest first.
func (s *CockroachStore) ListMissingEmbeddings(ctx context.Context, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTasks(ctx, "list tasks missing embeddings", `SELECT `+taskColumns+` FROM tasks
		WHERE embedding IS NULL AND task_instruction <> ''
		ORDER BY created_at ASC
		LIMIT $1`, limit)
}

// SetEmbedding attaches a vector to an existing task.
func (s *CockroachStore) SetEmbedding(ctx context.Context, id string, embedding []float32) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET embedding = $2::VECTOR WHERE id = $1`,
		id, vector.NullLiteral(embedding))
	if err != nil {
		return fmt.Errorf("set task embedding: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set task embedding: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("set embedding %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *CockroachStore) queryTasks(ctx context.Context, op, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	return scanTaskWith(row)
}

func scanTaskWith(row scanner, extra ...any) (*models.Task, error) {
	var (
		task        models.Task
		contextJSON []byte
		status      string
		embedding   string
	)
	dest := []any{
		&task.ID,
		&task.UserID,
		&task.TaskInstruction,
		&task.CurrentSummary,
		&task.NextInstruction,
		&contextJSON,
		&task.IsDone,
		&status,
		&task.StepCount,
		&task.PauseReason,
		&embedding,
		&task.CreatedAt,
		&task.UpdatedAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	task.Status = models.TaskStatus(status)
	task.Context = models.NewTaskContext()
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &task.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if embedding != "" {
		vec, err := vector.ParseLiteral(embedding)
		if err != nil {
			return nil, fmt.Errorf("parse embedding: %w", err)
		}
		task.Embedding = vec
	}
	return &task, nil
}
