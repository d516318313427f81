package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/taskloop/internal/messages"
	"github.com/haasonsaas/taskloop/internal/tasks"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// PoolConfig sizes the connection pool. Zero fields take the values of
// DefaultPoolConfig.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPoolConfig returns the pool used when nothing is configured.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	d := DefaultPoolConfig()
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = d.MaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = d.MaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = d.ConnMaxIdleTime
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	return c
}

// OpenCockroach opens and pings a postgres-protocol connection pool.
func OpenCockroach(dsn string, pool PoolConfig) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	config := pool.withDefaults()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// NewCockroachStores builds every store on a shared connection pool. The
// returned set owns db and closes it on Close.
func NewCockroachStores(db *sql.DB) StoreSet {
	return StoreSet{
		Tasks:        tasks.NewCockroachStore(db),
		Messages:     messages.NewCockroachStore(db),
		Instructions: &cockroachInstructionStore{db: db},
		Mail:         &cockroachMailStore{db: db},
		Users:        &cockroachUserStore{db: db},
		closer:       db.Close,
	}
}

// NewCockroachStoresFromDSN opens a pool and builds the store set.
func NewCockroachStoresFromDSN(dsn string, pool PoolConfig) (StoreSet, *sql.DB, error) {
	db, err := OpenCockroach(dsn, pool)
	if err != nil {
		return StoreSet{}, nil, err
	}
	return NewCockroachStores(db), db, nil
}

type cockroachInstructionStore struct {
	db *sql.DB
}

const instructionColumns = `id, user_id, name, description, trigger_conditions, actions,
		ai_prompt, is_active, created_at, updated_at`

func (s *cockroachInstructionStore) Create(ctx context.Context, inst *models.Instruction) error {
	if inst == nil || inst.ID == "" {
		return fmt.Errorf("instruction is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instructions (`+instructionColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		inst.ID,
		inst.UserID,
		inst.Name,
		inst.Description,
		inst.TriggerConditions,
		inst.Actions,
		inst.AIPrompt,
		inst.IsActive,
		inst.CreatedAt,
		inst.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create instruction: %w", err)
	}
	return nil
}

func (s *cockroachInstructionStore) Get(ctx context.Context, id string) (*models.Instruction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instructionColumns+` FROM instructions WHERE id = $1`, id)
	inst, err := scanInstruction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instruction: %w", err)
	}
	return inst, nil
}

func (s *cockroachInstructionStore) Update(ctx context.Context, inst *models.Instruction) error {
	if inst == nil || inst.ID == "" {
		return fmt.Errorf("instruction is required")
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE instructions SET
			name = $2,
			description = $3,
			trigger_conditions = $4,
			actions = $5,
			ai_prompt = $6,
			is_active = $7,
			updated_at = $8
		WHERE id = $1
	`,
		inst.ID,
		inst.Name,
		inst.Description,
		inst.TriggerConditions,
		inst.Actions,
		inst.AIPrompt,
		inst.IsActive,
		inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update instruction: %w", err)
	}
	return expectAffected(result, "update instruction")
}

func (s *cockroachInstructionStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM instructions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete instruction: %w", err)
	}
	return expectAffected(result, "delete instruction")
}

func (s *cockroachInstructionStore) List(ctx context.Context, userID string, activeOnly bool) ([]*models.Instruction, error) {
	query := `SELECT ` + instructionColumns + ` FROM instructions WHERE user_id = $1`
	if activeOnly {
		query += ` AND is_active = true`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list instructions: %w", err)
	}
	defer rows.Close()

	var out []*models.Instruction
	for rows.Next() {
		inst, err := scanInstruction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instruction: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list instructions: %w", err)
	}
	return out, nil
}

type cockroachMailStore struct {
	db *sql.DB
}

func (s *cockroachMailStore) List(ctx context.Context, opts MailListOptions) ([]*models.Email, error) {
	query := `SELECT id, user_id, from_address, subject, snippet, is_read, received_at
		FROM emails WHERE user_id = $1`
	if opts.UnreadOnly {
		query += ` AND is_read = false`
	}
	query += ` ORDER BY received_at DESC`
	args := []any{opts.UserID}
	if opts.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}
	defer rows.Close()

	var out []*models.Email
	for rows.Next() {
		var (
			email   models.Email
			snippet sql.NullString
		)
		if err := rows.Scan(
			&email.ID,
			&email.UserID,
			&email.From,
			&email.Subject,
			&snippet,
			&email.IsRead,
			&email.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		email.Snippet = snippet.String
		out = append(out, &email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}
	return out, nil
}

type cockroachUserStore struct {
	db *sql.DB
}

func (s *cockroachUserStore) Get(ctx context.Context, id string) (*models.UserProfile, error) {
	var (
		user     models.UserProfile
		name     sql.NullString
		timezone sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, timezone, can_send_email, has_calendar, has_crm
		FROM users WHERE id = $1
	`, id).Scan(
		&user.ID,
		&user.Email,
		&name,
		&timezone,
		&user.Permissions.CanSendEmail,
		&user.Permissions.HasCalendar,
		&user.Permissions.HasCRM,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	user.Name = name.String
	user.Timezone = timezone.String
	return &user, nil
}

func scanInstruction(row interface{ Scan(...any) error }) (*models.Instruction, error) {
	var (
		inst     models.Instruction
		trigger  sql.NullString
		actions  sql.NullString
		aiPrompt sql.NullString
	)
	if err := row.Scan(
		&inst.ID,
		&inst.UserID,
		&inst.Name,
		&inst.Description,
		&trigger,
		&actions,
		&aiPrompt,
		&inst.IsActive,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	); err != nil {
		return nil, err
	}
	inst.TriggerConditions = trigger.String
	inst.Actions = actions.String
	inst.AIPrompt = aiPrompt.String
	return &inst, nil
}

func expectAffected(result sql.Result, op string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
