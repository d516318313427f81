package tasks

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Locker grants at most one holder per task id. TryLock never waits: a
// second caller gets ErrLockHeld so a duplicate continuation job can be
// dropped instead of running a concurrent step.
type Locker interface {
	TryLock(ctx context.Context, taskID string) error
	Unlock(taskID string)
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// TryLock claims taskID or returns ErrLockHeld.
func (l *LocalLocker) TryLock(ctx context.Context, taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return errors.New("task_id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[taskID]; ok {
		return ErrLockHeld
	}
	l.held[taskID] = struct{}{}
	return nil
}

// Unlock releases taskID.
func (l *LocalLocker) Unlock(taskID string) {
	l.mu.Lock()
	delete(l.held, taskID)
	l.mu.Unlock()
}

// DBLockerConfig configures the DB-backed task lease.
type DBLockerConfig struct {
	OwnerID         string
	TTL             time.Duration
	RefreshInterval time.Duration
	Logger          *slog.Logger
}

// DefaultDBLockerConfig returns default settings for DBLocker.
func DefaultDBLockerConfig() DBLockerConfig {
	return DBLockerConfig{
		TTL:             2 * time.Minute,
		RefreshInterval: 30 * time.Second,
	}
}

// DBLocker implements a lease lock on the task_locks table so that workers
// in different processes exclude each other. Leases are renewed while held
// and expire on their own if the holder dies.
type DBLocker struct {
	db     *sql.DB
	config DBLockerConfig
	logger *slog.Logger

	mu     sync.Mutex
	renew  map[string]context.CancelFunc
	closed bool
}

// NewDBLocker creates a new DB-backed task locker.
func NewDBLocker(db *sql.DB, cfg DBLockerConfig) (*DBLocker, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if cfg.OwnerID == "" {
		return nil, errors.New("owner id is required")
	}
	defaults := DefaultDBLockerConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaults.RefreshInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "task-locker")
	}
	return &DBLocker{
		db:     db,
		config: cfg,
		logger: logger,
		renew:  make(map[string]context.CancelFunc),
	}, nil
}

// TryLock claims the lease for taskID or returns ErrLockHeld.
func (l *DBLocker) TryLock(ctx context.Context, taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return errors.New("task_id is required")
	}
	ok, err := l.tryAcquire(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	l.startRenew(taskID)
	return nil
}

// Unlock releases the lease. A failed delete is left to expire via TTL.
func (l *DBLocker) Unlock(taskID string) {
	l.stopRenew(taskID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := l.db.ExecContext(ctx, `
		DELETE FROM task_locks
		WHERE task_id = $1 AND owner_id = $2
	`, taskID, l.config.OwnerID); err != nil {
		l.logger.Warn("failed to release task lock", "task_id", taskID, "error", err)
	}
}

// Close stops all renew loops.
func (l *DBLocker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, cancel := range l.renew {
		cancel()
	}
	l.renew = make(map[string]context.CancelFunc)
	return nil
}

func (l *DBLocker) tryAcquire(ctx context.Context, taskID string) (bool, error) {
	now := time.Now()
	expiresAt := now.Add(l.config.TTL)
	var owner string
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO task_locks (task_id, owner_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE task_locks.expires_at < $3
		RETURNING owner_id
	`, taskID, l.config.OwnerID, now, expiresAt).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner == l.config.OwnerID, nil
}

func (l *DBLocker) startRenew(taskID string) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if _, ok := l.renew[taskID]; ok {
		l.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.renew[taskID] = cancel
	l.mu.Unlock()

	go l.renewLoop(ctx, taskID)
}

func (l *DBLocker) stopRenew(taskID string) {
	l.mu.Lock()
	cancel, ok := l.renew[taskID]
	if ok {
		delete(l.renew, taskID)
	}
	l.mu.Unlock()
	if ok {
		cancel()
	}
}

func (l *DBLocker) renewLoop(ctx context.Context, taskID string) {
	ticker := time.NewTicker(l.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.extendLease(ctx, taskID) {
				l.logger.Warn("lost task lease", "task_id", taskID)
				l.stopRenew(taskID)
				return
			}
		}
	}
}

func (l *DBLocker) extendLease(ctx context.Context, taskID string) bool {
	expiresAt := time.Now().Add(l.config.TTL)
	result, err := l.db.ExecContext(ctx, `
		UPDATE task_locks
		SET expires_at = $1
		WHERE task_id = $2 AND owner_id = $3
	`, expiresAt, taskID, l.config.OwnerID)
	if err != nil {
		return false
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false
	}
	return rows > 0
}
