package tasks

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestLocalLockerExcludes(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()

	if err := locker.TryLock(ctx, "t1"); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if err := locker.TryLock(ctx, "t1"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second lock = %v, want ErrLockHeld", err)
	}
	if err := locker.TryLock(ctx, "t2"); err != nil {
		t.Fatalf("independent task lock: %v", err)
	}
	locker.Unlock("t1")
	if err := locker.TryLock(ctx, "t1"); err != nil {
		t.Fatalf("relock after unlock: %v", err)
	}
	if err := locker.TryLock(ctx, ""); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestLocalLockerConcurrent(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()
	var acquired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if locker.TryLock(ctx, "t1") == nil {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()
	if acquired.Load() != 1 {
		t.Errorf("acquired = %d, want 1", acquired.Load())
	}
}

func TestDBLockerTryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	locker, err := NewDBLocker(db, DBLockerConfig{OwnerID: "worker-1"})
	if err != nil {
		t.Fatalf("NewDBLocker: %v", err)
	}
	defer locker.Close()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO task_locks")).
		WithArgs("t1", "worker-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("worker-1"))
	if err := locker.TryLock(context.Background(), "t1"); err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO task_locks")).
		WithArgs("t2", "worker-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}))
	if err := locker.TryLock(context.Background(), "t2"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("TryLock held = %v, want ErrLockHeld", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM task_locks")).
		WithArgs("t1", "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	locker.Unlock("t1")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestNewDBLockerValidation(t *testing.T) {
	if _, err := NewDBLocker(nil, DBLockerConfig{OwnerID: "x"}); err == nil {
		t.Error("expected error for nil db")
	}
	db, _, _ := sqlmock.New()
	defer db.Close()
	if _, err := NewDBLocker(db, DBLockerConfig{}); err == nil {
		t.Error("expected error for missing owner")
	}
}
