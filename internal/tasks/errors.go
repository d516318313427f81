package tasks

import "errors"

var (
	// ErrNotFound is returned by writes that target a missing task.
	ErrNotFound = errors.New("task not found")

	// ErrLockHeld is returned when another worker holds a task's lease.
	ErrLockHeld = errors.New("task lock held by another worker")
)
