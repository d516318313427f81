package tools

import (
	"time"

	"github.com/google/uuid"
)

// Env supplies the clock and id source to tool handlers. Zero fields fall
// back to time.Now and random UUIDs.
type Env struct {
	Now   func() time.Time
	NewID func() string
}

// Time returns the current time in UTC.
func (e Env) Time() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// ID returns a fresh identifier.
func (e Env) ID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}
