// Package storage groups the persistence layer behind a single StoreSet and
// holds the smaller record stores the tools read and write.
package storage

import (
	"context"
	"errors"

	"github.com/haasonsaas/taskloop/internal/messages"
	"github.com/haasonsaas/taskloop/internal/tasks"
	"github.com/haasonsaas/taskloop/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// InstructionStore persists user automation rules.
type InstructionStore interface {
	Create(ctx context.Context, inst *models.Instruction) error
	// Get returns ErrNotFound when the instruction does not exist.
	Get(ctx context.Context, id string) (*models.Instruction, error)
	Update(ctx context.Context, inst *models.Instruction) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, userID string, activeOnly bool) ([]*models.Instruction, error)
}

// MailStore reads synced email records.
type MailStore interface {
	List(ctx context.Context, opts MailListOptions) ([]*models.Email, error)
}

// MailListOptions filters a user's mailbox read.
type MailListOptions struct {
	UserID     string
	UnreadOnly bool
	Limit      int
}

// UserStore reads user profiles.
type UserStore interface {
	// Get returns ErrNotFound when the user does not exist.
	Get(ctx context.Context, id string) (*models.UserProfile, error)
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Tasks        tasks.Store
	Messages     messages.Store
	Instructions InstructionStore
	Mail         MailStore
	Users        UserStore
	closer       func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
