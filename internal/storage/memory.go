package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/taskloop/internal/messages"
	"github.com/haasonsaas/taskloop/internal/tasks"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// NewMemoryStores returns a StoreSet backed entirely by memory.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Tasks:        tasks.NewMemoryStore(),
		Messages:     messages.NewMemoryStore(),
		Instructions: NewMemoryInstructionStore(),
		Mail:         NewMemoryMailStore(),
		Users:        NewMemoryUserStore(),
	}
}

// MemoryInstructionStore keeps instructions in memory.
type MemoryInstructionStore struct {
	mu           sync.RWMutex
	instructions map[string]*models.Instruction
}

// NewMemoryInstructionStore creates an empty instruction store.
func NewMemoryInstructionStore() *MemoryInstructionStore {
	return &MemoryInstructionStore{instructions: make(map[string]*models.Instruction)}
}

func (s *MemoryInstructionStore) Create(ctx context.Context, inst *models.Instruction) error {
	if inst == nil || inst.ID == "" {
		return fmt.Errorf("instruction is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instructions[inst.ID]; exists {
		return ErrAlreadyExists
	}
	clone := *inst
	s.instructions[inst.ID] = &clone
	return nil
}

func (s *MemoryInstructionStore) Get(ctx context.Context, id string) (*models.Instruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instructions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *inst
	return &clone, nil
}

func (s *MemoryInstructionStore) Update(ctx context.Context, inst *models.Instruction) error {
	if inst == nil || inst.ID == "" {
		return fmt.Errorf("instruction is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.instructions[inst.ID]
	if !ok {
		return ErrNotFound
	}
	clone := *inst
	clone.UserID = existing.UserID
	clone.CreatedAt = existing.CreatedAt
	s.instructions[inst.ID] = &clone
	return nil
}

func (s *MemoryInstructionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instructions[id]; !ok {
		return ErrNotFound
	}
	delete(s.instructions, id)
	return nil
}

func (s *MemoryInstructionStore) List(ctx context.Context, userID string, activeOnly bool) ([]*models.Instruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Instruction
	for _, inst := range s.instructions {
		if inst.UserID != userID || (activeOnly && !inst.IsActive) {
			continue
		}
		clone := *inst
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MemoryMailStore keeps emails in memory. Add is used by tests and demos
// since the mail sync itself lives outside this service.
type MemoryMailStore struct {
	mu     sync.RWMutex
	emails []*models.Email
}

// NewMemoryMailStore creates an empty mailbox store.
func NewMemoryMailStore() *MemoryMailStore {
	return &MemoryMailStore{}
}

// Add stores emails.
func (s *MemoryMailStore) Add(emails ...*models.Email) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, email := range emails {
		clone := *email
		s.emails = append(s.emails, &clone)
	}
}

func (s *MemoryMailStore) List(ctx context.Context, opts MailListOptions) ([]*models.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Email
	for _, email := range s.emails {
		if email.UserID != opts.UserID || (opts.UnreadOnly && email.IsRead) {
			continue
		}
		clone := *email
		out = append(out, &clone)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// MemoryUserStore keeps user profiles in memory.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*models.UserProfile
}

// NewMemoryUserStore creates an empty user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*models.UserProfile)}
}

// Put stores or replaces a profile.
func (s *MemoryUserStore) Put(user *models.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *user
	s.users[user.ID] = &clone
}

func (s *MemoryUserStore) Get(ctx context.Context, id string) (*models.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *user
	return &clone, nil
}
