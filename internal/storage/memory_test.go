package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/taskloop/pkg/models"
)

func TestMemoryInstructionStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryInstructionStore()
	inst := &models.Instruction{
		ID:                "i1",
		UserID:            "u1",
		Name:              "invoices",
		Description:       "file invoices",
		TriggerConditions: "email mentions invoice",
		Actions:           "forward to accounting",
		AIPrompt:          "be brief",
		IsActive:          true,
		CreatedAt:         time.Now(),
	}
	if err := store.Create(ctx, inst); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, inst); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Create = %v", err)
	}

	got, err := store.Get(ctx, "i1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *got != *inst {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, inst)
	}

	got.IsActive = false
	got.UserID = "intruder"
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	active, _ := store.List(ctx, "u1", true)
	if len(active) != 0 {
		t.Errorf("inactive instruction listed as active")
	}
	all, _ := store.List(ctx, "u1", false)
	if len(all) != 1 {
		t.Errorf("owner changed by update: %d", len(all))
	}

	if err := store.Delete(ctx, "i1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "i1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v", err)
	}
	if err := store.Delete(ctx, "i1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v", err)
	}
}

func TestMemoryMailStoreFilters(t *testing.T) {
	store := NewMemoryMailStore()
	base := time.Now()
	store.Add(
		&models.Email{ID: "e1", UserID: "u1", Subject: "old", ReceivedAt: base},
		&models.Email{ID: "e2", UserID: "u1", Subject: "new", ReceivedAt: base.Add(time.Hour)},
		&models.Email{ID: "e3", UserID: "u1", Subject: "read", IsRead: true, ReceivedAt: base.Add(2 * time.Hour)},
		&models.Email{ID: "e4", UserID: "u2", Subject: "foreign", ReceivedAt: base},
	)

	unread, err := store.List(context.Background(), MailListOptions{UserID: "u1", UnreadOnly: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(unread) != 2 || unread[0].ID != "e2" {
		t.Fatalf("unread = %+v", unread)
	}

	limited, _ := store.List(context.Background(), MailListOptions{UserID: "u1", Limit: 1})
	if len(limited) != 1 || limited[0].ID != "e3" {
		t.Errorf("limited = %+v", limited)
	}
}

func TestMemoryUserStore(t *testing.T) {
	store := NewMemoryUserStore()
	store.Put(&models.UserProfile{ID: "u1", Email: "a@example.com"})

	user, err := store.Get(context.Background(), "u1")
	if err != nil || user.Email != "a@example.com" {
		t.Fatalf("Get = %+v, %v", user, err)
	}
	if _, err := store.Get(context.Background(), "u2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing user = %v", err)
	}
}
