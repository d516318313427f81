package messages

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/taskloop/pkg/models"
)

func seed(t *testing.T, store *MemoryStore, msgs ...*models.Message) {
	t.Helper()
	for _, msg := range msgs {
		if err := store.Create(context.Background(), msg); err != nil {
			t.Fatalf("Create(%s): %v", msg.ID, err)
		}
	}
}

func TestMemoryStoreListPaginates(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now()
	seed(t, store,
		&models.Message{ID: "m3", UserID: "u1", SessionID: "s1", Role: models.RoleUser, Content: "three", InsertedAt: base.Add(2 * time.Second)},
		&models.Message{ID: "m1", UserID: "u1", SessionID: "s1", Role: models.RoleUser, Content: "one", InsertedAt: base},
		&models.Message{ID: "m2", UserID: "u1", SessionID: "s1", Role: models.RoleAssistant, Content: "two", InsertedAt: base.Add(time.Second)},
		&models.Message{ID: "x", UserID: "u2", SessionID: "s1", Role: models.RoleUser, Content: "foreign", InsertedAt: base},
	)

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{"all", ListOptions{UserID: "u1", SessionID: "s1"}, []string{"m1", "m2", "m3"}},
		{"limit", ListOptions{UserID: "u1", SessionID: "s1", Limit: 2}, []string{"m1", "m2"}},
		{"offset", ListOptions{UserID: "u1", SessionID: "s1", Offset: 2}, []string{"m3"}},
		{"past end", ListOptions{UserID: "u1", SessionID: "s1", Offset: 5}, nil},
		{"other user", ListOptions{UserID: "u2", SessionID: "s1"}, []string{"x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(context.Background(), tt.opts)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d messages, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("message %d = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestMemoryStoreSessionOwner(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, &models.Message{ID: "m1", UserID: "u1", SessionID: "s1", Role: models.RoleUser})

	owner, err := store.SessionOwner(context.Background(), "s1")
	if err != nil || owner != "u1" {
		t.Errorf("SessionOwner(s1) = %q, %v", owner, err)
	}
	owner, _ = store.SessionOwner(context.Background(), "new")
	if owner != "" {
		t.Errorf("SessionOwner(new) = %q, want empty", owner)
	}
}

func TestMemoryStoreSearchRoleAndUser(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store,
		&models.Message{ID: "u", UserID: "u1", Role: models.RoleUser, Embedding: []float32{1, 0}},
		&models.Message{ID: "a", UserID: "u1", Role: models.RoleAssistant, Embedding: []float32{1, 0}},
		&models.Message{ID: "f", UserID: "u2", Role: models.RoleUser, Embedding: []float32{1, 0}},
	)

	hits, err := store.Search(context.Background(), SearchQuery{
		UserID: "u1", Embedding: []float32{1, 0}, MaxDistance: 0.3, Limit: 10, Role: models.RoleUser,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Message.ID != "u" {
		t.Fatalf("hits = %+v", hits)
	}

	hits, _ = store.Search(context.Background(), SearchQuery{
		UserID: "u1", Embedding: []float32{1, 0}, MaxDistance: 0.3, Limit: 10,
	})
	if len(hits) != 2 {
		t.Errorf("unfiltered hits = %d, want 2", len(hits))
	}
}

func TestMemoryStoreMissingEmbeddingsSkipsSystem(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store,
		&models.Message{ID: "sys", UserID: "u1", Role: models.RoleSystem, Content: "note"},
		&models.Message{ID: "usr", UserID: "u1", Role: models.RoleUser, Content: "hi"},
	)
	missing, err := store.ListMissingEmbeddings(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListMissingEmbeddings: %v", err)
	}
	if len(missing) != 1 || missing[0].ID != "usr" {
		t.Fatalf("missing = %+v", missing)
	}
}
