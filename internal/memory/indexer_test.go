package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/taskloop/internal/memory/embeddings/embedtest"
	"github.com/haasonsaas/taskloop/internal/messages"
	"github.com/haasonsaas/taskloop/internal/observability"
	"github.com/haasonsaas/taskloop/internal/tasks"
	"github.com/haasonsaas/taskloop/pkg/models"
)

func TestIndexedMessages_Create(t *testing.T) {
	provider := &embedtest.Fake{Default: []float32{0.6, 0.8}}
	store := messages.NewMemoryStore()
	indexed := &IndexedMessages{Store: store, indexer: NewIndexer(provider, 2, nil, nil)}
	ctx := context.Background()

	tests := []struct {
		name        string
		role        models.Role
		wantVector  bool
		wantEmbedCt int
	}{
		{name: "user", role: models.RoleUser, wantVector: true, wantEmbedCt: 1},
		{name: "assistant", role: models.RoleAssistant, wantVector: true, wantEmbedCt: 2},
		{name: "system never embedded", role: models.RoleSystem, wantVector: false, wantEmbedCt: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &models.Message{
				ID:         "m-" + tt.name,
				UserID:     "u1",
				SessionID:  "s1",
				Role:       tt.role,
				Content:    "hello",
				InsertedAt: time.Now(),
			}
			if err := indexed.Create(ctx, msg); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if got := len(msg.Embedding) > 0; got != tt.wantVector {
				t.Errorf("embedded = %v, want %v", got, tt.wantVector)
			}
			if got := len(provider.Calls()); got != tt.wantEmbedCt {
				t.Errorf("provider calls = %d, want %d", got, tt.wantEmbedCt)
			}
		})
	}
}

func TestIndexedMessages_EmbeddingFailureDoesNotFailCreate(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	provider := &embedtest.Fake{Err: errors.New("provider unavailable")}
	store := messages.NewMemoryStore()
	indexed := &IndexedMessages{Store: store, indexer: NewIndexer(provider, 2, metrics, nil)}
	ctx := context.Background()

	roles := []models.Role{models.RoleUser, models.RoleAssistant}
	for i, role := range roles {
		t.Run(string(role), func(t *testing.T) {
			msg := &models.Message{
				ID:         "m-" + string(role),
				UserID:     "u1",
				SessionID:  "s1",
				Role:       role,
				Content:    "where is my invoice",
				InsertedAt: time.Now().Add(time.Duration(i) * time.Second),
			}
			if err := indexed.Create(ctx, msg); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if got := testutil.ToFloat64(metrics.EmbeddingFailures.WithLabelValues("message")); got != float64(i+1) {
				t.Errorf("embedding failures = %v, want %d", got, i+1)
			}
		})
	}

	stored, err := store.List(ctx, messages.ListOptions{UserID: "u1", SessionID: "s1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(stored) != len(roles) {
		t.Fatalf("stored %d messages, want %d", len(stored), len(roles))
	}
	for _, msg := range stored {
		if len(msg.Embedding) != 0 {
			t.Errorf("message %s embedding = %v, want none", msg.ID, msg.Embedding)
		}
	}
}

func TestIndexedTasks_EmbeddingFailureDoesNotFailCreate(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	provider := &embedtest.Fake{Err: errors.New("rate limited")}
	store := tasks.NewMemoryStore()
	indexed := &IndexedTasks{Store: store, indexer: NewIndexer(provider, 2, metrics, nil)}

	task := &models.Task{ID: "t1", UserID: "u1", TaskInstruction: "follow up with Sam", Context: models.NewTaskContext()}
	if err := indexed.Create(context.Background(), task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	stored, err := store.Get(context.Background(), "t1")
	if err != nil || stored == nil {
		t.Fatalf("task not stored: %v", err)
	}
	if stored.Embedding != nil {
		t.Errorf("embedding = %v, want none", stored.Embedding)
	}
	if got := testutil.ToFloat64(metrics.EmbeddingFailures.WithLabelValues("task")); got != 1 {
		t.Errorf("embedding failures = %v, want 1", got)
	}
}

func TestIndexer_RejectsWrongDimension(t *testing.T) {
	ix := NewIndexer(&embedtest.Fake{Default: []float32{1, 2, 3}}, 2, nil, nil)
	if v := ix.Vector(context.Background(), "task", "t1", "text"); v != nil {
		t.Errorf("Vector = %v, want nil for a dimension mismatch", v)
	}
}

func TestIndexedTasks_KeepsSuppliedVector(t *testing.T) {
	provider := &embedtest.Fake{Default: []float32{0, 1}}
	indexed := &IndexedTasks{Store: tasks.NewMemoryStore(), indexer: NewIndexer(provider, 2, nil, nil)}
	task := &models.Task{ID: "t1", UserID: "u1", TaskInstruction: "x", Embedding: []float32{1, 0}}
	if err := indexed.Create(context.Background(), task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(provider.Calls()) != 0 {
		t.Error("provider called for a task that already had a vector")
	}
}
