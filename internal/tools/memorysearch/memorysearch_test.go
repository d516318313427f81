package memorysearch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/taskloop/internal/memory"
	"github.com/haasonsaas/taskloop/internal/memory/embeddings/embedtest"
	"github.com/haasonsaas/taskloop/internal/messages"
	"github.com/haasonsaas/taskloop/internal/tasks"
	"github.com/haasonsaas/taskloop/internal/tools"
	"github.com/haasonsaas/taskloop/pkg/models"
)

func setup(t *testing.T) *tools.Registry {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	taskStore := tasks.NewMemoryStore()
	for _, task := range []*models.Task{
		{ID: "t1", UserID: "u1", TaskInstruction: "pay invoices", Embedding: []float32{1, 0}},
		{ID: "t2", UserID: "u1", TaskInstruction: "plan trip", Embedding: []float32{0, 1}},
		{ID: "t3", UserID: "u2", TaskInstruction: "their invoices", Embedding: []float32{1, 0}},
	} {
		task.Context = models.NewTaskContext()
		task.Status = models.TaskStatusPending
		task.CreatedAt, task.UpdatedAt = now, now
		if err := taskStore.Create(ctx, task); err != nil {
			t.Fatalf("seed task: %v", err)
		}
	}

	msgStore := messages.NewMemoryStore()
	for _, msg := range []*models.Message{
		{ID: "m1", UserID: "u1", SessionID: "s1", Role: models.RoleUser, Content: "invoice from acme", Embedding: []float32{1, 0}},
		{ID: "m2", UserID: "u1", SessionID: "s1", Role: models.RoleAssistant, Content: "I will pay it", Embedding: []float32{0.95, 0.05}},
		{ID: "m3", UserID: "u2", SessionID: "s2", Role: models.RoleUser, Content: "other invoice", Embedding: []float32{1, 0}},
	} {
		msg.InsertedAt = now
		if err := msgStore.Create(ctx, msg); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	provider := &embedtest.Fake{Vectors: map[string][]float32{"invoices": {1, 0}}}
	searcher := memory.NewSearcher(provider, taskStore, msgStore, memory.SearchOptions{})

	r := tools.NewRegistry()
	r.MustRegister(Tools(searcher)...)
	return r
}

func run(r *tools.Registry, name, args string) *tools.Result {
	return r.Execute(context.Background(), tools.Invocation{
		Name:  name,
		Args:  json.RawMessage(args),
		Scope: tools.Scope{UserID: "u1"},
	})
}

func TestSearchTasks(t *testing.T) {
	r := setup(t)

	res := run(r, SearchTasks, `{"query":"invoices"}`)
	if res.Failed() {
		t.Fatalf("search_tasks failed: %s", res.Reason)
	}
	hits := res.Result.(map[string]any)["tasks"].([]taskHit)
	if len(hits) != 1 || hits[0].ID != "t1" {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].Similarity < 0.999 {
		t.Errorf("similarity = %v", hits[0].Similarity)
	}
}

func TestSearchChatMessages(t *testing.T) {
	r := setup(t)

	tests := []struct {
		name    string
		args    string
		wantIDs []string
	}{
		{name: "all roles", args: `{"query":"invoices"}`, wantIDs: []string{"m1", "m2"}},
		{name: "assistant only", args: `{"query":"invoices","role":"assistant"}`, wantIDs: []string{"m2"}},
		{name: "limit", args: `{"query":"invoices","limit":1}`, wantIDs: []string{"m1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(r, SearchChatMessages, tt.args)
			if res.Failed() {
				t.Fatalf("failed: %s", res.Reason)
			}
			hits := res.Result.(map[string]any)["messages"].([]messageHit)
			if len(hits) != len(tt.wantIDs) {
				t.Fatalf("hits = %+v, want %v", hits, tt.wantIDs)
			}
			for i, id := range tt.wantIDs {
				if hits[i].ID != id {
					t.Errorf("hit %d = %s, want %s", i, hits[i].ID, id)
				}
			}
		})
	}
}

func TestFindRelevantContext(t *testing.T) {
	r := setup(t)

	res := run(r, FindRelevantContext, `{"query":"invoices"}`)
	if res.Failed() {
		t.Fatalf("failed: %s", res.Reason)
	}
	out := res.Result.(map[string]any)
	if tasks := out["tasks"].([]taskHit); len(tasks) != 1 {
		t.Errorf("tasks = %+v", tasks)
	}
	msgs := out["messages"].([]messageHit)
	if len(msgs) != 1 || msgs[0].Role != models.RoleUser {
		t.Errorf("messages = %+v, want only the user's own words", msgs)
	}
}

func TestSearchValidation(t *testing.T) {
	r := setup(t)

	tests := []struct {
		name string
		tool string
		args string
		want string
	}{
		{name: "missing query", tool: SearchTasks, args: `{}`, want: "invalid arguments"},
		{name: "bad role", tool: SearchChatMessages, args: `{"query":"x","role":"system"}`, want: "invalid arguments"},
		{name: "threshold too high", tool: SearchTasks, args: `{"query":"x","threshold":2}`, want: "invalid arguments"},
		{name: "threshold zero", tool: SearchChatMessages, args: `{"query":"x","threshold":0}`, want: "invalid arguments"},
		{name: "blank query", tool: FindRelevantContext, args: `{"query":"  "}`, want: memory.ErrEmptyQuery.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(r, tt.tool, tt.args)
			if !res.Failed() || !strings.Contains(res.Reason, tt.want) {
				t.Errorf("result = %+v, want failure containing %q", res, tt.want)
			}
		})
	}
}
