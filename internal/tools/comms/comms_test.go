package comms

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/taskloop/internal/messages"
	"github.com/haasonsaas/taskloop/internal/tools"
	"github.com/haasonsaas/taskloop/pkg/models"
)

func setup(t *testing.T) (*tools.Registry, *messages.MemoryStore, Deps) {
	t.Helper()
	store := messages.NewMemoryStore()
	d := Deps{Messages: store, Env: tools.Env{Now: func() time.Time { return time.Unix(1_750_000_000, 0) }}}
	r := tools.NewRegistry()
	r.MustRegister(Tools(d)...)

	if err := store.Create(context.Background(), &models.Message{
		ID: "seed", UserID: "u2", SessionID: "s-u2", Role: models.RoleUser, Content: "hi", InsertedAt: time.Unix(1, 0),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return r, store, d
}

func TestCreateAssistantMessage(t *testing.T) {
	r, store, _ := setup(t)
	ctx := context.Background()

	res := r.Execute(ctx, tools.Invocation{
		Name:  CreateAssistantMessage,
		Args:  json.RawMessage(`{"session_id":"s1","message":"On it."}`),
		Scope: tools.Scope{UserID: "u1"},
	})
	if res.Failed() {
		t.Fatalf("create_assistant_message: %s", res.Reason)
	}
	msgs, err := store.List(ctx, messages.ListOptions{UserID: "u1", SessionID: "s1"})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("List = %v, %v", msgs, err)
	}
	if msgs[0].Role != models.RoleAssistant || msgs[0].Content != "On it." {
		t.Errorf("message = %+v", msgs[0])
	}

	denied := r.Execute(ctx, tools.Invocation{
		Name:  CreateAssistantMessage,
		Args:  json.RawMessage(`{"session_id":"s-u2","message":"hello"}`),
		Scope: tools.Scope{UserID: "u1"},
	})
	if denied.Reason != "access denied" {
		t.Errorf("foreign session = %+v", denied)
	}

	missing := r.Execute(ctx, tools.Invocation{
		Name:  CreateAssistantMessage,
		Args:  json.RawMessage(`{"message":"hello"}`),
		Scope: tools.Scope{UserID: "u1"},
	})
	if !missing.Failed() {
		t.Error("missing session_id should fail")
	}
}

func TestCreateSystemMessage_SessionFallback(t *testing.T) {
	r, store, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		args        string
		scope       tools.Scope
		wantSession string
	}{
		{name: "explicit", args: `{"message":"m","session_id":"s9"}`, scope: tools.Scope{UserID: "u1", SessionID: "s1"}, wantSession: "s9"},
		{name: "scope session", args: `{"message":"m"}`, scope: tools.Scope{UserID: "u1", SessionID: "s1"}, wantSession: "s1"},
		{name: "inbox", args: `{"message":"m"}`, scope: tools.Scope{UserID: "u1"}, wantSession: "inbox:u1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Execute(ctx, tools.Invocation{Name: CreateSystemMessage, Args: json.RawMessage(tt.args), Scope: tt.scope})
			if res.Failed() {
				t.Fatalf("create_system_message: %s", res.Reason)
			}
			msgs, _ := store.List(ctx, messages.ListOptions{UserID: "u1", SessionID: tt.wantSession})
			if len(msgs) == 0 || msgs[len(msgs)-1].Role != models.RoleSystem {
				t.Errorf("no system message in %s", tt.wantSession)
			}
		})
	}
}

func TestPost(t *testing.T) {
	_, store, d := setup(t)
	ctx := context.Background()

	if err := Post(ctx, d, "u1", "", "Step budget exhausted"); err != nil {
		t.Fatalf("Post: %v", err)
	}
	msgs, _ := store.List(ctx, messages.ListOptions{UserID: "u1", SessionID: "inbox:u1"})
	if len(msgs) != 1 || msgs[0].Role != models.RoleSystem {
		t.Errorf("messages = %+v", msgs)
	}

	if err := Post(ctx, d, "u1", "s-u2", "x"); !errors.Is(err, tools.ErrAccessDenied) {
		t.Errorf("Post into foreign session = %v", err)
	}
}
