package instructions

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/taskloop/internal/storage"
	"github.com/haasonsaas/taskloop/internal/tools"
	"github.com/haasonsaas/taskloop/pkg/models"
)

func setup(t *testing.T) (*tools.Registry, *storage.MemoryInstructionStore) {
	t.Helper()
	store := storage.NewMemoryInstructionStore()
	r := tools.NewRegistry()
	r.MustRegister(Tools(Deps{
		Instructions: store,
		Env: tools.Env{
			Now:   func() time.Time { return time.Unix(1_750_000_000, 0) },
			NewID: func() string { return "inst-1" },
		},
	})...)
	_ = store.Create(context.Background(), &models.Instruction{ID: "theirs", UserID: "u2", Name: "other", IsActive: true})
	return r, store
}

func run(r *tools.Registry, name, args, userID string) *tools.Result {
	return r.Execute(context.Background(), tools.Invocation{Name: name, Args: json.RawMessage(args), Scope: tools.Scope{UserID: userID}})
}

func TestInstructionLifecycle(t *testing.T) {
	r, store := setup(t)
	ctx := context.Background()

	res := run(r, CreateInstruction, `{"name":"invoices","description":"forward invoices to accounting"}`, "u1")
	if res.Failed() {
		t.Fatalf("create: %s", res.Reason)
	}
	inst, err := store.Get(ctx, "inst-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst.UserID != "u1" || !inst.IsActive {
		t.Errorf("instruction = %+v", inst)
	}

	res = run(r, UpdateInstruction, `{"instruction_id":"inst-1","is_active":false,"actions":"forward to ap@example.com"}`, "u1")
	if res.Failed() {
		t.Fatalf("update: %s", res.Reason)
	}
	inst, _ = store.Get(ctx, "inst-1")
	if inst.IsActive || inst.Actions != "forward to ap@example.com" || inst.Name != "invoices" {
		t.Errorf("updated = %+v", inst)
	}

	res = run(r, ListInstructions, `{"active_only":true}`, "u1")
	if res.Failed() || res.Result.(map[string]any)["count"] != 0 {
		t.Errorf("active list = %+v", res)
	}
	res = run(r, ListInstructions, `{}`, "u1")
	if res.Failed() || res.Result.(map[string]any)["count"] != 1 {
		t.Errorf("list = %+v", res)
	}

	if res := run(r, DeleteInstruction, `{"instruction_id":"inst-1"}`, "u1"); res.Failed() {
		t.Fatalf("delete: %s", res.Reason)
	}
	if _, err := store.Get(ctx, "inst-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after delete = %v", err)
	}
}

func TestInstructionAccess(t *testing.T) {
	r, store := setup(t)

	for _, name := range []string{UpdateInstruction, DeleteInstruction} {
		res := run(r, name, `{"instruction_id":"theirs","name":"hijacked"}`, "u1")
		if res.Reason != "access denied" {
			t.Errorf("%s on foreign instruction = %+v", name, res)
		}
		res = run(r, name, `{"instruction_id":"ghost"}`, "u1")
		if !res.Failed() || !strings.Contains(res.Reason, "not found") {
			t.Errorf("%s on missing instruction = %+v", name, res)
		}
	}

	inst, err := store.Get(context.Background(), "theirs")
	if err != nil || inst.Name != "other" {
		t.Errorf("foreign instruction changed: %+v, %v", inst, err)
	}

	res := run(r, ListInstructions, `{}`, "u1")
	if res.Result.(map[string]any)["count"] != 0 {
		t.Errorf("list leaked another user's instructions: %+v", res.Result)
	}
}

func TestCreateInstruction_Validation(t *testing.T) {
	r, _ := setup(t)
	if res := run(r, CreateInstruction, `{"description":"no name"}`, "u1"); !res.Failed() {
		t.Error("missing name should fail")
	}
	if res := run(r, CreateInstruction, `{"name":"  ","description":"d"}`, "u1"); !res.Failed() {
		t.Error("blank name should fail")
	}
}
