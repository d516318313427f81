package records

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/taskloop/internal/messages"
	"github.com/haasonsaas/taskloop/internal/storage"
	"github.com/haasonsaas/taskloop/internal/tools"
	"github.com/haasonsaas/taskloop/pkg/models"
)

func setup(t *testing.T) *tools.Registry {
	t.Helper()
	ctx := context.Background()
	msgs := messages.NewMemoryStore()
	base := time.Unix(1_750_000_000, 0)
	for i := 0; i < 25; i++ {
		if err := msgs.Create(ctx, &models.Message{
			ID: fmt.Sprintf("m%02d", i), UserID: "u1", SessionID: "s1", Role: models.RoleUser,
			Content: fmt.Sprintf("message %d", i), InsertedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	_ = msgs.Create(ctx, &models.Message{ID: "x", UserID: "u2", SessionID: "s2", Role: models.RoleUser, Content: "secret", InsertedAt: base})

	users := storage.NewMemoryUserStore()
	users.Put(&models.UserProfile{ID: "u1", Email: "ada@example.com", Permissions: models.UserPermissions{CanSendEmail: true}})
	users.Put(&models.UserProfile{ID: "u2", Email: "bob@example.com"})

	mail := storage.NewMemoryMailStore()
	mail.Add(
		&models.Email{ID: "e1", UserID: "u1", Subject: "old", IsRead: true, ReceivedAt: base},
		&models.Email{ID: "e2", UserID: "u1", Subject: "new", ReceivedAt: base.Add(time.Hour)},
		&models.Email{ID: "e3", UserID: "u2", Subject: "theirs", ReceivedAt: base},
	)

	r := tools.NewRegistry()
	r.MustRegister(Tools(Deps{Messages: msgs, Users: users, Mail: mail})...)
	return r
}

func run(r *tools.Registry, name, args string) *tools.Result {
	return r.Execute(context.Background(), tools.Invocation{Name: name, Args: json.RawMessage(args), Scope: tools.Scope{UserID: "u1"}})
}

func TestGetChatMessages(t *testing.T) {
	r := setup(t)

	tests := []struct {
		name      string
		args      string
		wantCount int
		wantFirst string
		wantMore  bool
	}{
		{name: "default page", args: `{"session_id":"s1"}`, wantCount: 20, wantFirst: "m00", wantMore: true},
		{name: "offset", args: `{"session_id":"s1","offset":20}`, wantCount: 5, wantFirst: "m20"},
		{name: "small page", args: `{"session_id":"s1","limit":3,"offset":1}`, wantCount: 3, wantFirst: "m01", wantMore: true},
		{name: "unknown session", args: `{"session_id":"empty"}`, wantCount: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(r, GetChatMessages, tt.args)
			if res.Failed() {
				t.Fatalf("get_chat_messages: %s", res.Reason)
			}
			payload := res.Result.(map[string]any)
			page := payload["messages"].([]chatMessage)
			if len(page) != tt.wantCount {
				t.Fatalf("count = %d, want %d", len(page), tt.wantCount)
			}
			if tt.wantFirst != "" && page[0].ID != tt.wantFirst {
				t.Errorf("first = %s, want %s", page[0].ID, tt.wantFirst)
			}
			if payload["has_more"] != tt.wantMore {
				t.Errorf("has_more = %v", payload["has_more"])
			}
		})
	}

	if res := run(r, GetChatMessages, `{"session_id":"s2"}`); res.Reason != "access denied" {
		t.Errorf("foreign session = %+v", res)
	}
	if res := run(r, GetChatMessages, `{"session_id":"s1","limit":500}`); !res.Failed() {
		t.Error("limit above the maximum should be rejected by the schema")
	}
}

func TestGetUserInfo(t *testing.T) {
	r := setup(t)

	res := run(r, GetUserInfo, `{"user_id":"u1"}`)
	if res.Failed() {
		t.Fatalf("get_user_info: %s", res.Reason)
	}
	user := res.Result.(*models.UserProfile)
	if user.Email != "ada@example.com" || !user.Permissions.CanSendEmail {
		t.Errorf("user = %+v", user)
	}

	if res := run(r, GetUserInfo, `{"user_id":"u2"}`); res.Reason != "access denied" {
		t.Errorf("other user = %+v", res)
	}
}

func TestGetEmails(t *testing.T) {
	r := setup(t)

	res := run(r, GetEmails, `{}`)
	emails := res.Result.(map[string]any)["emails"].([]*models.Email)
	if len(emails) != 2 || emails[0].ID != "e2" {
		t.Errorf("emails = %+v", emails)
	}

	res = run(r, GetEmails, `{"unread_only":true}`)
	emails = res.Result.(map[string]any)["emails"].([]*models.Email)
	if len(emails) != 1 || emails[0].Subject != "new" {
		t.Errorf("unread = %+v", emails)
	}
	for _, e := range emails {
		if strings.Contains(e.Subject, "theirs") {
			t.Error("leaked another user's email")
		}
	}
}
