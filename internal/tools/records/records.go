// Package records holds the read-only retrieval tools over chat history,
// the user profile, and synced email.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/taskloop/internal/messages"
	"github.com/haasonsaas/taskloop/internal/storage"
	"github.com/haasonsaas/taskloop/internal/tools"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// Tool names.
const (
	GetChatMessages = "get_chat_messages"
	GetUserInfo     = "get_user_info"
	GetEmails       = "get_emails"
)

const (
	defaultMessageLimit = 20
	maxMessageLimit     = 100
	defaultEmailLimit   = 10
	maxEmailLimit       = 50
)

// Deps are the collaborators of the retrieval tools.
type Deps struct {
	Messages messages.Store
	Users    storage.UserStore
	Mail     storage.MailStore
}

// Tools returns the retrieval tools.
func Tools(d Deps) []tools.Tool {
	return []tools.Tool{chatMessages(d), userInfo(d), emails(d)}
}

type chatArgs struct {
	SessionID string `json:"session_id" jsonschema_description:"Chat session to read"`
	Limit     int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100" jsonschema_description:"Page size, default 20"`
	Offset    int    `json:"offset,omitempty" jsonschema:"minimum=0" jsonschema_description:"Messages to skip from the start of the session"`
}

type chatMessage struct {
	ID         string      `json:"id"`
	Role       models.Role `json:"role"`
	Message    string      `json:"message"`
	InsertedAt time.Time   `json:"inserted_at"`
}

func chatMessages(d Deps) tools.Tool {
	return tools.MustTyped(GetChatMessages,
		"Read a page of a chat session, oldest message first.",
		func(ctx context.Context, scope tools.Scope, args chatArgs) (*tools.Result, error) {
			owner, err := d.Messages.SessionOwner(ctx, args.SessionID)
			if err != nil {
				return nil, fmt.Errorf("check session: %w", err)
			}
			if owner != "" && !scope.Owns(owner) {
				return nil, tools.ErrAccessDenied
			}
			limit := clamp(args.Limit, defaultMessageLimit, maxMessageLimit)
			msgs, err := d.Messages.List(ctx, messages.ListOptions{
				UserID:    scope.UserID,
				SessionID: args.SessionID,
				Limit:     limit,
				Offset:    args.Offset,
			})
			if err != nil {
				return nil, fmt.Errorf("list messages: %w", err)
			}
			out := make([]chatMessage, 0, len(msgs))
			for _, msg := range msgs {
				out = append(out, chatMessage{ID: msg.ID, Role: msg.Role, Message: msg.Content, InsertedAt: msg.InsertedAt})
			}
			return tools.OK(map[string]any{
				"session_id": args.SessionID,
				"messages":   out,
				"offset":     args.Offset,
				"limit":      limit,
				"has_more":   len(out) == limit,
			}), nil
		})
}

type userArgs struct {
	UserID string `json:"user_id" jsonschema_description:"Must be the current user"`
}

func userInfo(d Deps) tools.Tool {
	return tools.MustTyped(GetUserInfo,
		"Read the current user's profile and integration permissions.",
		func(ctx context.Context, scope tools.Scope, args userArgs) (*tools.Result, error) {
			if !scope.Owns(args.UserID) {
				return nil, tools.ErrAccessDenied
			}
			user, err := d.Users.Get(ctx, args.UserID)
			if errors.Is(err, storage.ErrNotFound) {
				return tools.Errorf("user %s not found", args.UserID), nil
			}
			if err != nil {
				return nil, fmt.Errorf("load user: %w", err)
			}
			return tools.OK(user), nil
		})
}

type emailArgs struct {
	UnreadOnly bool `json:"unread_only,omitempty" jsonschema_description:"Only unread mail"`
	Limit      int  `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50" jsonschema_description:"Default 10"`
}

func emails(d Deps) tools.Tool {
	return tools.MustTyped(GetEmails,
		"List the user's most recent synced emails, newest first.",
		func(ctx context.Context, scope tools.Scope, args emailArgs) (*tools.Result, error) {
			if scope.UserID == "" {
				return nil, errors.New("user is required")
			}
			items, err := d.Mail.List(ctx, storage.MailListOptions{
				UserID:     scope.UserID,
				UnreadOnly: args.UnreadOnly,
				Limit:      clamp(args.Limit, defaultEmailLimit, maxEmailLimit),
			})
			if err != nil {
				return nil, fmt.Errorf("list emails: %w", err)
			}
			if items == nil {
				items = []*models.Email{}
			}
			return tools.OK(map[string]any{"emails": items, "count": len(items)}), nil
		})
}

func clamp(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
