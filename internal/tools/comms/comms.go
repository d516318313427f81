// Package comms holds the tools that write user-visible chat messages.
package comms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/taskloop/internal/messages"
	"github.com/haasonsaas/taskloop/internal/tools"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// Tool names.
const (
	CreateAssistantMessage = "create_assistant_message"
	CreateSystemMessage    = "create_system_message"
)

// InboxSession is the session system messages land in when no session is
// known for the user.
func InboxSession(userID string) string {
	return "inbox:" + userID
}

// Deps are the collaborators of the message tools.
type Deps struct {
	Messages messages.Store
	Env      tools.Env
}

// Tools returns the message tools.
func Tools(d Deps) []tools.Tool {
	return []tools.Tool{assistantMessage(d), systemMessage(d)}
}

type assistantArgs struct {
	SessionID string `json:"session_id" jsonschema_description:"Chat session to reply in"`
	Message   string `json:"message" jsonschema_description:"Text shown to the user"`
}

type systemArgs struct {
	Message   string `json:"message" jsonschema_description:"Status or notice shown to the user"`
	SessionID string `json:"session_id,omitempty" jsonschema_description:"Chat session; defaults to the current one"`
}

type messageResult struct {
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id"`
}

func assistantMessage(d Deps) tools.Tool {
	return tools.MustTyped(CreateAssistantMessage,
		"Send a chat message to the user as the assistant.",
		func(ctx context.Context, scope tools.Scope, args assistantArgs) (*tools.Result, error) {
			return d.write(ctx, scope, args.SessionID, models.RoleAssistant, args.Message)
		})
}

func systemMessage(d Deps) tools.Tool {
	return tools.MustTyped(CreateSystemMessage,
		"Post a system notice to the user, such as a status update or an error explanation.",
		func(ctx context.Context, scope tools.Scope, args systemArgs) (*tools.Result, error) {
			session := args.SessionID
			if session == "" {
				session = scope.SessionID
			}
			if session == "" {
				session = InboxSession(scope.UserID)
			}
			return d.write(ctx, scope, session, models.RoleSystem, args.Message)
		})
}

func (d Deps) write(ctx context.Context, scope tools.Scope, sessionID string, role models.Role, text string) (*tools.Result, error) {
	if scope.UserID == "" {
		return nil, errors.New("user is required")
	}
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(text) == "" {
		return nil, &tools.ValidationError{Tool: "message", Reason: "session_id and message must not be blank"}
	}
	owner, err := d.Messages.SessionOwner(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if owner != "" && owner != scope.UserID {
		return nil, tools.ErrAccessDenied
	}

	msg := &models.Message{
		ID:         d.Env.ID(),
		UserID:     scope.UserID,
		SessionID:  sessionID,
		Role:       role,
		Content:    text,
		InsertedAt: d.Env.Time(),
	}
	if err := d.Messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return tools.OK(messageResult{MessageID: msg.ID, SessionID: sessionID}), nil
}

// Post writes a system message outside of any tool call. The dispatcher and
// engine use it to tell the user about failures.
func Post(ctx context.Context, d Deps, userID, sessionID, text string) error {
	if sessionID == "" {
		sessionID = InboxSession(userID)
	}
	res, err := d.write(ctx, tools.Scope{UserID: userID}, sessionID, models.RoleSystem, text)
	if err != nil {
		return err
	}
	if res.Failed() {
		return errors.New(res.Reason)
	}
	return nil
}
