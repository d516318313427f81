// Package instructions holds the tools that manage a user's standing
// automation rules.
package instructions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/taskloop/internal/storage"
	"github.com/haasonsaas/taskloop/internal/tools"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// Tool names.
const (
	CreateInstruction = "create_instruction"
	UpdateInstruction = "update_instruction"
	DeleteInstruction = "delete_instruction"
	ListInstructions  = "list_instructions"
)

// Deps are the collaborators of the instruction tools.
type Deps struct {
	Instructions storage.InstructionStore
	Env          tools.Env
}

// Tools returns the instruction tools.
func Tools(d Deps) []tools.Tool {
	return []tools.Tool{create(d), update(d), remove(d), list(d)}
}

type createArgs struct {
	Name              string `json:"name" jsonschema_description:"Short name of the rule"`
	Description       string `json:"description" jsonschema_description:"What the rule does, in plain words"`
	TriggerConditions string `json:"trigger_conditions,omitempty" jsonschema_description:"When the rule applies"`
	Actions           string `json:"actions,omitempty" jsonschema_description:"What to do when it applies"`
	AIPrompt          string `json:"ai_prompt,omitempty" jsonschema_description:"Extra guidance for the assistant"`
	IsActive          *bool  `json:"is_active,omitempty" jsonschema_description:"Defaults to true"`
}

func create(d Deps) tools.Tool {
	return tools.MustTyped(CreateInstruction,
		"Save a standing instruction the assistant should follow for future events.",
		func(ctx context.Context, scope tools.Scope, args createArgs) (*tools.Result, error) {
			if scope.UserID == "" {
				return nil, errors.New("user is required")
			}
			if strings.TrimSpace(args.Name) == "" {
				return nil, &tools.ValidationError{Tool: CreateInstruction, Reason: "name must not be blank"}
			}
			now := d.Env.Time()
			inst := &models.Instruction{
				ID:                d.Env.ID(),
				UserID:            scope.UserID,
				Name:              args.Name,
				Description:       args.Description,
				TriggerConditions: args.TriggerConditions,
				Actions:           args.Actions,
				AIPrompt:          args.AIPrompt,
				IsActive:          args.IsActive == nil || *args.IsActive,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			if err := d.Instructions.Create(ctx, inst); err != nil {
				return nil, fmt.Errorf("create instruction: %w", err)
			}
			return tools.OK(inst), nil
		})
}

// owned loads an instruction and checks that the acting user owns it.
func (d Deps) owned(ctx context.Context, scope tools.Scope, id string) (*models.Instruction, *tools.Result, error) {
	inst, err := d.Instructions.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, tools.Errorf("instruction %s not found", id), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load instruction: %w", err)
	}
	if !scope.Owns(inst.UserID) {
		return nil, nil, tools.ErrAccessDenied
	}
	return inst, nil, nil
}

type updateArgs struct {
	InstructionID     string  `json:"instruction_id" jsonschema_description:"The instruction to change"`
	Name              *string `json:"name,omitempty"`
	Description       *string `json:"description,omitempty"`
	TriggerConditions *string `json:"trigger_conditions,omitempty"`
	Actions           *string `json:"actions,omitempty"`
	AIPrompt          *string `json:"ai_prompt,omitempty"`
	IsActive          *bool   `json:"is_active,omitempty"`
}

func update(d Deps) tools.Tool {
	return tools.MustTyped(UpdateInstruction,
		"Change fields of an existing instruction. Omitted fields keep their value.",
		func(ctx context.Context, scope tools.Scope, args updateArgs) (*tools.Result, error) {
			inst, notFound, err := d.owned(ctx, scope, args.InstructionID)
			if err != nil || notFound != nil {
				return notFound, err
			}
			setString(&inst.Name, args.Name)
			setString(&inst.Description, args.Description)
			setString(&inst.TriggerConditions, args.TriggerConditions)
			setString(&inst.Actions, args.Actions)
			setString(&inst.AIPrompt, args.AIPrompt)
			if args.IsActive != nil {
				inst.IsActive = *args.IsActive
			}
			inst.UpdatedAt = d.Env.Time()
			if err := d.Instructions.Update(ctx, inst); err != nil {
				return nil, fmt.Errorf("update instruction: %w", err)
			}
			return tools.OK(inst), nil
		})
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

type deleteArgs struct {
	InstructionID string `json:"instruction_id" jsonschema_description:"The instruction to delete"`
}

func remove(d Deps) tools.Tool {
	return tools.MustTyped(DeleteInstruction,
		"Delete an instruction.",
		func(ctx context.Context, scope tools.Scope, args deleteArgs) (*tools.Result, error) {
			_, notFound, err := d.owned(ctx, scope, args.InstructionID)
			if err != nil || notFound != nil {
				return notFound, err
			}
			if err := d.Instructions.Delete(ctx, args.InstructionID); err != nil {
				return nil, fmt.Errorf("delete instruction: %w", err)
			}
			return tools.OK(map[string]any{"instruction_id": args.InstructionID, "deleted": true}), nil
		})
}

type listArgs struct {
	ActiveOnly bool `json:"active_only,omitempty" jsonschema_description:"Only return active instructions"`
}

func list(d Deps) tools.Tool {
	return tools.MustTyped(ListInstructions,
		"List the user's instructions.",
		func(ctx context.Context, scope tools.Scope, args listArgs) (*tools.Result, error) {
			if scope.UserID == "" {
				return nil, errors.New("user is required")
			}
			items, err := d.Instructions.List(ctx, scope.UserID, args.ActiveOnly)
			if err != nil {
				return nil, fmt.Errorf("list instructions: %w", err)
			}
			if items == nil {
				items = []*models.Instruction{}
			}
			return tools.OK(map[string]any{"instructions": items, "count": len(items)}), nil
		})
}
