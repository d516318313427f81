// Package catalog assembles the tool registries handed to the model: one
// for first contact with an inbound event and one for task continuations.
package catalog

import (
	"fmt"

	"github.com/haasonsaas/taskloop/internal/storage"
	"github.com/haasonsaas/taskloop/internal/tasks"
	"github.com/haasonsaas/taskloop/internal/tools"
	"github.com/haasonsaas/taskloop/internal/tools/comms"
	"github.com/haasonsaas/taskloop/internal/tools/instructions"
	"github.com/haasonsaas/taskloop/internal/tools/memorysearch"
	"github.com/haasonsaas/taskloop/internal/tools/records"
	"github.com/haasonsaas/taskloop/internal/tools/taskctl"
)

// DispatcherTools may be called while handling an inbound event.
var DispatcherTools = []string{
	taskctl.CreateTask,
	instructions.CreateInstruction,
	instructions.UpdateInstruction,
	instructions.DeleteInstruction,
	comms.CreateAssistantMessage,
	comms.CreateSystemMessage,
	taskctl.ResumeTask,
}

// ContinuationTools may be called while advancing a task. Search tools are
// left out when no embedding provider is configured.
var ContinuationTools = []string{
	taskctl.UpdateTask,
	taskctl.PauseTask,
	taskctl.EndTask,
	taskctl.CompleteTask,
	taskctl.CreateTask,
	comms.CreateAssistantMessage,
	comms.CreateSystemMessage,
	records.GetChatMessages,
	records.GetUserInfo,
	records.GetEmails,
	instructions.ListInstructions,
	memorysearch.SearchTasks,
	memorysearch.SearchChatMessages,
	memorysearch.FindRelevantContext,
}

// Deps are everything the tools touch.
type Deps struct {
	Stores   storage.StoreSet
	Searcher memorysearch.Searcher
	Locker   tasks.Locker
	Env      tools.Env
}

// Catalog holds the full registry and the two call-site subsets.
type Catalog struct {
	All          *tools.Registry
	Dispatcher   *tools.Registry
	Continuation *tools.Registry
}

// Build registers every tool and derives the subsets.
func Build(d Deps, opts ...tools.Option) (*Catalog, error) {
	if d.Stores.Tasks == nil || d.Stores.Messages == nil {
		return nil, fmt.Errorf("catalog: task and message stores are required")
	}

	all := tools.NewRegistry(opts...)
	register := func(ts []tools.Tool) error {
		for _, t := range ts {
			if err := all.Register(t); err != nil {
				return fmt.Errorf("catalog: %w", err)
			}
		}
		return nil
	}

	groups := [][]tools.Tool{
		taskctl.Tools(taskctl.Deps{Tasks: d.Stores.Tasks, Locker: d.Locker, Env: d.Env}),
		comms.Tools(comms.Deps{Messages: d.Stores.Messages, Env: d.Env}),
	}
	if d.Stores.Instructions != nil {
		groups = append(groups, instructions.Tools(instructions.Deps{Instructions: d.Stores.Instructions, Env: d.Env}))
	}
	if d.Stores.Users != nil && d.Stores.Mail != nil {
		groups = append(groups, records.Tools(records.Deps{
			Messages: d.Stores.Messages,
			Users:    d.Stores.Users,
			Mail:     d.Stores.Mail,
		}))
	}
	if d.Searcher != nil {
		groups = append(groups, memorysearch.Tools(d.Searcher))
	}
	for _, g := range groups {
		if err := register(g); err != nil {
			return nil, err
		}
	}

	dispatcher, err := all.Subset(available(all, DispatcherTools)...)
	if err != nil {
		return nil, fmt.Errorf("catalog: dispatcher tools: %w", err)
	}
	continuation, err := all.Subset(available(all, ContinuationTools)...)
	if err != nil {
		return nil, fmt.Errorf("catalog: continuation tools: %w", err)
	}
	return &Catalog{All: all, Dispatcher: dispatcher, Continuation: continuation}, nil
}

func available(r *tools.Registry, names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := r.Get(name); ok {
			out = append(out, name)
		}
	}
	return out
}
