package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Handler runs a typed tool call with decoded arguments.
type Handler[T any] func(ctx context.Context, scope Scope, args T) (*Result, error)

// Typed is a Tool whose argument schema is reflected from T and enforced
// before the handler runs.
type Typed[T any] struct {
	name        string
	description string
	schema      json.RawMessage
	compiled    *jsonschema.Schema
	handler     Handler[T]
}

// NewTyped builds a Typed tool. T must be a struct; fields without
// omitempty are required.
func NewTyped[T any](name, description string, handler Handler[T]) (*Typed[T], error) {
	if name == "" {
		return nil, errors.New("tool name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("tool %s: handler is required", name)
	}
	schema, err := reflectSchema[T]()
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	compiled, err := jsonschema.CompileString("tool_"+name+".json", string(schema))
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	return &Typed[T]{
		name:        name,
		description: description,
		schema:      schema,
		compiled:    compiled,
		handler:     handler,
	}, nil
}

// MustTyped is NewTyped for package-level tool construction.
func MustTyped[T any](name, description string, handler Handler[T]) *Typed[T] {
	tool, err := NewTyped(name, description, handler)
	if err != nil {
		panic(err)
	}
	return tool
}

func (t *Typed[T]) Name() string            { return t.name }
func (t *Typed[T]) Description() string     { return t.description }
func (t *Typed[T]) Schema() json.RawMessage { return t.schema }

// Execute validates and decodes the arguments, then runs the handler.
func (t *Typed[T]) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	raw := bytes.TrimSpace(inv.Args)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, &ValidationError{Tool: t.name, Reason: "arguments are not valid JSON"}
	}
	if err := t.compiled.Validate(instance); err != nil {
		return nil, &ValidationError{Tool: t.name, Reason: describeValidation(err)}
	}

	var args T
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ValidationError{Tool: t.name, Reason: err.Error()}
	}
	return t.handler(ctx, inv.Scope, args)
}

func reflectSchema[T any]() (json.RawMessage, error) {
	r := &invopop.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	var zero T
	schema := r.Reflect(&zero)
	schema.Version = ""
	schema.ID = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

// describeValidation flattens a schema error into its leaf messages.
func describeValidation(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var leaves []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			msg := e.Message
			if e.InstanceLocation != "" {
				msg = e.InstanceLocation + ": " + msg
			}
			leaves = append(leaves, msg)
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	sort.Strings(leaves)
	return strings.Join(leaves, "; ")
}
