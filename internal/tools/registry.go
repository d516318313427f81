package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/taskloop/internal/llm"
	"github.com/haasonsaas/taskloop/internal/observability"
)

// DefaultTimeout bounds one tool execution.
const DefaultTimeout = 30 * time.Second

// Registry maps tool names to tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string

	timeout time.Duration
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMetrics records per-call metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithTracer wraps every call in a span.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "tool-registry")
	return r
}

// Register adds a tool. A name that is already taken is rejected.
func (r *Registry) Register(tool Tool) error {
	if tool == nil || tool.Name() == "" {
		return errors.New("tool must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("%s: %w", tool.Name(), ErrDuplicateTool)
	}
	r.tools[tool.Name()] = tool
	r.order = append(r.order, tool.Name())
	return nil
}

// MustRegister registers tools and panics on a collision.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names lists tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Subset builds a registry holding only the named tools, sharing this
// registry's options. Every name must exist.
func (r *Registry) Subset(names ...string) (*Registry, error) {
	sub := &Registry{
		tools:   make(map[string]Tool, len(names)),
		timeout: r.timeout,
		metrics: r.metrics,
		tracer:  r.tracer,
		logger:  r.logger,
	}
	for _, name := range names {
		tool, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("subset: unknown tool %q", name)
		}
		if err := sub.Register(tool); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// Merge builds a registry holding every tool of r followed by every tool of
// others. A name present twice is an error.
func (r *Registry) Merge(others ...*Registry) (*Registry, error) {
	merged, err := r.Subset(r.Names()...)
	if err != nil {
		return nil, err
	}
	for _, other := range others {
		for _, name := range other.Names() {
			tool, _ := other.Get(name)
			if err := merged.Register(tool); err != nil {
				return nil, err
			}
		}
	}
	return merged, nil
}

// Specs describes every tool to the model, in registration order.
func (r *Registry) Specs() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		specs = append(specs, llm.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return specs
}

// Execute runs one call. It never panics and never returns nil: unknown
// tools, handler errors, panics, and timeouts all become error results.
func (r *Registry) Execute(ctx context.Context, inv Invocation) *Result {
	tool, ok := r.Get(inv.Name)
	if !ok {
		r.metrics.RecordToolExecution("unknown", string(StatusError), 0)
		return Errorf("Unknown tool: %s", inv.Name)
	}

	ctx, span := r.tracer.Start(ctx, "tool."+inv.Name,
		attribute.String("tool.name", inv.Name),
		attribute.String("tool.call_id", inv.ID),
	)
	defer span.End()

	start := time.Now()
	result := r.run(ctx, tool, inv)
	elapsed := time.Since(start)

	r.metrics.RecordToolExecution(inv.Name, string(result.Status), elapsed)
	span.SetAttributes(attribute.String("tool.status", string(result.Status)))
	if result.Failed() {
		observability.RecordError(span, errors.New(result.Reason))
		r.logger.InfoContext(ctx, "tool call failed", "tool", inv.Name, "reason", result.Reason)
	}
	return result
}

func (r *Registry) run(ctx context.Context, tool Tool, inv Invocation) *Result {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("tool panicked", "tool", inv.Name, "panic", rec)
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", inv.Name, rec)}
			}
		}()
		res, err := tool.Execute(ctx, inv)
		done <- outcome{result: res, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Errorf("tool %s timed out after %s", inv.Name, r.timeout)
		}
		return Errorf("tool %s canceled", inv.Name)
	case out := <-done:
		return toResult(out.result, out.err)
	}
}

func toResult(res *Result, err error) *Result {
	if err != nil {
		if errors.Is(err, ErrAccessDenied) {
			return Errorf("access denied")
		}
		return Errorf("%s", err.Error())
	}
	if res == nil {
		return OK(nil)
	}
	if res.Status == "" {
		res.Status = StatusOK
	}
	return res
}
