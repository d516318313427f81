package llm

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/taskloop/internal/observability"
)

// Instrumented records metrics and spans around another gateway.
type Instrumented struct {
	next    Gateway
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

// Instrument wraps next. Nil metrics, tracer, or logger are tolerated.
func Instrument(next Gateway, metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) *Instrumented {
	if logger == nil {
		logger = slog.Default()
	}
	return &Instrumented{next: next, metrics: metrics, tracer: tracer, logger: logger}
}

// Name returns the wrapped gateway's name.
func (g *Instrumented) Name() string {
	return g.next.Name()
}

// Decide forwards to the wrapped gateway.
func (g *Instrumented) Decide(ctx context.Context, req *Request) (*Decision, error) {
	ctx, span := g.tracer.Start(ctx, "llm.decide",
		attribute.String("llm.gateway", g.next.Name()),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.tools", len(req.Tools)),
	)
	defer span.End()

	start := time.Now()
	decision, err := g.next.Decide(ctx, req)
	elapsed := time.Since(start)

	provider, model := g.next.Name(), req.Model
	if decision != nil {
		if decision.Provider != "" {
			provider = decision.Provider
		}
		if decision.Model != "" {
			model = decision.Model
		}
	}

	if err != nil {
		observability.RecordError(span, err)
		g.metrics.RecordLLMRequest(provider, model, "error", elapsed, 0, 0)
		g.logger.WarnContext(ctx, "llm decision failed", "provider", provider, "model", model, "error", err)
		return nil, err
	}

	g.metrics.RecordLLMRequest(provider, model, "success", elapsed, decision.InputTokens, decision.OutputTokens)
	span.SetAttributes(
		attribute.Int("llm.tool_calls", len(decision.ToolCalls)),
		attribute.Int("llm.input_tokens", decision.InputTokens),
		attribute.Int("llm.output_tokens", decision.OutputTokens),
	)
	g.logger.DebugContext(ctx, "llm decision",
		"provider", provider,
		"model", model,
		"tool_calls", len(decision.ToolCalls),
		"duration", elapsed,
	)
	return decision, nil
}
