package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/taskloop/internal/retry"
)

// Failover tries gateways in order. Each gateway gets retried on transient
// errors before the next one is consulted.
type Failover struct {
	gateways []Gateway
	retry    retry.Config
	logger   *slog.Logger
}

// NewFailover builds a failover chain. The first gateway is the primary.
func NewFailover(retryConfig retry.Config, logger *slog.Logger, gateways ...Gateway) (*Failover, error) {
	if len(gateways) == 0 {
		return nil, errors.New("at least one gateway is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	retryConfig.RetryIf = IsRetryable
	return &Failover{
		gateways: gateways,
		retry:    retryConfig,
		logger:   logger.With("component", "llm-failover"),
	}, nil
}

// Name returns the primary gateway's name.
func (f *Failover) Name() string {
	return f.gateways[0].Name()
}

// Decide returns the first successful decision.
func (f *Failover) Decide(ctx context.Context, req *Request) (*Decision, error) {
	var lastErr error
	for i, gw := range f.gateways {
		decision, result := retry.DoWithValue(ctx, f.retry, func(int) (*Decision, error) {
			return gw.Decide(ctx, req)
		})
		if result.Err == nil {
			return decision, nil
		}
		lastErr = result.Err
		if ctx.Err() != nil {
			return nil, lastErr
		}
		if !ShouldFailover(lastErr) || i == len(f.gateways)-1 {
			break
		}
		f.logger.Warn("gateway failed, failing over",
			"gateway", gw.Name(),
			"next", f.gateways[i+1].Name(),
			"attempts", result.Attempts,
			"error", lastErr,
		)
	}
	return nil, fmt.Errorf("decide: %w", lastErr)
}
