package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const promptReloadDebounce = 250 * time.Millisecond

// Run starts the job worker and, when configured, task recovery, the
// embedding sweep, prompt reloading and the metrics endpoint. It blocks until ctx is
// cancelled and then stops them, waiting at most shutdownTimeout for
// in-flight jobs.
func (a *App) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if a.Config.Prompts.Watch && a.Config.Prompts.Path != "" {
		if err := a.Prompts.Watch(ctx, promptReloadDebounce); err != nil {
			return fmt.Errorf("watch prompts: %w", err)
		}
	}

	if a.Memory != nil && a.Config.Memory.SweepSchedule != "" {
		if err := a.Memory.Sweeper.Start(ctx, a.Config.Memory.SweepSchedule); err != nil {
			return err
		}
		defer a.Memory.Sweeper.Stop()
	}

	if a.Config.Engine.RecoverEnabled() {
		if err := a.Recoverer.Start(ctx, a.Config.Engine.RecoverSchedule); err != nil {
			return err
		}
		defer a.Recoverer.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	if addr := a.Config.Observability.MetricsAddr; addr != "" {
		server, listener, err := a.metricsServer(addr)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if err := a.Worker.Start(gctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	a.Logger.Info("taskloop running",
		"worker_id", a.workerID,
		"driver", a.Config.Database.Driver,
		"gateway", a.Gateway.Name(),
		"prompts", a.Prompts.Current().Stamp())

	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Worker.Stop(stopCtx)
	})

	return g.Wait()
}

func (a *App) metricsServer(addr string) (*http.Server, net.Listener, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listen: %w", err)
	}
	a.Logger.Info("serving metrics", "addr", listener.Addr().String())
	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}, listener, nil
}
