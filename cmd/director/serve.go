package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/choiros/director/pkg/api"
	"github.com/choiros/director/pkg/config"
	"github.com/choiros/director/pkg/observability"
	"github.com/choiros/director/pkg/orchestrator"
	"github.com/choiros/director/pkg/projection"
)

// runServe starts the supervisor: API, live projection follower, and the
// director. It blocks until SIGINT/SIGTERM and then drains within the
// shutdown grace period.
func runServe(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		fmt.Fprintln(stderr, "director: serve takes no arguments; configuration is environment-only")
		return exitConfig
	}
	if cfg.LeaseSecret == "" {
		fmt.Fprintln(stderr, "director: DIRECTOR_LEASE_SECRET is required for serve")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	// A poisoned event halts the director; the hook is bound late because
	// the store must exist before the director does.
	var director *orchestrator.Director
	rt, err := openRuntime(ctx, cfg, projection.WithDiagnostics(func(ctx context.Context, detail map[string]any) {
		if director != nil {
			director.OnDiagnostics(ctx, detail)
		}
	}))
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	// A restart of the serve process is by definition a start without clean
	// handoff: the previous run's leases died with it.
	director, sandboxes, _, err := buildDirector(rt, true)
	if err != nil {
		return fail(stderr, err)
	}

	logger := obs.Logger("serve")

	// Live projection: follow the log tail so API reads stay current even
	// when events arrive from other writers (JetStream deployments).
	followDone := make(chan struct{})
	go func() {
		defer close(followDone)
		if err := rt.store.Follow(ctx, rt.log); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("projection follower stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(director, rt.store, sandboxes, obs.Logger("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("supervisor listening", "addr", cfg.Addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down", "grace", cfg.ShutdownGrace.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fail(stderr, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	<-followDone

	fmt.Fprintln(stdout, "director: stopped")
	return exitOK
}
