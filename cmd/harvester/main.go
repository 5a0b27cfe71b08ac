// Command harvester wires the harvest engine's dependencies and starts
// the run supervisor's poll loop. It takes no flags and produces no
// formatted output — it is not the CLI entrypoint the spec excludes, only
// the process that keeps the core running.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"knife/internal/esiclient"
	"knife/internal/run"
	"knife/internal/specs"
	"knife/internal/state"
	"knife/pkg/app"

	_ "go.uber.org/automaxprocs"
)

func main() {
	appCtx, err := app.InitializeApp("esi-knife-harvester")
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer appCtx.Shutdown(context.Background())

	if appCtx.Redis == nil {
		slog.Error("redis is required for the run supervisor's state store")
		os.Exit(1)
	}
	if err := appCtx.Redis.HealthCheck(ctx); err != nil {
		slog.Error("redis health check failed", "error", err)
		os.Exit(1)
	}

	store := state.NewRedisStore(appCtx.Redis, "knife.")
	client := esiclient.New()
	specCache := specs.New(client, store)
	supervisor := run.New(store, client, specCache)

	slog.Info("esi-knife harvester online")
	supervisor.Run(ctx)
	slog.Info("esi-knife harvester shutting down")
}
