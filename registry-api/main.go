package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowtrace-labs/flowtrace-go/internal/lineage"
	"github.com/flowtrace-labs/flowtrace-go/internal/platform/env"
	"github.com/flowtrace-labs/flowtrace-go/internal/platform/httpserver"
	"github.com/flowtrace-labs/flowtrace-go/internal/platform/postgres"
	"github.com/flowtrace-labs/flowtrace-go/internal/registry"
	pgrepo "github.com/flowtrace-labs/flowtrace-go/internal/repo/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("REGISTRY_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("REGISTRY_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := pgrepo.EnsureSchema(ctx, db); err != nil {
		logger.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	jobs := pgrepo.NewJobStore(db)
	steps := pgrepo.NewStepStore(db)
	svc := registry.New(jobs, steps, logger)
	reconciler := lineage.NewReconciler(jobs, steps)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("registry-api"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"registry-api",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
		),
	)

	api := newRegistryAPI(logger, svc, reconciler)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "registry-api",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "registry-api", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
