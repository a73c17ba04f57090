// results-consumer drains handler results from the broker and folds
// them into the job registry.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/flowtrace-labs/flowtrace-go/internal/consumer"
	"github.com/flowtrace-labs/flowtrace-go/internal/platform/env"
	"github.com/flowtrace-labs/flowtrace-go/internal/platform/postgres"
	"github.com/flowtrace-labs/flowtrace-go/internal/registry"
	pgrepo "github.com/flowtrace-labs/flowtrace-go/internal/repo/postgres"
	"github.com/flowtrace-labs/flowtrace-go/internal/transport/sqs"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pollers, err := env.Int("CONSUMER_POLLERS", 2)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	batchSize, err := env.Int("CONSUMER_BATCH_SIZE", 10)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	idleDelay, err := env.Duration("CONSUMER_IDLE_DELAY", time.Second)
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

	queueCfg, err := sqs.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid queue config", "error", err)
		os.Exit(2)
	}
	queue, err := sqs.New(queueCfg)
	if err != nil {
		logger.Error("invalid queue client", "error", err)
		os.Exit(2)
	}

	svc := registry.New(pgrepo.NewJobStore(db), pgrepo.NewStepStore(db), logger)
	c := consumer.New(queue, svc, logger, consumer.Config{
		BatchSize: batchSize,
		IdleDelay: idleDelay,
	})

	logger.Info("results consumer starting", "pollers", pollers, "queue", queueCfg.QueueURL)

	var wg sync.WaitGroup
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("poller stopped", "error", err)
			}
		}()
	}
	wg.Wait()
	logger.Info("results consumer stopped")
}
