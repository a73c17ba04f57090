// storage-worker polls the storage command queue, executes object
// storage commands against MinIO and publishes the results.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowtrace-labs/flowtrace-go/internal/handlers"
	"github.com/flowtrace-labs/flowtrace-go/internal/platform/env"
	platformstore "github.com/flowtrace-labs/flowtrace-go/internal/platform/objectstore"
	"github.com/flowtrace-labs/flowtrace-go/internal/protocol"
	"github.com/flowtrace-labs/flowtrace-go/internal/storage/objectstore"
	"github.com/flowtrace-labs/flowtrace-go/internal/transport"
	"github.com/flowtrace-labs/flowtrace-go/internal/transport/sqs"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resultsQueueURL := env.String("RESULTS_QUEUE_URL", "")
	if resultsQueueURL == "" {
		logger.Error("missing required env", "key", env.Key("RESULTS_QUEUE_URL"))
		os.Exit(2)
	}
	idleDelay, err := env.Duration("WORKER_IDLE_DELAY", time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	storeCfg, err := platformstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	client, err := platformstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	if err := platformstore.EnsureBucket(ctx, client, storeCfg); err != nil {
		logger.Error("bucket setup failed", "error", err)
		os.Exit(1)
	}
	store, err := objectstore.NewMinioStoreWithClient(client)
	if err != nil {
		logger.Error("object store setup failed", "error", err)
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

	handler := handlers.NewStorageHandler(store, storeCfg.BucketData)

	logger.Info("storage worker starting",
		"commands_queue", queueCfg.QueueURL, "results_queue", resultsQueueURL)

	if err := run(ctx, logger, queue, queue, resultsQueueURL, handler, idleDelay); err != nil &&
		!errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("storage worker stopped")
}

// run is the worker loop: receive commands, execute, publish the
// result, then ack the command. Publishing before acking means a crash
// in between causes a duplicate result, which the consumer absorbs.
func run(
	ctx context.Context,
	logger *slog.Logger,
	queue transport.Queue,
	publisher transport.Publisher,
	resultsDestination string,
	handler handlers.Handler,
	idleDelay time.Duration,
) error {
	for {
		msgs, err := queue.Receive(ctx, 10)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			logger.ErrorContext(ctx, "receive failed", "error", err)
			msgs = nil
		}
		for _, msg := range msgs {
			processCommand(ctx, logger, queue, publisher, resultsDestination, handler, msg)
		}
		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idleDelay):
			}
		}
	}
}

func processCommand(
	ctx context.Context,
	logger *slog.Logger,
	queue transport.Queue,
	publisher transport.Publisher,
	resultsDestination string,
	handler handlers.Handler,
	msg transport.Message,
) {
	cmd, err := protocol.ParseCommand(msg.Body)
	if err != nil {
		logger.WarnContext(ctx, "discarding malformed command", "error", err)
		ack(ctx, logger, queue, msg)
		return
	}

	result := handlers.Execute(ctx, handler, cmd)
	body, err := result.JSON()
	if err != nil {
		logger.ErrorContext(ctx, "encode result failed",
			"correlation_id", cmd.CorrelationID, "error", err)
		ack(ctx, logger, queue, msg)
		return
	}
	if err := publisher.Publish(ctx, resultsDestination, body, map[string]string{
		"handler": handler.Type(),
	}); err != nil {
		// Leave the command in flight; redelivery retries the whole
		// operation and the registry dedups the eventual double result.
		logger.ErrorContext(ctx, "publish result failed, will retry",
			"correlation_id", cmd.CorrelationID, "error", err)
		return
	}
	logger.InfoContext(ctx, "command processed",
		"action", cmd.Action, "status", string(result.Status),
		"correlation_id", cmd.CorrelationID, "duration_ms", result.DurationMS)
	ack(ctx, logger, queue, msg)
}

func ack(ctx context.Context, logger *slog.Logger, queue transport.Queue, msg transport.Message) {
	if err := queue.Ack(ctx, msg.Handle); err != nil {
		logger.ErrorContext(ctx, "ack failed", "handle", msg.Handle, "error", err)
	}
}
