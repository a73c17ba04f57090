// Package consumer drains result messages from the broker and folds
// them into the registry. Acknowledgement happens only after the
// durable write: a crash between write and ack causes a redelivery,
// which the idempotent registry absorbs.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/flowtrace-labs/flowtrace-go/internal/protocol"
	"github.com/flowtrace-labs/flowtrace-go/internal/registry"
	"github.com/flowtrace-labs/flowtrace-go/internal/repo"
	"github.com/flowtrace-labs/flowtrace-go/internal/transport"
)

type Config struct {
	// BatchSize caps messages per receive.
	BatchSize int
	// IdleDelay is the pause after an empty receive or a broker error.
	IdleDelay time.Duration
}

type Consumer struct {
	queue    transport.Queue
	registry *registry.Service
	logger   *slog.Logger
	cfg      Config
}

func New(queue transport.Queue, svc *registry.Service, logger *slog.Logger, cfg Config) *Consumer {
	if queue == nil || svc == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = time.Second
	}
	return &Consumer{queue: queue, registry: svc, logger: logger, cfg: cfg}
}

// Run polls until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		n, err := c.Poll(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			c.logger.ErrorContext(ctx, "receive failed", "error", err)
			n = 0
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.IdleDelay):
			}
		}
	}
}

// Poll receives one batch and processes each message independently: one
// poison message never blocks its batch neighbors.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	msgs, err := c.queue.Receive(ctx, c.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		c.process(ctx, msg)
	}
	return len(msgs), nil
}

// process decides the fate of one delivery. Results the registry can
// never record against a step (untracked, orphan, conflicting) are
// acked so they do not loop forever. Malformed bodies are reported and
// left in flight: the broker's redelivery and dead-letter policy owns
// them, the consumer never deletes a message it could not read.
func (c *Consumer) process(ctx context.Context, msg transport.Message) {
	result, err := protocol.ParseResult(msg.Body)
	if err != nil {
		c.logger.WarnContext(ctx, "malformed result left for redelivery", "error", err)
		return
	}
	if strings.TrimSpace(result.StepID) == "" {
		// Results without a step id come from untracked commands; there
		// is nothing to record.
		c.logger.DebugContext(ctx, "skipping untracked result",
			"correlation_id", result.CorrelationID)
		c.ack(ctx, msg)
		return
	}

	step, changed, err := c.registry.ApplyResult(ctx, result)
	switch {
	case err == nil:
		if changed {
			c.logger.InfoContext(ctx, "result recorded",
				"step_id", step.ID, "job_id", step.JobID, "status", string(step.Status))
		}
		c.ack(ctx, msg)
	case errors.Is(err, repo.ErrNotFound):
		// Orphan: the step was never registered or its job was deleted.
		// Redelivery cannot fix that, so report and move on.
		c.logger.WarnContext(ctx, "orphan result",
			"step_id", result.StepID, "job_id", result.JobID,
			"correlation_id", result.CorrelationID)
		c.ack(ctx, msg)
	case errors.Is(err, repo.ErrInvalidTransition):
		// A late or out-of-order result for a step that already moved
		// past it. The recorded state is authoritative.
		c.logger.WarnContext(ctx, "conflicting result ignored",
			"step_id", result.StepID, "error", err)
		c.ack(ctx, msg)
	case errors.Is(err, protocol.ErrInvalidMessage):
		c.logger.WarnContext(ctx, "invalid result left for redelivery",
			"correlation_id", result.CorrelationID, "error", err)
	default:
		// Store or broker trouble: leave the message in flight for
		// redelivery.
		c.logger.ErrorContext(ctx, "result not applied, will retry",
			"step_id", result.StepID, "error", err)
	}
}

func (c *Consumer) ack(ctx context.Context, msg transport.Message) {
	if err := c.queue.Ack(ctx, msg.Handle); err != nil {
		c.logger.ErrorContext(ctx, "ack failed", "handle", msg.Handle, "error", err)
	}
}
