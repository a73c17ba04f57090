package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowtrace-labs/flowtrace-go/internal/domain"
	"github.com/flowtrace-labs/flowtrace-go/internal/protocol"
	"github.com/flowtrace-labs/flowtrace-go/internal/registry"
	"github.com/flowtrace-labs/flowtrace-go/internal/repo"
	"github.com/flowtrace-labs/flowtrace-go/internal/transport"
)

// Run is the record of a launched pipeline: the registered job and the
// step registered for each published command.
type Run struct {
	Job   domain.Job
	Steps []domain.Step
}

type Runner struct {
	registry  *registry.Service
	publisher transport.Publisher
	logger    *slog.Logger
}

func NewRunner(svc *registry.Service, publisher transport.Publisher, logger *slog.Logger) *Runner {
	if svc == nil || publisher == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{registry: svc, publisher: publisher, logger: logger}
}

// Launch registers the job and all steps, then publishes the step
// commands. Registration happens before any publish so that results
// arriving immediately still find their step. A publish failure marks
// the step errored instead of leaving it pending forever.
func (r *Runner) Launch(ctx context.Context, spec PipelineSpec, request domain.Metadata) (Run, error) {
	if err := spec.Validate(); err != nil {
		return Run{}, err
	}

	job, err := r.registry.CreateJob(ctx, domain.Job{
		Pipeline:     spec.Name,
		Environment:  spec.Environment,
		Namespace:    spec.Namespace,
		LogicVersion: spec.LogicVersion,
		Request:      request,
		Parameters:   metadataOf(spec.Parameters),
		Metadata:     metadataOf(spec.Metadata),
	})
	if err != nil {
		return Run{}, fmt.Errorf("register job: %w", err)
	}

	steps := make([]domain.Step, 0, len(spec.Steps))
	for _, stepSpec := range spec.Steps {
		step, err := r.registry.CreateStep(ctx, domain.Step{
			JobID:       job.ID,
			Name:        stepSpec.Name,
			HandlerType: stepSpec.Handler,
			Action:      stepSpec.Action,
		})
		if err != nil {
			return Run{}, fmt.Errorf("register step %s: %w", stepSpec.Name, err)
		}
		steps = append(steps, step)
	}

	for i, stepSpec := range spec.Steps {
		step := steps[i]
		cmd := protocol.Command{
			Type:          stepSpec.Handler,
			Action:        stepSpec.Action,
			Payload:       metadataOf(stepSpec.Payload),
			CorrelationID: step.CorrelationID,
			JobID:         job.ID,
			StepID:        step.ID,
			Timestamp:     time.Now().UTC(),
		}
		body, err := cmd.JSON()
		if err != nil {
			return Run{}, fmt.Errorf("encode command for step %s: %w", step.Name, err)
		}
		if err := r.publisher.Publish(ctx, stepSpec.Destination, body, map[string]string{
			"handler": stepSpec.Handler,
		}); err != nil {
			r.failStep(ctx, step, err)
			return Run{Job: job, Steps: steps}, fmt.Errorf("publish command for step %s: %w", step.Name, err)
		}
		r.logger.InfoContext(ctx, "command published",
			"job_id", job.ID, "step_id", step.ID,
			"handler", stepSpec.Handler, "action", stepSpec.Action)
	}

	return Run{Job: job, Steps: steps}, nil
}

func (r *Runner) failStep(ctx context.Context, step domain.Step, cause error) {
	status := domain.StepError
	msg := fmt.Sprintf("command publish failed: %v", cause)
	patch := repo.StepPatch{Status: &status, Error: &msg}
	if _, _, err := r.registry.UpdateStep(ctx, step.ID, patch); err != nil {
		r.logger.ErrorContext(ctx, "could not mark step errored",
			"step_id", step.ID, "error", err)
	}
}
