// Package registry coordinates job and step records: it owns the
// defaults applied at creation, the timestamps attached to status
// changes, and the reconciliation of a job's status from its steps.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowtrace-labs/flowtrace-go/internal/domain"
	"github.com/flowtrace-labs/flowtrace-go/internal/protocol"
	"github.com/flowtrace-labs/flowtrace-go/internal/repo"
)

const (
	defaultEnvironment = "dev"
	defaultNamespace   = "default"
)

type Service struct {
	jobs   repo.JobRepository
	steps  repo.StepRepository
	logger *slog.Logger
	now    func() time.Time
}

func New(jobs repo.JobRepository, steps repo.StepRepository, logger *slog.Logger) *Service {
	if jobs == nil || steps == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		jobs:   jobs,
		steps:  steps,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob registers a job, filling in identity and environment
// defaults. The caller may supply its own id for idempotent retries.
func (s *Service) CreateJob(ctx context.Context, job domain.Job) (domain.Job, error) {
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	if strings.TrimSpace(job.Environment) == "" {
		job.Environment = defaultEnvironment
	}
	if strings.TrimSpace(job.Namespace) == "" {
		job.Namespace = defaultNamespace
	}
	if job.Status == "" {
		job.Status = domain.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return domain.Job{}, err
	}
	s.logger.InfoContext(ctx, "job created",
		"job_id", job.ID, "pipeline", job.Pipeline, "environment", job.Environment)
	return job, nil
}

// CreateStep registers a step under an existing job. A missing
// correlation id gets a fresh one; the Command sent to the handler must
// carry the same value so its Result can be joined back.
func (s *Service) CreateStep(ctx context.Context, step domain.Step) (domain.Step, error) {
	if strings.TrimSpace(step.ID) == "" {
		step.ID = uuid.NewString()
	}
	if strings.TrimSpace(step.CorrelationID) == "" {
		step.CorrelationID = uuid.NewString()
	}
	if step.Status == "" {
		step.Status = domain.StepPending
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = s.now()
	}
	if err := s.steps.CreateStep(ctx, step); err != nil {
		return domain.Step{}, err
	}
	s.logger.InfoContext(ctx, "step created",
		"step_id", step.ID, "job_id", step.JobID, "step_name", step.Name)
	return step, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return s.jobs.GetJob(ctx, id)
}

func (s *Service) GetStep(ctx context.Context, id string) (domain.Step, error) {
	return s.steps.GetStep(ctx, id)
}

func (s *Service) QueryJobs(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	return s.jobs.QueryJobs(ctx, filter)
}

func (s *Service) ListSteps(ctx context.Context, jobID string) ([]domain.Step, error) {
	return s.steps.ListSteps(ctx, jobID)
}

func (s *Service) DeleteJob(ctx context.Context, id string) error {
	if err := s.jobs.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "job deleted", "job_id", id)
	return nil
}

// UpdateJob applies a patch, attaching the timestamps a status change
// implies when the caller did not supply them.
func (s *Service) UpdateJob(ctx context.Context, id string, patch repo.JobPatch) (domain.Job, bool, error) {
	now := s.now()
	if patch.Status != nil {
		if *patch.Status == domain.JobRunning && patch.StartedAt == nil {
			patch.StartedAt = &now
		}
		if patch.Status.Terminal() && patch.CompletedAt == nil {
			patch.CompletedAt = &now
		}
	}
	return s.jobs.UpdateJob(ctx, id, patch)
}

// UpdateStep is the step-level counterpart of UpdateJob. The owning job
// is reconciled after any write.
func (s *Service) UpdateStep(ctx context.Context, id string, patch repo.StepPatch) (domain.Step, bool, error) {
	now := s.now()
	if patch.Status != nil {
		if *patch.Status == domain.StepRunning && patch.StartedAt == nil {
			patch.StartedAt = &now
		}
		if patch.Status.Terminal() && patch.CompletedAt == nil {
			patch.CompletedAt = &now
		}
	}
	step, changed, err := s.steps.UpdateStep(ctx, id, patch)
	if err != nil {
		return domain.Step{}, false, err
	}
	if changed {
		if err := s.reconcileJob(ctx, step.JobID); err != nil {
			return domain.Step{}, false, err
		}
	}
	return step, changed, nil
}

// ApplyResult folds a handler result into the step it correlates to and
// reconciles the owning job. Applying the same result twice converges:
// the second application reports changed=false and writes nothing.
func (s *Service) ApplyResult(ctx context.Context, result protocol.Result) (domain.Step, bool, error) {
	if err := result.Validate(); err != nil {
		return domain.Step{}, false, err
	}
	if strings.TrimSpace(result.StepID) == "" {
		return domain.Step{}, false, fmt.Errorf("%w: result has no step id", protocol.ErrInvalidMessage)
	}

	status, err := stepStatusFor(result.Status)
	if err != nil {
		return domain.Step{}, false, err
	}
	patch := repo.StepPatch{
		Status:     &status,
		Inputs:     result.Inputs,
		Outputs:    result.Outputs,
		Executions: result.Executions,
	}
	if result.DurationMS > 0 {
		d := result.DurationMS
		patch.DurationMS = &d
	}
	if len(result.Errors) > 0 {
		msg := strings.Join(result.Errors, "; ")
		patch.Error = &msg
	}

	step, changed, err := s.UpdateStep(ctx, result.StepID, patch)
	if err != nil {
		return domain.Step{}, false, err
	}
	s.logger.InfoContext(ctx, "result applied",
		"step_id", step.ID, "job_id", step.JobID,
		"status", string(step.Status), "changed", changed,
		"correlation_id", result.CorrelationID)
	return step, changed, nil
}

// reconcileJob recomputes the job's status from its steps. A derived
// status the job cannot legally move to is stale information from a
// concurrent writer and is skipped; the writer that caused it has
// already reconciled.
func (s *Service) reconcileJob(ctx context.Context, jobID string) error {
	steps, err := s.steps.ListSteps(ctx, jobID)
	if err != nil {
		return err
	}
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	derived, reason := domain.DeriveJobStatus(steps)
	if derived == job.Status {
		return nil
	}
	if !job.Status.CanTransitionTo(derived) {
		s.logger.DebugContext(ctx, "skipping stale job reconciliation",
			"job_id", jobID, "from", string(job.Status), "to", string(derived))
		return nil
	}
	patch := repo.JobPatch{Status: &derived}
	if reason != "" {
		patch.Error = &reason
	}
	if _, _, err := s.UpdateJob(ctx, jobID, patch); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "job reconciled",
		"job_id", jobID, "from", string(job.Status), "to", string(derived))
	return nil
}

// stepStatusFor maps a result outcome onto the step state machine. A
// pending result means the handler accepted the work, so the step is
// running from the registry's point of view. Every status must map
// explicitly; an unknown one is rejected, not guessed at.
func stepStatusFor(status protocol.Status) (domain.StepStatus, error) {
	switch status {
	case protocol.StatusSuccess:
		return domain.StepSuccess, nil
	case protocol.StatusError:
		return domain.StepError, nil
	case protocol.StatusPending:
		return domain.StepRunning, nil
	}
	return "", fmt.Errorf("%w: unmapped result status %q", protocol.ErrInvalidMessage, status)
}
