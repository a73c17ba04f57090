package repo

import (
	"errors"
	"testing"
	"time"

	"github.com/flowtrace-labs/flowtrace-go/internal/domain"
)

func pendingStep() domain.Step {
	return domain.Step{
		ID:            "step-1",
		JobID:         "job-1",
		Name:          "clean",
		HandlerType:   "transform",
		Action:        "run_model",
		Status:        domain.StepPending,
		CorrelationID: "corr-1",
	}
}

func TestStepPatchApplyIsIdempotent(t *testing.T) {
	success := domain.StepSuccess
	completed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	duration := int64(420)
	patch := StepPatch{
		Status:      &success,
		CompletedAt: &completed,
		DurationMS:  &duration,
		Outputs:     []domain.DataReference{{RefType: domain.RefTable, Location: "staging.cleaned"}},
	}

	once, changed, err := patch.Apply(pendingStep())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !changed {
		t.Fatalf("first apply should change the step")
	}
	if once.Status != domain.StepSuccess || len(once.Outputs) != 1 {
		t.Fatalf("unexpected step after apply: %+v", once)
	}

	twice, changed, err := patch.Apply(once)
	if err != nil {
		t.Fatalf("duplicate apply errored: %v", err)
	}
	if changed {
		t.Fatalf("duplicate apply should be a no-op")
	}
	if len(twice.Outputs) != 1 {
		t.Fatalf("duplicate apply duplicated outputs: %d", len(twice.Outputs))
	}
}

func TestStepPatchRejectsBackwardTransition(t *testing.T) {
	step := pendingStep()
	step.Status = domain.StepSuccess

	running := domain.StepRunning
	if _, _, err := (StepPatch{Status: &running}).Apply(step); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	errStatus := domain.StepError
	if _, _, err := (StepPatch{Status: &errStatus}).Apply(step); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal to terminal should be rejected, got %v", err)
	}
}

func TestStepPatchRejectsInvalidAppends(t *testing.T) {
	step := pendingStep()

	bad := StepPatch{Inputs: []domain.DataReference{{RefType: "bogus", Location: ""}}}
	if _, changed, err := bad.Apply(step); !errors.Is(err, ErrInvalidPatch) || changed {
		t.Fatalf("invalid input reference accepted: changed=%v err=%v", changed, err)
	}

	bad = StepPatch{Outputs: []domain.DataReference{{RefType: domain.RefTable, Location: ""}}}
	if _, _, err := bad.Apply(step); !errors.Is(err, ErrInvalidPatch) {
		t.Fatalf("empty output location accepted: %v", err)
	}

	bad = StepPatch{Executions: []domain.ExecutionRecord{{ExecType: "guesswork"}}}
	if _, _, err := bad.Apply(step); !errors.Is(err, ErrInvalidPatch) {
		t.Fatalf("invalid execution record accepted: %v", err)
	}
}

func TestStepPatchTimestampsSetOnce(t *testing.T) {
	step := pendingStep()
	first := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)

	running := domain.StepRunning
	step, _, err := (StepPatch{Status: &running, StartedAt: &first}).Apply(step)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	success := domain.StepSuccess
	step, _, err = (StepPatch{Status: &success, StartedAt: &later, CompletedAt: &later}).Apply(step)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !step.StartedAt.Equal(first) {
		t.Fatalf("started_at advanced: %v", step.StartedAt)
	}
	if !step.CompletedAt.Equal(later) {
		t.Fatalf("completed_at not set: %v", step.CompletedAt)
	}
}

func TestJobPatchFirstErrorWins(t *testing.T) {
	job := domain.Job{
		ID: "job-1", Pipeline: "p", Environment: "dev", Namespace: "dev",
		Status: domain.JobRunning, LogicVersion: "v1",
	}
	firstErr := "query timed out"
	errStatus := domain.JobError
	now := time.Now().UTC()
	job, changed, err := (JobPatch{Status: &errStatus, Error: &firstErr, CompletedAt: &now}).Apply(job)
	if err != nil || !changed {
		t.Fatalf("apply: changed=%v err=%v", changed, err)
	}

	secondErr := "another failure"
	if _, _, err := (JobPatch{Error: &secondErr}).Apply(job); err != nil {
		t.Fatalf("error-only patch should not conflict: %v", err)
	}
	next, changed, _ := (JobPatch{Error: &secondErr}).Apply(job)
	if changed || next.Error != firstErr {
		t.Fatalf("first error should be preserved, got %q (changed=%v)", next.Error, changed)
	}

	running := domain.JobRunning
	if _, _, err := (JobPatch{Status: &running}).Apply(job); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal job should not regress, got %v", err)
	}
}
