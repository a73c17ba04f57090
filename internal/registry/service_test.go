package registry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/flowtrace-labs/flowtrace-go/internal/domain"
	"github.com/flowtrace-labs/flowtrace-go/internal/protocol"
	"github.com/flowtrace-labs/flowtrace-go/internal/repo"
	"github.com/flowtrace-labs/flowtrace-go/internal/repo/memory"
)

func newTestService() (*Service, *memory.Store) {
	store := memory.NewStore()
	svc := New(store, store, slog.New(slog.DiscardHandler))
	return svc, store
}

func createJobWithStep(t *testing.T, svc *Service) (domain.Job, domain.Step) {
	t.Helper()
	ctx := context.Background()
	job, err := svc.CreateJob(ctx, domain.Job{
		Pipeline:     "sales-ingest",
		LogicVersion: "v3",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	step, err := svc.CreateStep(ctx, domain.Step{
		JobID:       job.ID,
		Name:        "extract",
		HandlerType: "storage",
		Action:      "read_object",
	})
	if err != nil {
		t.Fatalf("create step: %v", err)
	}
	return job, step
}

func TestCreateJobFillsDefaults(t *testing.T) {
	svc, _ := newTestService()
	job, err := svc.CreateJob(context.Background(), domain.Job{
		Pipeline:     "sales-ingest",
		LogicVersion: "v3",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.ID == "" {
		t.Fatalf("id not generated")
	}
	if job.Environment != "dev" || job.Namespace != "default" {
		t.Fatalf("defaults not applied: %q %q", job.Environment, job.Namespace)
	}
	if job.Status != domain.JobPending {
		t.Fatalf("new job should be pending, got %s", job.Status)
	}
}

func TestCreateStepGeneratesCorrelationID(t *testing.T) {
	svc, _ := newTestService()
	_, step := createJobWithStep(t, svc)
	if step.CorrelationID == "" {
		t.Fatalf("correlation id not generated")
	}
	if step.Status != domain.StepPending {
		t.Fatalf("new step should be pending, got %s", step.Status)
	}
}

func TestApplyResultDuplicateDeliveryConverges(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	job, step := createJobWithStep(t, svc)

	result := protocol.Result{
		Status:        protocol.StatusSuccess,
		CorrelationID: step.CorrelationID,
		JobID:         job.ID,
		StepID:        step.ID,
		DurationMS:    1200,
		Outputs:       []domain.DataReference{{RefType: domain.RefFile, Location: "s3://lake/raw/orders.csv"}},
		Executions:    []domain.ExecutionRecord{domain.SQLExecution("postgres", []string{"COPY orders FROM ..."})},
		Timestamp:     time.Now().UTC(),
	}

	updated, changed, err := svc.ApplyResult(ctx, result)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if !changed || updated.Status != domain.StepSuccess {
		t.Fatalf("first apply: changed=%v status=%s", changed, updated.Status)
	}
	if updated.CompletedAt == nil || updated.DurationMS != 1200 {
		t.Fatalf("terminal bookkeeping missing: %+v", updated)
	}

	again, changed, err := svc.ApplyResult(ctx, result)
	if err != nil {
		t.Fatalf("duplicate apply errored: %v", err)
	}
	if changed {
		t.Fatalf("duplicate apply wrote")
	}
	if len(again.Outputs) != 1 || len(again.Executions) != 1 {
		t.Fatalf("duplicate apply grew sequences: %d outputs %d executions", len(again.Outputs), len(again.Executions))
	}

	reloaded, err := svc.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloaded.Status != domain.JobSuccess {
		t.Fatalf("job not reconciled to success: %s", reloaded.Status)
	}
	if reloaded.CompletedAt == nil {
		t.Fatalf("job completed_at not set")
	}
}

func TestApplyResultErrorDoesNotCancelSiblings(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	job, failing := createJobWithStep(t, svc)
	sibling, err := svc.CreateStep(ctx, domain.Step{
		JobID:       job.ID,
		Name:        "load",
		HandlerType: "transform",
		Action:      "run_sql",
	})
	if err != nil {
		t.Fatalf("create sibling: %v", err)
	}

	if _, _, err := svc.ApplyResult(ctx, protocol.Result{
		Status:        protocol.StatusError,
		CorrelationID: failing.CorrelationID,
		JobID:         job.ID,
		StepID:        failing.ID,
		Errors:        []string{"source bucket unreachable"},
		Timestamp:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("apply error result: %v", err)
	}

	reloaded, err := svc.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloaded.Status != domain.JobError {
		t.Fatalf("job should be error, got %s", reloaded.Status)
	}
	if reloaded.Error != "source bucket unreachable" {
		t.Fatalf("job error not propagated: %q", reloaded.Error)
	}

	// The sibling still completes and records its lineage even though
	// the job is already terminal.
	if _, changed, err := svc.ApplyResult(ctx, protocol.Result{
		Status:        protocol.StatusSuccess,
		CorrelationID: sibling.CorrelationID,
		JobID:         job.ID,
		StepID:        sibling.ID,
		Outputs:       []domain.DataReference{{RefType: domain.RefTable, Location: "warehouse.orders"}},
		Timestamp:     time.Now().UTC(),
	}); err != nil || !changed {
		t.Fatalf("sibling apply: changed=%v err=%v", changed, err)
	}

	// Job stays on the first error.
	final, _ := svc.GetJob(ctx, job.ID)
	if final.Status != domain.JobError || final.Error != "source bucket unreachable" {
		t.Fatalf("job regressed: status=%s error=%q", final.Status, final.Error)
	}
}

func TestApplyResultPendingMarksStepRunning(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	job, step := createJobWithStep(t, svc)

	updated, changed, err := svc.ApplyResult(ctx, protocol.Result{
		Status:        protocol.StatusPending,
		CorrelationID: step.CorrelationID,
		JobID:         job.ID,
		StepID:        step.ID,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil || !changed {
		t.Fatalf("apply pending: changed=%v err=%v", changed, err)
	}
	if updated.Status != domain.StepRunning || updated.StartedAt == nil {
		t.Fatalf("pending result should mark step running: %+v", updated)
	}
	reloaded, _ := svc.GetJob(ctx, job.ID)
	if reloaded.Status != domain.JobRunning {
		t.Fatalf("job should be running, got %s", reloaded.Status)
	}
}

func TestStepStatusMappingIsExhaustive(t *testing.T) {
	cases := []struct {
		in   protocol.Status
		want domain.StepStatus
	}{
		{protocol.StatusSuccess, domain.StepSuccess},
		{protocol.StatusError, domain.StepError},
		{protocol.StatusPending, domain.StepRunning},
	}
	for _, tc := range cases {
		got, err := stepStatusFor(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("%s: got %s err=%v, want %s", tc.in, got, err, tc.want)
		}
	}
	if _, err := stepStatusFor("finished"); !errors.Is(err, protocol.ErrInvalidMessage) {
		t.Fatalf("unmapped status should be rejected, got %v", err)
	}
}

func TestApplyResultUnknownStep(t *testing.T) {
	svc, _ := newTestService()
	_, _, err := svc.ApplyResult(context.Background(), protocol.Result{
		Status:        protocol.StatusSuccess,
		CorrelationID: "corr-x",
		JobID:         "job-x",
		StepID:        "missing",
		Timestamp:     time.Now().UTC(),
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyResultBackwardTransitionRejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	job, step := createJobWithStep(t, svc)

	if _, _, err := svc.ApplyResult(ctx, protocol.Result{
		Status:        protocol.StatusSuccess,
		CorrelationID: step.CorrelationID,
		JobID:         job.ID,
		StepID:        step.ID,
		Timestamp:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("terminal apply: %v", err)
	}

	// A late pending result for an already-finished step conflicts.
	_, _, err := svc.ApplyResult(ctx, protocol.Result{
		Status:        protocol.StatusPending,
		CorrelationID: step.CorrelationID,
		JobID:         job.ID,
		StepID:        step.ID,
		Timestamp:     time.Now().UTC(),
	})
	if !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}
