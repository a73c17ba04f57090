package lineage

import (
	"context"
	"testing"
	"time"

	"github.com/flowtrace-labs/flowtrace-go/internal/domain"
	"github.com/flowtrace-labs/flowtrace-go/internal/repo/memory"
)

func TestBuildGraphMarksExternalArtifacts(t *testing.T) {
	steps := []domain.Step{
		{
			ID: "s1", JobID: "j1", Name: "extract",
			Inputs:  []domain.DataReference{{RefType: domain.RefFile, Location: "s3://vendor/orders.csv"}},
			Outputs: []domain.DataReference{{RefType: domain.RefTable, Location: "staging.orders"}},
		},
		{
			ID: "s2", JobID: "j1", Name: "clean",
			Inputs:  []domain.DataReference{{RefType: domain.RefTable, Location: "staging.orders"}},
			Outputs: []domain.DataReference{{RefType: domain.RefTable, Location: "warehouse.orders"}},
		},
	}
	graph := BuildGraph(steps)

	if len(graph.Artifacts) != 3 {
		t.Fatalf("expected 3 artifacts, got %d", len(graph.Artifacts))
	}
	external := map[string]bool{}
	for _, a := range graph.Artifacts {
		external[a.Location] = a.External
	}
	if !external["s3://vendor/orders.csv"] {
		t.Fatalf("vendor file should be external")
	}
	if external["staging.orders"] || external["warehouse.orders"] {
		t.Fatalf("produced artifacts marked external: %v", external)
	}
	if len(graph.Edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(graph.Edges))
	}
}

func TestBuildGraphDedupsRepeatedReferences(t *testing.T) {
	ref := domain.DataReference{RefType: domain.RefTable, Location: "staging.orders"}
	graph := BuildGraph([]domain.Step{
		{ID: "s1", JobID: "j1", Name: "a", Outputs: []domain.DataReference{ref}},
		{ID: "s2", JobID: "j2", Name: "b", Inputs: []domain.DataReference{ref}},
	})
	if len(graph.Artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(graph.Artifacts))
	}
	if len(graph.Artifacts[0].Refs) != 1 {
		t.Fatalf("identical references not deduplicated: %d", len(graph.Artifacts[0].Refs))
	}
}

func TestProducersAndConsumersJoinAcrossJobs(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rec := NewReconciler(store, store)

	loc := "warehouse.orders"
	done := time.Now().UTC()
	for _, j := range []struct {
		jobID, stepID, name string
		version             string
		inputs, outputs     []domain.DataReference
	}{
		{"j1", "s1", "load", "v1", nil, []domain.DataReference{{RefType: domain.RefTable, Location: loc}}},
		{"j2", "s2", "report", "v2", []domain.DataReference{{RefType: domain.RefTable, Location: loc}}, nil},
	} {
		if err := store.CreateJob(ctx, domain.Job{
			ID: j.jobID, Pipeline: "p", Environment: "dev", Namespace: "ns",
			Status: domain.JobSuccess, LogicVersion: j.version,
		}); err != nil {
			t.Fatalf("create job: %v", err)
		}
		if err := store.CreateStep(ctx, domain.Step{
			ID: j.stepID, JobID: j.jobID, Name: j.name,
			HandlerType: "transform", Action: "run_sql",
			Status: domain.StepSuccess, CorrelationID: "corr-" + j.stepID,
			Inputs: j.inputs, Outputs: j.outputs, CompletedAt: &done,
		}); err != nil {
			t.Fatalf("create step: %v", err)
		}
	}

	producers, err := rec.Producers(ctx, loc)
	if err != nil {
		t.Fatalf("producers: %v", err)
	}
	if len(producers) != 1 || producers[0].JobID != "j1" || producers[0].LogicVersion != "v1" {
		t.Fatalf("unexpected producers: %+v", producers)
	}

	consumers, err := rec.Consumers(ctx, loc)
	if err != nil {
		t.Fatalf("consumers: %v", err)
	}
	if len(consumers) != 1 || consumers[0].JobID != "j2" || consumers[0].LogicVersion != "v2" {
		t.Fatalf("unexpected consumers: %+v", consumers)
	}
}

func TestJobGraphUnknownJob(t *testing.T) {
	store := memory.NewStore()
	rec := NewReconciler(store, store)
	if _, err := rec.JobGraph(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for unknown job")
	}
}
