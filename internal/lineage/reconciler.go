// Package lineage reconstructs data lineage from the inputs and outputs
// recorded on steps. Artifacts are identified by their exact location
// string; an artifact no step produced is external and still appears as
// a node so consumers can trace back to it.
package lineage

import (
	"context"
	"sort"
	"time"

	"github.com/flowtrace-labs/flowtrace-go/internal/domain"
	"github.com/flowtrace-labs/flowtrace-go/internal/repo"
)

// Artifact is one data location seen in the lineage graph, with the
// reference details collected from every step that touched it.
type Artifact struct {
	Location string                 `json:"location"`
	RefType  domain.RefType         `json:"ref_type"`
	Format   string                 `json:"format,omitempty"`
	External bool                   `json:"external"`
	Refs     []domain.DataReference `json:"refs,omitempty"`
}

// Edge connects an input artifact to an output artifact through the
// step that performed the transformation.
type Edge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	StepID   string `json:"step_id"`
	StepName string `json:"step_name"`
	JobID    string `json:"job_id"`
}

// Graph is the lineage view over a set of steps.
type Graph struct {
	Artifacts []Artifact `json:"artifacts"`
	Edges     []Edge     `json:"edges"`
}

// Trace is one producer or consumer of an artifact, carrying enough of
// the owning job to audit which code version touched the data when.
type Trace struct {
	JobID        string     `json:"job_id"`
	StepID       string     `json:"step_id"`
	StepName     string     `json:"step_name"`
	HandlerType  string     `json:"handler_type"`
	Status       string     `json:"status"`
	LogicVersion string     `json:"logic_version,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// BuildGraph folds steps into a lineage graph. Every input of a step is
// connected to every output of the same step. An artifact that appears
// only as an input is marked external.
func BuildGraph(steps []domain.Step) Graph {
	artifacts := make(map[string]*Artifact)
	produced := make(map[string]bool)
	edges := make([]Edge, 0)

	record := func(ref domain.DataReference) {
		a, ok := artifacts[ref.Location]
		if !ok {
			a = &Artifact{Location: ref.Location, RefType: ref.RefType, Format: ref.Format}
			artifacts[ref.Location] = a
		}
		for _, have := range a.Refs {
			if have.Equal(ref) {
				return
			}
		}
		a.Refs = append(a.Refs, ref)
	}

	for _, step := range steps {
		for _, in := range step.Inputs {
			record(in)
		}
		for _, out := range step.Outputs {
			record(out)
			produced[out.Location] = true
		}
		for _, in := range step.Inputs {
			for _, out := range step.Outputs {
				edges = append(edges, Edge{
					From:     in.Location,
					To:       out.Location,
					StepID:   step.ID,
					StepName: step.Name,
					JobID:    step.JobID,
				})
			}
		}
	}

	out := Graph{Edges: edges, Artifacts: make([]Artifact, 0, len(artifacts))}
	for location, artifact := range artifacts {
		artifact.External = !produced[location]
		out.Artifacts = append(out.Artifacts, *artifact)
	}
	sort.Slice(out.Artifacts, func(i, j int) bool {
		return out.Artifacts[i].Location < out.Artifacts[j].Location
	})
	return out
}

// Reconciler answers lineage questions across jobs by joining on
// recorded artifact locations.
type Reconciler struct {
	jobs  repo.JobRepository
	steps repo.StepRepository
}

func NewReconciler(jobs repo.JobRepository, steps repo.StepRepository) *Reconciler {
	if jobs == nil || steps == nil {
		return nil
	}
	return &Reconciler{jobs: jobs, steps: steps}
}

// JobGraph builds the lineage graph for a single job.
func (r *Reconciler) JobGraph(ctx context.Context, jobID string) (Graph, error) {
	if _, err := r.jobs.GetJob(ctx, jobID); err != nil {
		return Graph{}, err
	}
	steps, err := r.steps.ListSteps(ctx, jobID)
	if err != nil {
		return Graph{}, err
	}
	return BuildGraph(steps), nil
}

// Producers returns every step, across all jobs, that recorded the
// location as an output, newest completion first.
func (r *Reconciler) Producers(ctx context.Context, location string) ([]Trace, error) {
	steps, err := r.steps.ListStepsByOutput(ctx, location)
	if err != nil {
		return nil, err
	}
	return r.traces(ctx, steps)
}

// Consumers returns every step that recorded the location as an input.
func (r *Reconciler) Consumers(ctx context.Context, location string) ([]Trace, error) {
	steps, err := r.steps.ListStepsByInput(ctx, location)
	if err != nil {
		return nil, err
	}
	return r.traces(ctx, steps)
}

func (r *Reconciler) traces(ctx context.Context, steps []domain.Step) ([]Trace, error) {
	versions := make(map[string]string)
	traces := make([]Trace, 0, len(steps))
	for _, step := range steps {
		version, ok := versions[step.JobID]
		if !ok {
			job, err := r.jobs.GetJob(ctx, step.JobID)
			if err != nil {
				return nil, err
			}
			version = job.LogicVersion
			versions[step.JobID] = version
		}
		traces = append(traces, Trace{
			JobID:        step.JobID,
			StepID:       step.ID,
			StepName:     step.Name,
			HandlerType:  step.HandlerType,
			Status:       string(step.Status),
			LogicVersion: version,
			CompletedAt:  step.CompletedAt,
		})
	}
	return traces, nil
}
