// Package memory provides map-backed repositories with the same
// semantics as the postgres stores. They back tests and local runs
// without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowtrace-labs/flowtrace-go/internal/domain"
	"github.com/flowtrace-labs/flowtrace-go/internal/repo"
)

// Store holds jobs and steps behind a single mutex so that a job
// delete can cascade to its steps atomically.
type Store struct {
	mu    sync.Mutex
	jobs  map[string]domain.Job
	steps map[string]domain.Step
}

func NewStore() *Store {
	return &Store{
		jobs:  make(map[string]domain.Job),
		steps: make(map[string]domain.Step),
	}
}

func (s *Store) CreateJob(_ context.Context, job domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, repo.ErrAlreadyExists)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[strings.TrimSpace(id)]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *Store) UpdateJob(_ context.Context, id string, patch repo.JobPatch) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[strings.TrimSpace(id)]
	if !ok {
		return domain.Job{}, false, repo.ErrNotFound
	}
	next, changed, err := patch.Apply(current)
	if err != nil {
		return domain.Job{}, false, err
	}
	if !changed {
		return cloneJob(current), false, nil
	}
	s.jobs[next.ID] = cloneJob(next)
	return next, true, nil
}

func (s *Store) QueryJobs(_ context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if !matchJob(job, filter) {
			continue
		}
		matched = append(matched, cloneJob(job))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []domain.Job{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *Store) DeleteJob(_ context.Context, id string) error {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return repo.ErrNotFound
	}
	delete(s.jobs, id)
	for stepID, step := range s.steps {
		if step.JobID == id {
			delete(s.steps, stepID)
		}
	}
	return nil
}

func (s *Store) CreateStep(_ context.Context, step domain.Step) error {
	if err := step.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[step.JobID]; !ok {
		return fmt.Errorf("step %s references job %s: %w", step.ID, step.JobID, repo.ErrJobNotFound)
	}
	if _, ok := s.steps[step.ID]; ok {
		return fmt.Errorf("step %s: %w", step.ID, repo.ErrAlreadyExists)
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	s.steps[step.ID] = cloneStep(step)
	return nil
}

func (s *Store) GetStep(_ context.Context, id string) (domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[strings.TrimSpace(id)]
	if !ok {
		return domain.Step{}, repo.ErrNotFound
	}
	return cloneStep(step), nil
}

func (s *Store) UpdateStep(_ context.Context, id string, patch repo.StepPatch) (domain.Step, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.steps[strings.TrimSpace(id)]
	if !ok {
		return domain.Step{}, false, repo.ErrNotFound
	}
	next, changed, err := patch.Apply(current)
	if err != nil {
		return domain.Step{}, false, err
	}
	if !changed {
		return cloneStep(current), false, nil
	}
	s.steps[next.ID] = cloneStep(next)
	return next, true, nil
}

func (s *Store) ListSteps(_ context.Context, jobID string) ([]domain.Step, error) {
	jobID = strings.TrimSpace(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := make([]domain.Step, 0)
	for _, step := range s.steps {
		if step.JobID == jobID {
			steps = append(steps, cloneStep(step))
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].CreatedAt.Equal(steps[j].CreatedAt) {
			return steps[i].ID < steps[j].ID
		}
		return steps[i].CreatedAt.Before(steps[j].CreatedAt)
	})
	return steps, nil
}

func (s *Store) ListStepsByOutput(_ context.Context, location string) ([]domain.Step, error) {
	return s.listByLocation(location, func(step domain.Step) []domain.DataReference { return step.Outputs })
}

func (s *Store) ListStepsByInput(_ context.Context, location string) ([]domain.Step, error) {
	return s.listByLocation(location, func(step domain.Step) []domain.DataReference { return step.Inputs })
}

func (s *Store) listByLocation(location string, refs func(domain.Step) []domain.DataReference) ([]domain.Step, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("location is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := make([]domain.Step, 0)
	for _, step := range s.steps {
		for _, ref := range refs(step) {
			if ref.Location == location {
				steps = append(steps, cloneStep(step))
				break
			}
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		ti, tj := steps[i].CompletedAt, steps[j].CompletedAt
		switch {
		case ti != nil && tj != nil && !ti.Equal(*tj):
			return ti.After(*tj)
		case ti != nil && tj == nil:
			return true
		case ti == nil && tj != nil:
			return false
		}
		return steps[i].CreatedAt.After(steps[j].CreatedAt)
	})
	return steps, nil
}

func matchJob(job domain.Job, filter repo.JobFilter) bool {
	if p := strings.TrimSpace(filter.Pipeline); p != "" && job.Pipeline != p {
		return false
	}
	if e := strings.TrimSpace(filter.Environment); e != "" && job.Environment != e {
		return false
	}
	if n := strings.TrimSpace(filter.Namespace); n != "" && job.Namespace != n {
		return false
	}
	if filter.Status != "" && job.Status != filter.Status {
		return false
	}
	if !filter.CreatedAfter.IsZero() && job.CreatedAt.Before(filter.CreatedAfter) {
		return false
	}
	if !filter.CreatedBefore.IsZero() && job.CreatedAt.After(filter.CreatedBefore) {
		return false
	}
	return true
}

func cloneJob(job domain.Job) domain.Job {
	out := job
	out.Request = cloneMetadata(job.Request)
	out.Parameters = cloneMetadata(job.Parameters)
	out.Metadata = cloneMetadata(job.Metadata)
	out.StartedAt = cloneTime(job.StartedAt)
	out.CompletedAt = cloneTime(job.CompletedAt)
	return out
}

func cloneStep(step domain.Step) domain.Step {
	out := step
	out.Inputs = cloneRefs(step.Inputs)
	out.Outputs = cloneRefs(step.Outputs)
	out.Executions = append([]domain.ExecutionRecord(nil), step.Executions...)
	out.Metadata = cloneMetadata(step.Metadata)
	out.StartedAt = cloneTime(step.StartedAt)
	out.CompletedAt = cloneTime(step.CompletedAt)
	return out
}

func cloneRefs(refs []domain.DataReference) []domain.DataReference {
	return append([]domain.DataReference(nil), refs...)
}

func cloneMetadata(meta domain.Metadata) domain.Metadata {
	if meta == nil {
		return nil
	}
	out := make(domain.Metadata, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
