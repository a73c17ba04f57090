package repo

import (
	"fmt"
	"time"

	"github.com/flowtrace-labs/flowtrace-go/internal/domain"
)

// JobPatch is a partial job update. Nil fields are left untouched.
type JobPatch struct {
	Status      *domain.JobStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *string
	Metadata    domain.Metadata
}

// StepPatch is a partial step update. Inputs, outputs and executions
// are appended with structural dedup, never replaced.
type StepPatch struct {
	Status      *domain.StepStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMS  *int64
	Error       *string
	Inputs      []domain.DataReference
	Outputs     []domain.DataReference
	Executions  []domain.ExecutionRecord
	Metadata    domain.Metadata
}

// Apply computes the job state after the patch. It returns the next
// state and whether anything changed. A patch that would move the job
// backwards through its state machine fails with ErrInvalidTransition;
// a patch that lands on the already-applied status is a no-op.
func (p JobPatch) Apply(job domain.Job) (domain.Job, bool, error) {
	next := job
	changed := false

	if p.Status != nil && *p.Status != job.Status {
		if !job.Status.CanTransitionTo(*p.Status) {
			return domain.Job{}, false, fmt.Errorf("%w: job %s: %s -> %s", ErrInvalidTransition, job.ID, job.Status, *p.Status)
		}
		next.Status = *p.Status
		changed = true
	}
	if p.StartedAt != nil && next.StartedAt == nil {
		t := p.StartedAt.UTC()
		next.StartedAt = &t
		changed = true
	}
	// Completion timestamp is set once and never advanced.
	if p.CompletedAt != nil && next.CompletedAt == nil {
		t := p.CompletedAt.UTC()
		next.CompletedAt = &t
		changed = true
	}
	// First recorded error wins.
	if p.Error != nil && next.Error == "" && *p.Error != "" {
		next.Error = *p.Error
		changed = true
	}
	if merged, grew := mergeMetadata(next.Metadata, p.Metadata); grew {
		next.Metadata = merged
		changed = true
	}
	return next, changed, nil
}

// Apply computes the step state after the patch, enforcing the step
// state machine and the append-only, deduplicated sequence semantics.
// Appended references and executions are validated before they are
// merged; the stored sequences never hold an invalid record.
func (p StepPatch) Apply(step domain.Step) (domain.Step, bool, error) {
	for _, ref := range p.Inputs {
		if err := ref.Validate(); err != nil {
			return domain.Step{}, false, fmt.Errorf("%w: input: %v", ErrInvalidPatch, err)
		}
	}
	for _, ref := range p.Outputs {
		if err := ref.Validate(); err != nil {
			return domain.Step{}, false, fmt.Errorf("%w: output: %v", ErrInvalidPatch, err)
		}
	}
	for _, rec := range p.Executions {
		if err := rec.Validate(); err != nil {
			return domain.Step{}, false, fmt.Errorf("%w: execution: %v", ErrInvalidPatch, err)
		}
	}

	next := step
	changed := false

	if p.Status != nil && *p.Status != step.Status {
		if !step.Status.CanTransitionTo(*p.Status) {
			return domain.Step{}, false, fmt.Errorf("%w: step %s: %s -> %s", ErrInvalidTransition, step.ID, step.Status, *p.Status)
		}
		next.Status = *p.Status
		changed = true
	}
	if p.StartedAt != nil && next.StartedAt == nil {
		t := p.StartedAt.UTC()
		next.StartedAt = &t
		changed = true
	}
	if p.CompletedAt != nil && next.CompletedAt == nil {
		t := p.CompletedAt.UTC()
		next.CompletedAt = &t
		changed = true
	}
	if p.DurationMS != nil && next.DurationMS != *p.DurationMS {
		next.DurationMS = *p.DurationMS
		changed = true
	}
	if p.Error != nil && next.Error == "" && *p.Error != "" {
		next.Error = *p.Error
		changed = true
	}
	if len(p.Inputs) > 0 {
		merged := domain.MergeDataReferences(next.Inputs, p.Inputs)
		if len(merged) != len(next.Inputs) {
			next.Inputs = merged
			changed = true
		}
	}
	if len(p.Outputs) > 0 {
		merged := domain.MergeDataReferences(next.Outputs, p.Outputs)
		if len(merged) != len(next.Outputs) {
			next.Outputs = merged
			changed = true
		}
	}
	if len(p.Executions) > 0 {
		merged := domain.MergeExecutionRecords(next.Executions, p.Executions)
		if len(merged) != len(next.Executions) {
			next.Executions = merged
			changed = true
		}
	}
	if merged, grew := mergeMetadata(next.Metadata, p.Metadata); grew {
		next.Metadata = merged
		changed = true
	}
	return next, changed, nil
}

func mergeMetadata(existing, incoming domain.Metadata) (domain.Metadata, bool) {
	if len(incoming) == 0 {
		return existing, false
	}
	merged := domain.Metadata{}
	for k, v := range existing {
		merged[k] = v
	}
	grew := false
	for k, v := range incoming {
		if have, ok := merged[k]; !ok || !metadataValueEqual(have, v) {
			merged[k] = v
			grew = true
		}
	}
	if !grew {
		return existing, false
	}
	return merged, true
}

func metadataValueEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
