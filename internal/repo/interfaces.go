package repo

import (
	"context"
	"errors"
	"time"

	"github.com/flowtrace-labs/flowtrace-go/internal/domain"
)

var (
	// ErrNotFound is returned when a job or step does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when an id is reused on create.
	ErrAlreadyExists = errors.New("already exists")
	// ErrJobNotFound is returned when a step references a nonexistent
	// job; referential integrity is enforced at write time.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when an update attempts a status
	// transition forbidden by the state machine. Duplicate deliveries
	// that land on an already-applied status are not transitions and do
	// not produce this error.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidPatch is returned when a patch carries data that fails
	// domain validation. Nothing invalid reaches the stored record.
	ErrInvalidPatch = errors.New("invalid patch")
)

// JobFilter narrows a job query. Zero values mean "any".
type JobFilter struct {
	Pipeline      string
	Environment   string
	Namespace     string
	Status        domain.JobStatus
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// JobRepository stores jobs keyed by their immutable id.
type JobRepository interface {
	CreateJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id string) (domain.Job, error)
	// UpdateJob applies the patch under the job status state machine.
	// The returned bool reports whether anything was written; a
	// duplicate patch converges to false with no error.
	UpdateJob(ctx context.Context, id string, patch JobPatch) (domain.Job, bool, error)
	QueryJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)
	// DeleteJob removes the job and, by cascade, every step owned by it.
	DeleteJob(ctx context.Context, id string) error
}

// StepRepository stores steps keyed by their immutable id. All mutating
// operations are idempotent: applying the same patch twice leaves the
// step in the same state as applying it once.
type StepRepository interface {
	CreateStep(ctx context.Context, step domain.Step) error
	GetStep(ctx context.Context, id string) (domain.Step, error)
	UpdateStep(ctx context.Context, id string, patch StepPatch) (domain.Step, bool, error)
	// ListSteps returns a job's steps ordered by creation.
	ListSteps(ctx context.Context, jobID string) ([]domain.Step, error)
	// ListStepsByOutput returns steps that recorded the exact location
	// as an output, newest first. Used for cross-job lineage joins.
	ListStepsByOutput(ctx context.Context, location string) ([]domain.Step, error)
	// ListStepsByInput is the consumer-side counterpart.
	ListStepsByInput(ctx context.Context, location string) ([]domain.Step, error)
}
