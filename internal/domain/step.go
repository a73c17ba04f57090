package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StepStatus is the lifecycle status of a step. A step reaches a
// terminal status exactly once; every later transition attempt is
// either a duplicate (no-op) or a conflict.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
)

func ParseStepStatus(value string) (StepStatus, error) {
	switch StepStatus(strings.TrimSpace(value)) {
	case StepPending:
		return StepPending, nil
	case StepRunning:
		return StepRunning, nil
	case StepSuccess:
		return StepSuccess, nil
	case StepError:
		return StepError, nil
	}
	return "", fmt.Errorf("unknown step status: %q", value)
}

func (s StepStatus) Terminal() bool {
	return s == StepSuccess || s == StepError
}

// CanTransitionTo reports whether the state machine permits moving from
// s to target. A terminal result may be the first signal observed for a
// step, so pending advances directly to success or error as well as to
// running. Same-status repeats are not transitions; callers treat them
// as converged duplicates.
func (s StepStatus) CanTransitionTo(target StepStatus) bool {
	if s == target {
		return false
	}
	switch s {
	case StepPending:
		return target == StepRunning || target == StepSuccess || target == StepError
	case StepRunning:
		return target == StepSuccess || target == StepError
	}
	return false
}

// Step is one handler invocation within a job, the unit of lineage
// granularity. Its inputs, outputs and executions sequences only grow.
type Step struct {
	ID            string
	JobID         string
	Name          string
	HandlerType   string
	Action        string
	Status        StepStatus
	CorrelationID string
	Inputs        []DataReference
	Outputs       []DataReference
	Executions    []ExecutionRecord
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	DurationMS    int64
	Error         string
	Metadata      Metadata
}

func (s Step) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("step id is required")
	}
	if strings.TrimSpace(s.JobID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("step name is required")
	}
	if strings.TrimSpace(s.HandlerType) == "" {
		return errors.New("handler type is required")
	}
	if strings.TrimSpace(s.Action) == "" {
		return errors.New("action is required")
	}
	if _, err := ParseStepStatus(string(s.Status)); err != nil {
		return err
	}
	if strings.TrimSpace(s.CorrelationID) == "" {
		return errors.New("correlation id is required")
	}
	for _, ref := range s.Inputs {
		if err := ref.Validate(); err != nil {
			return fmt.Errorf("input: %w", err)
		}
	}
	for _, ref := range s.Outputs {
		if err := ref.Validate(); err != nil {
			return fmt.Errorf("output: %w", err)
		}
	}
	for _, rec := range s.Executions {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("execution: %w", err)
		}
	}
	return nil
}
