package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle status of a job. Terminal statuses are
// never left once reached.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobError   JobStatus = "error"
)

func ParseJobStatus(value string) (JobStatus, error) {
	switch JobStatus(strings.TrimSpace(value)) {
	case JobPending:
		return JobPending, nil
	case JobRunning:
		return JobRunning, nil
	case JobSuccess:
		return JobSuccess, nil
	case JobError:
		return JobError, nil
	}
	return "", fmt.Errorf("unknown job status: %q", value)
}

func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobError
}

// CanTransitionTo mirrors the step state machine at job granularity:
// forward-only, nothing leaves a terminal status.
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	if s == target {
		return false
	}
	switch s {
	case JobPending:
		return target == JobRunning || target == JobSuccess || target == JobError
	case JobRunning:
		return target == JobSuccess || target == JobError
	}
	return false
}

// Job is a single tracked pipeline execution. Its identity is immutable;
// its status only moves forward.
type Job struct {
	ID           string
	Pipeline     string
	Environment  string
	Namespace    string
	Status       JobStatus
	LogicVersion string
	Request      Metadata
	Parameters   Metadata
	RunRef       string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Error        string
	Metadata     Metadata
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(j.Pipeline) == "" {
		return errors.New("pipeline is required")
	}
	if strings.TrimSpace(j.Environment) == "" {
		return errors.New("environment is required")
	}
	if strings.TrimSpace(j.Namespace) == "" {
		return errors.New("namespace is required")
	}
	if _, err := ParseJobStatus(string(j.Status)); err != nil {
		return err
	}
	if strings.TrimSpace(j.LogicVersion) == "" {
		return errors.New("logic version is required")
	}
	if j.StartedAt != nil && j.CompletedAt != nil && j.CompletedAt.Before(*j.StartedAt) {
		return errors.New("completed_at precedes started_at")
	}
	return nil
}

// DeriveJobStatus computes a job's status from its steps in creation
// order. An erroring step decides the job immediately; the first error
// wins. Siblings of a failed step are not cancelled and keep reporting.
func DeriveJobStatus(steps []Step) (JobStatus, string) {
	if len(steps) == 0 {
		return JobPending, ""
	}
	allPending := true
	allSuccess := true
	for _, step := range steps {
		if step.Status != StepPending {
			allPending = false
		}
		if step.Status != StepSuccess {
			allSuccess = false
		}
		if step.Status == StepError {
			reason := strings.TrimSpace(step.Error)
			if reason == "" {
				reason = fmt.Sprintf("step %s failed", step.Name)
			}
			return JobError, reason
		}
	}
	switch {
	case allPending:
		return JobPending, ""
	case allSuccess:
		return JobSuccess, ""
	default:
		return JobRunning, ""
	}
}
