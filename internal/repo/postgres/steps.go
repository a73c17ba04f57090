package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowtrace-labs/flowtrace-go/internal/domain"
	"github.com/flowtrace-labs/flowtrace-go/internal/repo"
)

type StepStore struct {
	db DB
}

const selectStepColumns = `step_id, job_id, step_name, handler_type, action, status, correlation_id,
	inputs, outputs, executions, created_at, started_at, completed_at, duration_ms, error, metadata, version`

const (
	selectStepQuery = `SELECT ` + selectStepColumns + ` FROM job_steps WHERE step_id = $1`

	updateStepQuery = `UPDATE job_steps
	 SET status = $1, inputs = $2, outputs = $3, executions = $4,
	     started_at = $5, completed_at = $6, duration_ms = $7, error = $8, metadata = $9,
	     version = version + 1
	 WHERE step_id = $10 AND version = $11`

	listStepsByJobQuery = `SELECT ` + selectStepColumns + `
	 FROM job_steps
	 WHERE job_id = $1
	 ORDER BY created_at ASC, step_id ASC`

	listStepsByOutputQuery = `SELECT ` + selectStepColumns + `
	 FROM job_steps
	 WHERE outputs @> $1::jsonb
	 ORDER BY completed_at DESC NULLS LAST, created_at DESC`

	listStepsByInputQuery = `SELECT ` + selectStepColumns + `
	 FROM job_steps
	 WHERE inputs @> $1::jsonb
	 ORDER BY started_at DESC NULLS LAST, created_at DESC`
)

func NewStepStore(db DB) *StepStore {
	if db == nil {
		return nil
	}
	return &StepStore{db: db}
}

func (s *StepStore) CreateStep(ctx context.Context, step domain.Step) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step store not initialized")
	}
	if err := step.Validate(); err != nil {
		return err
	}
	inputsJSON, err := encodeRefs(step.Inputs)
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}
	outputsJSON, err := encodeRefs(step.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	executionsJSON, err := encodeExecutions(step.Executions)
	if err != nil {
		return fmt.Errorf("encode executions: %w", err)
	}
	metadataJSON, err := encodeMetadata(step.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	var duration sql.NullInt64
	if step.DurationMS > 0 {
		duration = sql.NullInt64{Int64: step.DurationMS, Valid: true}
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO job_steps (
			step_id,
			job_id,
			step_name,
			handler_type,
			action,
			status,
			correlation_id,
			inputs,
			outputs,
			executions,
			created_at,
			started_at,
			completed_at,
			duration_ms,
			error,
			metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		strings.TrimSpace(step.ID),
		strings.TrimSpace(step.JobID),
		strings.TrimSpace(step.Name),
		strings.TrimSpace(step.HandlerType),
		strings.TrimSpace(step.Action),
		string(step.Status),
		strings.TrimSpace(step.CorrelationID),
		inputsJSON,
		outputsJSON,
		executionsJSON,
		normalizeTime(step.CreatedAt),
		nullTime(step.StartedAt),
		nullTime(step.CompletedAt),
		duration,
		nullIfEmpty(step.Error),
		metadataJSON,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("step %s references job %s: %w", step.ID, step.JobID, repo.ErrJobNotFound)
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("step %s: %w", step.ID, repo.ErrAlreadyExists)
		}
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func (s *StepStore) GetStep(ctx context.Context, id string) (domain.Step, error) {
	step, _, err := s.getStep(ctx, id)
	return step, err
}

func (s *StepStore) getStep(ctx context.Context, id string) (domain.Step, int64, error) {
	if s == nil || s.db == nil {
		return domain.Step{}, 0, fmt.Errorf("step store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Step{}, 0, fmt.Errorf("step id is required")
	}
	return scanStep(s.db.QueryRowContext(ctx, selectStepQuery, id))
}

// UpdateStep is the idempotent core mutation. The patch is applied to a
// fresh read of the row and written back only if the row version is
// still the one the patch was computed against. Any concurrent write,
// including one landing on the same status with different appends,
// bumps the version and forces this writer around the loop again, so
// racing consumers merge instead of clobbering each other.
func (s *StepStore) UpdateStep(ctx context.Context, id string, patch repo.StepPatch) (domain.Step, bool, error) {
	if s == nil || s.db == nil {
		return domain.Step{}, false, fmt.Errorf("step store not initialized")
	}
	for attempt := 0; attempt < updateRetries; attempt++ {
		current, version, err := s.getStep(ctx, id)
		if err != nil {
			return domain.Step{}, false, err
		}
		next, changed, err := patch.Apply(current)
		if err != nil {
			return domain.Step{}, false, err
		}
		if !changed {
			return current, false, nil
		}
		inputsJSON, err := encodeRefs(next.Inputs)
		if err != nil {
			return domain.Step{}, false, fmt.Errorf("encode inputs: %w", err)
		}
		outputsJSON, err := encodeRefs(next.Outputs)
		if err != nil {
			return domain.Step{}, false, fmt.Errorf("encode outputs: %w", err)
		}
		executionsJSON, err := encodeExecutions(next.Executions)
		if err != nil {
			return domain.Step{}, false, fmt.Errorf("encode executions: %w", err)
		}
		metadataJSON, err := encodeMetadata(next.Metadata)
		if err != nil {
			return domain.Step{}, false, fmt.Errorf("encode metadata: %w", err)
		}
		var duration sql.NullInt64
		if next.DurationMS > 0 {
			duration = sql.NullInt64{Int64: next.DurationMS, Valid: true}
		}
		res, err := s.db.ExecContext(
			ctx,
			updateStepQuery,
			string(next.Status),
			inputsJSON,
			outputsJSON,
			executionsJSON,
			nullTime(next.StartedAt),
			nullTime(next.CompletedAt),
			duration,
			nullIfEmpty(next.Error),
			metadataJSON,
			id,
			version,
		)
		if err != nil {
			return domain.Step{}, false, fmt.Errorf("update step: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return domain.Step{}, false, fmt.Errorf("update step: %w", err)
		}
		if rows > 0 {
			return next, true, nil
		}
	}
	return domain.Step{}, false, fmt.Errorf("update step %s: too many concurrent writers", id)
}

func (s *StepStore) ListSteps(ctx context.Context, jobID string) ([]domain.Step, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	return s.listSteps(ctx, listStepsByJobQuery, jobID)
}

func (s *StepStore) ListStepsByOutput(ctx context.Context, location string) ([]domain.Step, error) {
	return s.listByLocation(ctx, listStepsByOutputQuery, location)
}

func (s *StepStore) ListStepsByInput(ctx context.Context, location string) ([]domain.Step, error) {
	return s.listByLocation(ctx, listStepsByInputQuery, location)
}

// listByLocation matches the exact location string inside the JSONB
// array via containment, served by the GIN indexes.
func (s *StepStore) listByLocation(ctx context.Context, query, location string) ([]domain.Step, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step store not initialized")
	}
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("location is required")
	}
	probe, err := json.Marshal([]map[string]string{{"location": location}})
	if err != nil {
		return nil, fmt.Errorf("encode location probe: %w", err)
	}
	return s.listSteps(ctx, query, probe)
}

func (s *StepStore) listSteps(ctx context.Context, query string, args ...any) ([]domain.Step, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	steps := make([]domain.Step, 0)
	for rows.Next() {
		step, _, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return steps, nil
}

type stepScanner interface {
	Scan(dest ...any) error
}

func scanStep(scanner stepScanner) (domain.Step, int64, error) {
	var step domain.Step
	var status string
	var inputsJSON, outputsJSON, executionsJSON, metadataJSON []byte
	var startedAt, completedAt sql.NullTime
	var duration sql.NullInt64
	var errText sql.NullString
	var version int64
	if err := scanner.Scan(
		&step.ID,
		&step.JobID,
		&step.Name,
		&step.HandlerType,
		&step.Action,
		&status,
		&step.CorrelationID,
		&inputsJSON,
		&outputsJSON,
		&executionsJSON,
		&step.CreatedAt,
		&startedAt,
		&completedAt,
		&duration,
		&errText,
		&metadataJSON,
		&version,
	); err != nil {
		return domain.Step{}, 0, handleNotFound(err)
	}
	step.Status = domain.StepStatus(status)
	step.CreatedAt = step.CreatedAt.UTC()
	step.StartedAt = timePtr(startedAt)
	step.CompletedAt = timePtr(completedAt)
	if duration.Valid {
		step.DurationMS = duration.Int64
	}
	step.Error = strings.TrimSpace(errText.String)

	inputs, err := decodeRefs(inputsJSON)
	if err != nil {
		return domain.Step{}, 0, fmt.Errorf("decode inputs: %w", err)
	}
	outputs, err := decodeRefs(outputsJSON)
	if err != nil {
		return domain.Step{}, 0, fmt.Errorf("decode outputs: %w", err)
	}
	executions, err := decodeExecutions(executionsJSON)
	if err != nil {
		return domain.Step{}, 0, fmt.Errorf("decode executions: %w", err)
	}
	metadata, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Step{}, 0, fmt.Errorf("decode metadata: %w", err)
	}
	step.Inputs = inputs
	step.Outputs = outputs
	step.Executions = executions
	step.Metadata = metadata
	return step, version, nil
}
