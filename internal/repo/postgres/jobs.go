package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/flowtrace-labs/flowtrace-go/internal/domain"
	"github.com/flowtrace-labs/flowtrace-go/internal/repo"
)

type JobStore struct {
	db DB
}

const selectJobColumns = `job_id, pipeline, environment, namespace, status, logic_version,
	request, parameters, run_ref, created_at, started_at, completed_at, error, metadata, version`

const updateJobQuery = `UPDATE jobs
	 SET status = $1, started_at = $2, completed_at = $3, error = $4, metadata = $5,
	     version = version + 1
	 WHERE job_id = $6 AND version = $7`

func NewJobStore(db DB) *JobStore {
	if db == nil {
		return nil
	}
	return &JobStore{db: db}
}

func (s *JobStore) CreateJob(ctx context.Context, job domain.Job) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	if err := job.Validate(); err != nil {
		return err
	}
	requestJSON, err := encodeMetadata(job.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	parametersJSON, err := encodeMetadata(job.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	metadataJSON, err := encodeMetadata(job.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
			job_id,
			pipeline,
			environment,
			namespace,
			status,
			logic_version,
			request,
			parameters,
			run_ref,
			created_at,
			started_at,
			completed_at,
			error,
			metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		strings.TrimSpace(job.ID),
		strings.TrimSpace(job.Pipeline),
		strings.TrimSpace(job.Environment),
		strings.TrimSpace(job.Namespace),
		string(job.Status),
		strings.TrimSpace(job.LogicVersion),
		requestJSON,
		parametersJSON,
		nullIfEmpty(job.RunRef),
		normalizeTime(job.CreatedAt),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		nullIfEmpty(job.Error),
		metadataJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %s: %w", job.ID, repo.ErrAlreadyExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	job, _, err := s.getJob(ctx, id)
	return job, err
}

func (s *JobStore) getJob(ctx context.Context, id string) (domain.Job, int64, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Job{}, 0, fmt.Errorf("job id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectJobColumns+` FROM jobs WHERE job_id = $1`,
		id,
	)
	return scanJob(row)
}

// UpdateJob applies the patch with an optimistic write guarded by the
// row version the patch was computed against. Any concurrent writer,
// same status or not, shows up as zero affected rows; the
// read-apply-write cycle is retried because transitions are monotonic
// and appends are deduped, so retries converge.
func (s *JobStore) UpdateJob(ctx context.Context, id string, patch repo.JobPatch) (domain.Job, bool, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, false, fmt.Errorf("job store not initialized")
	}
	for attempt := 0; attempt < updateRetries; attempt++ {
		current, version, err := s.getJob(ctx, id)
		if err != nil {
			return domain.Job{}, false, err
		}
		next, changed, err := patch.Apply(current)
		if err != nil {
			return domain.Job{}, false, err
		}
		if !changed {
			return current, false, nil
		}
		metadataJSON, err := encodeMetadata(next.Metadata)
		if err != nil {
			return domain.Job{}, false, fmt.Errorf("encode metadata: %w", err)
		}
		res, err := s.db.ExecContext(
			ctx,
			updateJobQuery,
			string(next.Status),
			nullTime(next.StartedAt),
			nullTime(next.CompletedAt),
			nullIfEmpty(next.Error),
			metadataJSON,
			id,
			version,
		)
		if err != nil {
			return domain.Job{}, false, fmt.Errorf("update job: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return domain.Job{}, false, fmt.Errorf("update job: %w", err)
		}
		if rows > 0 {
			return next, true, nil
		}
	}
	return domain.Job{}, false, fmt.Errorf("update job %s: too many concurrent writers", id)
}

func (s *JobStore) QueryJobs(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	clauses := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if strings.TrimSpace(filter.Pipeline) != "" {
		args = append(args, strings.TrimSpace(filter.Pipeline))
		clauses = append(clauses, fmt.Sprintf("pipeline = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Environment) != "" {
		args = append(args, strings.TrimSpace(filter.Environment))
		clauses = append(clauses, fmt.Sprintf("environment = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Namespace) != "" {
		args = append(args, strings.TrimSpace(filter.Namespace))
		clauses = append(clauses, fmt.Sprintf("namespace = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.CreatedAfter.IsZero() {
		args = append(args, filter.CreatedAfter.UTC())
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.CreatedBefore.IsZero() {
		args = append(args, filter.CreatedBefore.UTC())
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	query := `SELECT ` + selectJobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, _, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) DeleteJob(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner jobScanner) (domain.Job, int64, error) {
	var job domain.Job
	var status string
	var requestJSON, parametersJSON, metadataJSON []byte
	var runRef sql.NullString
	var errText sql.NullString
	var startedAt, completedAt sql.NullTime
	var version int64
	if err := scanner.Scan(
		&job.ID,
		&job.Pipeline,
		&job.Environment,
		&job.Namespace,
		&status,
		&job.LogicVersion,
		&requestJSON,
		&parametersJSON,
		&runRef,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&errText,
		&metadataJSON,
		&version,
	); err != nil {
		return domain.Job{}, 0, handleNotFound(err)
	}
	job.Status = domain.JobStatus(status)
	job.RunRef = strings.TrimSpace(runRef.String)
	job.Error = strings.TrimSpace(errText.String)
	job.CreatedAt = job.CreatedAt.UTC()
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)

	request, err := decodeMetadata(requestJSON)
	if err != nil {
		return domain.Job{}, 0, fmt.Errorf("decode request: %w", err)
	}
	parameters, err := decodeMetadata(parametersJSON)
	if err != nil {
		return domain.Job{}, 0, fmt.Errorf("decode parameters: %w", err)
	}
	metadata, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Job{}, 0, fmt.Errorf("decode metadata: %w", err)
	}
	job.Request = request
	job.Parameters = parameters
	job.Metadata = metadata
	return job, version, nil
}
