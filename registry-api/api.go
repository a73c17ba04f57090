package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowtrace-labs/flowtrace-go/internal/domain"
	"github.com/flowtrace-labs/flowtrace-go/internal/lineage"
	"github.com/flowtrace-labs/flowtrace-go/internal/registry"
	"github.com/flowtrace-labs/flowtrace-go/internal/repo"
)

type registryAPI struct {
	logger   *slog.Logger
	registry *registry.Service
	lineage  *lineage.Reconciler
}

func newRegistryAPI(logger *slog.Logger, svc *registry.Service, rec *lineage.Reconciler) *registryAPI {
	return &registryAPI{
		logger:   logger,
		registry: svc,
		lineage:  rec,
	}
}

func (api *registryAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /jobs", api.handleCreateJob)
	mux.HandleFunc("GET /jobs", api.handleQueryJobs)
	mux.HandleFunc("GET /jobs/{job_id}", api.handleGetJob)
	mux.HandleFunc("PATCH /jobs/{job_id}", api.handlePatchJob)
	mux.HandleFunc("DELETE /jobs/{job_id}", api.handleDeleteJob)

	mux.HandleFunc("POST /jobs/{job_id}/steps", api.handleCreateStep)
	mux.HandleFunc("GET /jobs/{job_id}/steps", api.handleListSteps)
	mux.HandleFunc("GET /jobs/{job_id}/lineage", api.handleJobLineage)

	mux.HandleFunc("GET /steps/{step_id}", api.handleGetStep)
	mux.HandleFunc("PATCH /steps/{step_id}", api.handlePatchStep)

	mux.HandleFunc("GET /lineage/artifacts", api.handleArtifactLineage)
}

type jobBody struct {
	JobID        string         `json:"job_id"`
	Pipeline     string         `json:"pipeline"`
	Environment  string         `json:"environment"`
	Namespace    string         `json:"namespace"`
	Status       string         `json:"status"`
	LogicVersion string         `json:"logic_version"`
	Request      map[string]any `json:"request,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RunRef       string         `json:"run_ref,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type stepBody struct {
	StepID        string                   `json:"step_id"`
	JobID         string                   `json:"job_id"`
	StepName      string                   `json:"step_name"`
	HandlerType   string                   `json:"handler_type"`
	Action        string                   `json:"action"`
	Status        string                   `json:"status"`
	CorrelationID string                   `json:"correlation_id"`
	Inputs        []domain.DataReference   `json:"inputs"`
	Outputs       []domain.DataReference   `json:"outputs"`
	Executions    []domain.ExecutionRecord `json:"executions"`
	CreatedAt     time.Time                `json:"created_at"`
	StartedAt     *time.Time               `json:"started_at,omitempty"`
	CompletedAt   *time.Time               `json:"completed_at,omitempty"`
	DurationMS    int64                    `json:"duration_ms,omitempty"`
	Error         string                   `json:"error,omitempty"`
	Metadata      map[string]any           `json:"metadata,omitempty"`
}

func jobToBody(job domain.Job) jobBody {
	return jobBody{
		JobID:        job.ID,
		Pipeline:     job.Pipeline,
		Environment:  job.Environment,
		Namespace:    job.Namespace,
		Status:       string(job.Status),
		LogicVersion: job.LogicVersion,
		Request:      job.Request,
		Parameters:   job.Parameters,
		RunRef:       job.RunRef,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		Error:        job.Error,
		Metadata:     job.Metadata,
	}
}

func stepToBody(step domain.Step) stepBody {
	inputs := step.Inputs
	if inputs == nil {
		inputs = []domain.DataReference{}
	}
	outputs := step.Outputs
	if outputs == nil {
		outputs = []domain.DataReference{}
	}
	executions := step.Executions
	if executions == nil {
		executions = []domain.ExecutionRecord{}
	}
	return stepBody{
		StepID:        step.ID,
		JobID:         step.JobID,
		StepName:      step.Name,
		HandlerType:   step.HandlerType,
		Action:        step.Action,
		Status:        string(step.Status),
		CorrelationID: step.CorrelationID,
		Inputs:        inputs,
		Outputs:       outputs,
		Executions:    executions,
		CreatedAt:     step.CreatedAt,
		StartedAt:     step.StartedAt,
		CompletedAt:   step.CompletedAt,
		DurationMS:    step.DurationMS,
		Error:         step.Error,
		Metadata:      step.Metadata,
	}
}

type createJobRequest struct {
	JobID        string         `json:"job_id,omitempty"`
	Pipeline     string         `json:"pipeline"`
	Environment  string         `json:"environment,omitempty"`
	Namespace    string         `json:"namespace,omitempty"`
	LogicVersion string         `json:"logic_version"`
	Request      map[string]any `json:"request,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RunRef       string         `json:"run_ref,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (api *registryAPI) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Pipeline) == "" {
		api.writeError(w, r, http.StatusBadRequest, "pipeline_required")
		return
	}
	if strings.TrimSpace(req.LogicVersion) == "" {
		api.writeError(w, r, http.StatusBadRequest, "logic_version_required")
		return
	}
	job, err := api.registry.CreateJob(r.Context(), domain.Job{
		ID:           req.JobID,
		Pipeline:     req.Pipeline,
		Environment:  req.Environment,
		Namespace:    req.Namespace,
		LogicVersion: req.LogicVersion,
		Request:      req.Request,
		Parameters:   req.Parameters,
		RunRef:       req.RunRef,
		Metadata:     req.Metadata,
	})
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, jobToBody(job))
}

func (api *registryAPI) handleQueryJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.JobFilter{
		Pipeline:    strings.TrimSpace(q.Get("pipeline")),
		Environment: strings.TrimSpace(q.Get("environment")),
		Namespace:   strings.TrimSpace(q.Get("namespace")),
		Limit:       clampInt(parseIntQuery(r, "limit", 100), 1, 500),
		Offset:      parseIntQuery(r, "offset", 0),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := domain.ParseJobStatus(raw)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(q.Get("created_after")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_created_after")
			return
		}
		filter.CreatedAfter = t
	}
	if raw := strings.TrimSpace(q.Get("created_before")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_created_before")
			return
		}
		filter.CreatedBefore = t
	}

	jobs, err := api.registry.QueryJobs(r.Context(), filter)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	bodies := make([]jobBody, 0, len(jobs))
	for _, job := range jobs {
		bodies = append(bodies, jobToBody(job))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"jobs": bodies})
}

func (api *registryAPI) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := api.registry.GetJob(r.Context(), r.PathValue("job_id"))
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, jobToBody(job))
}

type patchJobRequest struct {
	Status   *string        `json:"status,omitempty"`
	Error    *string        `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (api *registryAPI) handlePatchJob(w http.ResponseWriter, r *http.Request) {
	var req patchJobRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	patch := repo.JobPatch{
		Error:    req.Error,
		Metadata: req.Metadata,
	}
	if req.Status != nil {
		status, err := domain.ParseJobStatus(*req.Status)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
		patch.Status = &status
	}
	job, _, err := api.registry.UpdateJob(r.Context(), r.PathValue("job_id"), patch)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, jobToBody(job))
}

func (api *registryAPI) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := api.registry.DeleteJob(r.Context(), r.PathValue("job_id")); err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createStepRequest struct {
	StepID        string         `json:"step_id,omitempty"`
	StepName      string         `json:"step_name"`
	HandlerType   string         `json:"handler_type"`
	Action        string         `json:"action"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (api *registryAPI) handleCreateStep(w http.ResponseWriter, r *http.Request) {
	var req createStepRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.StepName) == "" {
		api.writeError(w, r, http.StatusBadRequest, "step_name_required")
		return
	}
	if strings.TrimSpace(req.HandlerType) == "" {
		api.writeError(w, r, http.StatusBadRequest, "handler_type_required")
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		api.writeError(w, r, http.StatusBadRequest, "action_required")
		return
	}
	step, err := api.registry.CreateStep(r.Context(), domain.Step{
		ID:            req.StepID,
		JobID:         r.PathValue("job_id"),
		Name:          req.StepName,
		HandlerType:   req.HandlerType,
		Action:        req.Action,
		CorrelationID: req.CorrelationID,
		Metadata:      req.Metadata,
	})
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, stepToBody(step))
}

func (api *registryAPI) handleListSteps(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if _, err := api.registry.GetJob(r.Context(), jobID); err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	steps, err := api.registry.ListSteps(r.Context(), jobID)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	bodies := make([]stepBody, 0, len(steps))
	for _, step := range steps {
		bodies = append(bodies, stepToBody(step))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"steps": bodies})
}

func (api *registryAPI) handleGetStep(w http.ResponseWriter, r *http.Request) {
	step, err := api.registry.GetStep(r.Context(), r.PathValue("step_id"))
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, stepToBody(step))
}

type patchStepRequest struct {
	Status     *string                  `json:"status,omitempty"`
	Error      *string                  `json:"error,omitempty"`
	DurationMS *int64                   `json:"duration_ms,omitempty"`
	Inputs     []domain.DataReference   `json:"inputs,omitempty"`
	Outputs    []domain.DataReference   `json:"outputs,omitempty"`
	Executions []domain.ExecutionRecord `json:"executions,omitempty"`
	Metadata   map[string]any           `json:"metadata,omitempty"`
}

func (api *registryAPI) handlePatchStep(w http.ResponseWriter, r *http.Request) {
	var req patchStepRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	patch := repo.StepPatch{
		Error:      req.Error,
		DurationMS: req.DurationMS,
		Inputs:     req.Inputs,
		Outputs:    req.Outputs,
		Executions: req.Executions,
		Metadata:   req.Metadata,
	}
	if req.Status != nil {
		status, err := domain.ParseStepStatus(*req.Status)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
		patch.Status = &status
	}
	step, _, err := api.registry.UpdateStep(r.Context(), r.PathValue("step_id"), patch)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, stepToBody(step))
}

func (api *registryAPI) handleJobLineage(w http.ResponseWriter, r *http.Request) {
	graph, err := api.lineage.JobGraph(r.Context(), r.PathValue("job_id"))
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, graph)
}

func (api *registryAPI) handleArtifactLineage(w http.ResponseWriter, r *http.Request) {
	location := strings.TrimSpace(r.URL.Query().Get("location"))
	if location == "" {
		api.writeError(w, r, http.StatusBadRequest, "location_required")
		return
	}
	producers, err := api.lineage.Producers(r.Context(), location)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	consumers, err := api.lineage.Consumers(r.Context(), location)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"location":  location,
		"producers": producers,
		"consumers": consumers,
	})
}

func (api *registryAPI) writeRepoError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, repo.ErrJobNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, repo.ErrAlreadyExists):
		api.writeError(w, r, http.StatusConflict, "already_exists")
	case errors.Is(err, repo.ErrInvalidTransition):
		api.writeError(w, r, http.StatusConflict, "invalid_transition")
	case errors.Is(err, repo.ErrInvalidPatch):
		api.writeError(w, r, http.StatusBadRequest, "invalid_patch")
	default:
		api.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *registryAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *registryAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
