package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flowtrace-labs/flowtrace-go/internal/domain"
	"github.com/flowtrace-labs/flowtrace-go/internal/lineage"
	"github.com/flowtrace-labs/flowtrace-go/internal/registry"
	"github.com/flowtrace-labs/flowtrace-go/internal/repo/memory"
)

func newTestAPI() (*http.ServeMux, *registry.Service) {
	store := memory.NewStore()
	logger := slog.New(slog.DiscardHandler)
	svc := registry.New(store, store, logger)
	api := newRegistryAPI(logger, svc, lineage.NewReconciler(store, store))
	mux := http.NewServeMux()
	api.register(mux)
	return mux, svc
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCreateJobEndpoint(t *testing.T) {
	mux, _ := newTestAPI()
	rec := doJSON(t, mux, http.MethodPost, "/jobs", map[string]any{
		"pipeline":      "sales-ingest",
		"logic_version": "v3",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body jobBody
	decodeBody(t, rec, &body)
	if body.JobID == "" || body.Status != "pending" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.Environment != "dev" || body.Namespace != "default" {
		t.Fatalf("defaults not applied: %+v", body)
	}
}

func TestCreateJobValidation(t *testing.T) {
	mux, _ := newTestAPI()
	rec := doJSON(t, mux, http.MethodPost, "/jobs", map[string]any{"logic_version": "v1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pipeline_required") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestCreateJobDuplicateConflict(t *testing.T) {
	mux, _ := newTestAPI()
	payload := map[string]any{
		"job_id":        "job-1",
		"pipeline":      "p",
		"logic_version": "v1",
	}
	if rec := doJSON(t, mux, http.MethodPost, "/jobs", payload); rec.Code != http.StatusCreated {
		t.Fatalf("first create: %d", rec.Code)
	}
	if rec := doJSON(t, mux, http.MethodPost, "/jobs", payload); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	mux, _ := newTestAPI()
	rec := doJSON(t, mux, http.MethodGet, "/jobs/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStepLifecycleOverHTTP(t *testing.T) {
	mux, _ := newTestAPI()
	rec := doJSON(t, mux, http.MethodPost, "/jobs", map[string]any{
		"job_id":        "job-1",
		"pipeline":      "p",
		"logic_version": "v1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create job: %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/jobs/job-1/steps", map[string]any{
		"step_name":    "extract",
		"handler_type": "storage",
		"action":       "read_object",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create step: %d body=%s", rec.Code, rec.Body.String())
	}
	var step stepBody
	decodeBody(t, rec, &step)
	if step.CorrelationID == "" || step.Status != "pending" {
		t.Fatalf("unexpected step: %+v", step)
	}

	// Terminal patch with lineage.
	rec = doJSON(t, mux, http.MethodPatch, "/steps/"+step.StepID, map[string]any{
		"status": "success",
		"outputs": []map[string]any{
			{"ref_type": "table", "location": "staging.orders"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch step: %d body=%s", rec.Code, rec.Body.String())
	}

	// Conflicting late transition.
	rec = doJSON(t, mux, http.MethodPatch, "/steps/"+step.StepID, map[string]any{
		"status": "running",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rec.Code, rec.Body.String())
	}

	// Job reconciled to success.
	rec = doJSON(t, mux, http.MethodGet, "/jobs/job-1", nil)
	var job jobBody
	decodeBody(t, rec, &job)
	if job.Status != "success" {
		t.Fatalf("job not reconciled: %+v", job)
	}

	// Lineage endpoints see the recorded output.
	rec = doJSON(t, mux, http.MethodGet, "/jobs/job-1/lineage", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "staging.orders") {
		t.Fatalf("job lineage: %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, mux, http.MethodGet, "/lineage/artifacts?location=staging.orders", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("artifact lineage: %d", rec.Code)
	}
	var artifact struct {
		Producers []lineage.Trace `json:"producers"`
		Consumers []lineage.Trace `json:"consumers"`
	}
	decodeBody(t, rec, &artifact)
	if len(artifact.Producers) != 1 || artifact.Producers[0].StepID != step.StepID {
		t.Fatalf("unexpected producers: %+v", artifact.Producers)
	}
	if len(artifact.Consumers) != 0 {
		t.Fatalf("unexpected consumers: %+v", artifact.Consumers)
	}
}

func TestQueryJobsFilters(t *testing.T) {
	mux, svc := newTestAPI()
	for i := 0; i < 3; i++ {
		env := "dev"
		if i == 2 {
			env = "prod"
		}
		if _, err := svc.CreateJob(context.Background(), domain.Job{
			ID:           fmt.Sprintf("job-%d", i),
			Pipeline:     "p",
			Environment:  env,
			LogicVersion: "v1",
		}); err != nil {
			t.Fatalf("seed job: %v", err)
		}
	}
	rec := doJSON(t, mux, http.MethodGet, "/jobs?environment=prod", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query: %d", rec.Code)
	}
	var body struct {
		Jobs []jobBody `json:"jobs"`
	}
	decodeBody(t, rec, &body)
	if len(body.Jobs) != 1 || body.Jobs[0].JobID != "job-2" {
		t.Fatalf("unexpected jobs: %+v", body.Jobs)
	}
}

func TestDeleteJobCascades(t *testing.T) {
	mux, svc := newTestAPI()
	job, err := svc.CreateJob(context.Background(), domain.Job{Pipeline: "p", LogicVersion: "v1"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	step, err := svc.CreateStep(context.Background(), domain.Step{
		JobID: job.ID, Name: "s", HandlerType: "storage", Action: "read_object",
	})
	if err != nil {
		t.Fatalf("seed step: %v", err)
	}

	if rec := doJSON(t, mux, http.MethodDelete, "/jobs/"+job.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := doJSON(t, mux, http.MethodGet, "/steps/"+step.ID, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("step survived cascade: %d", rec.Code)
	}
	if rec := doJSON(t, mux, http.MethodDelete, "/jobs/"+job.ID, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", rec.Code)
	}
}

func TestDecodeJSONDisallowUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://example.test/", strings.NewReader(`{"pipeline":"p","bogus":1}`))
	var dst createJobRequest
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("expected error")
	}
}
