package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWrapAssignsRequestID(t *testing.T) {
	var seen string
	handler := Wrap(slog.New(slog.DiscardHandler), "registry-api", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	if seen == "" {
		t.Fatalf("request id missing from context")
	}
	if got := rec.Header().Get("X-Request-Id"); got != seen {
		t.Fatalf("response header %q != context id %q", got, seen)
	}
}

func TestWrapKeepsCallerRequestID(t *testing.T) {
	handler := Wrap(slog.New(slog.DiscardHandler), "registry-api", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("X-Request-Id", "caller-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-Id") != "caller-id" {
		t.Fatalf("caller request id replaced")
	}
}

func TestWrapRecoversPanics(t *testing.T) {
	handler := Wrap(slog.New(slog.DiscardHandler), "registry-api", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal_server_error") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestReadyzWithChecksReportsFailure(t *testing.T) {
	handler := ReadyzWithChecks("registry-api",
		ReadinessCheck{Name: "db", Check: func(context.Context) error { return nil }},
		ReadinessCheck{Name: "broker", Check: func(context.Context) error { return errors.New("down") }},
	)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"not_ready"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}
