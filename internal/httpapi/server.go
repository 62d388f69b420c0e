// Package httpapi is the operator-facing REST surface of the run service.
//
// Routes:
//
//	POST /v1/targets                  → import a form by URL
//	GET  /v1/targets/{id}             → target with its fields
//	PUT  /v1/targets/{id}/fields      → edit field order and config
//	POST /v1/targets/{id}/jobs        → start a job (idempotent)
//	POST /v1/targets/{id}/preview     → generate sample records
//	GET  /v1/jobs/{id}                → job status and item counts
//	GET  /v1/jobs/{id}/items          → items, optionally by status
//	POST /v1/jobs/{id}/resume         → re-trigger a stalled job
//	GET  /v1/jobs/{id}/stream         → server-sent status events
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"filly/run-service/internal/forms"
	"filly/run-service/internal/generator"
	"filly/run-service/internal/model"
	"filly/run-service/internal/pipeline"
	"filly/run-service/internal/store"
)

const (
	maxBody               = 1 << 20
	defaultStreamInterval = 1500 * time.Millisecond
)

// Pipeline is what the handlers call into.
type Pipeline interface {
	Import(ctx context.Context, rawURL string) (pipeline.TargetView, bool, error)
	Target(ctx context.Context, id string) (pipeline.TargetView, error)
	UpdateFields(ctx context.Context, targetID string, updates []store.FieldUpdate) ([]model.FieldSpec, error)
	Preview(ctx context.Context, targetID string, updates []store.FieldUpdate, count int) ([]model.Record, error)
	Start(ctx context.Context, req pipeline.StartRequest) (model.Job, bool, error)
	Status(ctx context.Context, jobID string) (pipeline.JobView, error)
	Items(ctx context.Context, jobID, status string, limit int) ([]model.JobItem, error)
	Resume(ctx context.Context, jobID string) (model.Job, error)
}

// Subscriber streams pushed status events for a Job.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string) <-chan model.StatusEvent
}

// Server holds the handler dependencies. Events is optional; without it
// streams rely on polling alone.
type Server struct {
	Pipeline       Pipeline
	Events         Subscriber
	Version        string
	StreamInterval time.Duration
}

// Router mounts every route.
func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/targets", s.handleImport)
		r.Get("/targets/{id}", s.handleGetTarget)
		r.Put("/targets/{id}/fields", s.handleUpdateFields)
		r.Post("/targets/{id}/jobs", s.handleStartJob)
		r.Post("/targets/{id}/preview", s.handlePreview)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/items", s.handleListItems)
		r.Post("/jobs/{id}/resume", s.handleResume)
		r.Get("/jobs/{id}/stream", s.handleStream)
	})
	return r
}

// ─── Request types ────────────────────────────────────────────────────────────

type importRequest struct {
	URL string `json:"url"`
}

type fieldsRequest struct {
	Fields []store.FieldUpdate `json:"fields"`
}

type startRequest struct {
	Count     int                 `json:"count"`
	RateLimit int                 `json:"rateLimit"`
	Fields    []store.FieldUpdate `json:"fields,omitempty"`
}

type previewRequest struct {
	Count  int                 `json:"count"`
	Fields []store.FieldUpdate `json:"fields,omitempty"`
}

// ─── Targets ──────────────────────────────────────────────────────────────────

func (s Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		jsonError(w, "url is required", http.StatusBadRequest)
		return
	}

	view, created, err := s.Pipeline.Import(r.Context(), req.URL)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, view)
}

func (s Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	view, err := s.Pipeline.Target(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	jsonOK(w, view)
}

func (s Server) handleUpdateFields(w http.ResponseWriter, r *http.Request) {
	var req fieldsRequest
	if !decode(w, r, &req) {
		return
	}
	fields, err := s.Pipeline.UpdateFields(r.Context(), chi.URLParam(r, "id"), req.Fields)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	jsonOK(w, map[string]any{"fields": fields})
}

func (s Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decode(w, r, &req) {
		return
	}
	job, created, err := s.Pipeline.Start(r.Context(), pipeline.StartRequest{
		TargetID:  chi.URLParam(r, "id"),
		Count:     req.Count,
		RateLimit: req.RateLimit,
		Fields:    req.Fields,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, map[string]any{"job": job, "created": created})
}

// handlePreview waits on the generator, which can outlast the server's
// write timeout, so the deadline is lifted for this response.
func (s Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !decode(w, r, &req) {
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	records, err := s.Pipeline.Preview(r.Context(), chi.URLParam(r, "id"), req.Fields, req.Count)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	jsonOK(w, map[string]any{"records": records})
}

// ─── Jobs ─────────────────────────────────────────────────────────────────────

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.Pipeline.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	jsonOK(w, view)
}

func (s Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			jsonError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	items, err := s.Pipeline.Items(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	jsonOK(w, map[string]any{"items": items})
}

func (s Server) handleResume(w http.ResponseWriter, r *http.Request) {
	job, err := s.Pipeline.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	jsonOK(w, job)
}

// handleStream sends the Job's state as server-sent events whenever it
// changes and closes once the Job is terminal. Pushed events only trigger
// a re-read; the stored Job is what gets sent.
func (s Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	view, err := s.Pipeline.Status(ctx, id)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(v pipeline.JobView) bool {
		b, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", b); err != nil {
			return false
		}
		return rc.Flush() == nil
	}
	if !send(view) || view.Job.Status.IsTerminal() {
		return
	}

	var events <-chan model.StatusEvent
	if s.Events != nil {
		events = s.Events.Subscribe(ctx, id)
	}
	interval := s.StreamInterval
	if interval <= 0 {
		interval = defaultStreamInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := model.EventFor(view.Job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
		}

		view, err = s.Pipeline.Status(ctx, id)
		if err != nil {
			return
		}
		if ev := model.EventFor(view.Job); ev != last {
			last = ev
			if !send(view) {
				return
			}
		}
		if view.Job.Status.IsTerminal() {
			return
		}
	}
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (s Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, map[string]string{
		"status":  "ok",
		"service": "run-service",
		"version": s.Version,
	})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		ve *pipeline.ValidationError
		te *forms.TransportError
		ge *generator.GenerationError
	)
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, forms.ErrInvalidURL),
		errors.Is(err, forms.ErrMissingPayload),
		errors.Is(err, forms.ErrNoFields):
		return http.StatusUnprocessableEntity
	case errors.As(err, &te), errors.As(err, &ge):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "err", err)
		jsonError(w, "internal server error", code)
		return
	}
	jsonError(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonOK(w http.ResponseWriter, v any) { writeJSON(w, http.StatusOK, v) }

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
