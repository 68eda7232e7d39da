// Package api provides the HTTP handlers of the reference dialog server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/dialog-sync/internal/dialog"
	"github.com/ashureev/dialog-sync/internal/events"
	"github.com/ashureev/dialog-sync/internal/flow"
	"github.com/ashureev/dialog-sync/internal/pipeline"
	"github.com/ashureev/dialog-sync/internal/store"
)

const maxBodyBytes = 1 << 20

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Broadcaster pushes notifications to realtime clients.
type Broadcaster interface {
	Broadcast(ctx context.Context, sessionID string, t events.EventType, payload any)
	BroadcastAll(ctx context.Context, t events.EventType, payload any)
}

// Handler provides the server's routes over its collaborators.
type Handler struct {
	repo      store.Repository
	flows     *flow.Registry
	notify    Broadcaster
	pipeline  *pipeline.Tracker
	artifacts *artifacts
	logger    *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, flows *flow.Registry, notify Broadcaster, tracker *pipeline.Tracker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:      repo,
		flows:     flows,
		notify:    notify,
		pipeline:  tracker,
		artifacts: newArtifacts(),
		logger:    logger,
	}
}

// RegisterRoutes registers every /api route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/requirements", h.SubmitRequirement)
		r.Get("/requirements/{session_id}", h.GetRequirement)

		r.Route("/dialog/{session_id}", func(r chi.Router) {
			r.Get("/status", h.DialogStatus)
			r.Get("/question", h.CurrentQuestion)
			r.Post("/answer", h.Answer)
			r.Post("/approve", h.Approve)
			r.Post("/modify", h.Modify)
			r.Post("/cancel", h.Cancel)
			r.Get("/history", h.History)
		})

		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/stats", h.TaskStats)
		r.Get("/tasks/running", h.RunningTasks)
		r.Get("/tasks/session/{session_id}/summary", h.TaskSummary)
		r.Get("/tasks/{task_id}", h.GetTask)
		r.Patch("/tasks/{task_id}", h.UpdateTask)

		r.Post("/codegen/generate", h.StartCodegen)
		r.Get("/codegen/jobs", h.ListJobs)
		r.Get("/codegen/jobs/{job_id}", h.GetJob)
		r.Post("/codegen/jobs/{job_id}/cancel", h.CancelJob)

		r.Post("/deployment/generate", h.GenerateDeployConfig)
		r.Post("/deployment/deploy", h.Deploy)
		r.Get("/deployment/status/{deployment_id}", h.DeploymentStatus)
		r.Get("/deployment/list", h.ListDeployments)

		r.Get("/architecture/{session_id}", h.Architecture)

		r.Route("/delivery", func(r chi.Router) {
			r.Get("/checklist", h.Checklist)
			r.Post("/docs", h.GenerateDocs)
			r.Post("/release", h.Release)
			r.Get("/projects", h.ListProjects)
			r.Get("/projects/{project_id}", h.GetProject)
		})

		r.Post("/system/broadcast", h.SystemBroadcast)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// flowFor resolves the session in the URL to its live flow, writing the
// error response itself when it cannot.
func (h *Handler) flowFor(w http.ResponseWriter, r *http.Request) (*flow.Flow, bool) {
	id := chi.URLParam(r, "session_id")
	if !sessionIDPattern.MatchString(id) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return nil, false
	}
	f, ok := h.flows.Get(id)
	if !ok {
		Error(w, http.StatusNotFound, "Session not found")
		return nil, false
	}
	return f, true
}

// flowError maps flow and dialog errors to responses.
func flowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, flow.ErrEmptyRequirement),
		errors.Is(err, flow.ErrNoQuestion),
		errors.Is(err, flow.ErrQuestionMismatch),
		errors.Is(err, flow.ErrUnanswered),
		errors.Is(err, flow.ErrTerminal),
		errors.Is(err, flow.ErrNotCancellable),
		errors.Is(err, dialog.ErrInvalidAnswer),
		errors.Is(err, dialog.ErrEmptyField):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// touch records activity on the session row; failures are logged only.
func (h *Handler) touch(ctx context.Context, f *flow.Flow) {
	if err := h.repo.TouchSession(ctx, f.ID(), string(f.State()), time.Now()); err != nil {
		h.logger.Warn("Failed to touch session", "session_id", f.ID(), "error", err)
	}
}

// dialogChanged persists activity and pushes a dialog_update.
func (h *Handler) dialogChanged(ctx context.Context, f *flow.Flow, data map[string]any) {
	h.touch(ctx, f)
	if data == nil {
		data = map[string]any{}
	}
	h.notify.Broadcast(ctx, f.ID(), events.TypeDialogUpdate, events.DialogUpdate{
		State: string(f.State()),
		Data:  data,
	})
}
