package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/dialog-sync/internal/dialog"
	"github.com/ashureev/dialog-sync/internal/events"
	"github.com/ashureev/dialog-sync/internal/pipeline"
)

type pipelineRequest struct {
	SessionID string `json:"session_id"`
	Method    string `json:"method"`
}

type broadcastRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// approvedSession reads a pipeline request and checks that its session
// exists and was approved.
func (h *Handler) approvedSession(w http.ResponseWriter, r *http.Request) (pipelineRequest, bool) {
	var req pipelineRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.SessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return req, false
	}
	f, ok := h.flows.Get(req.SessionID)
	if !ok {
		Error(w, http.StatusNotFound, "Session not found")
		return req, false
	}
	if f.State() != dialog.StateApproved {
		Error(w, http.StatusBadRequest, "Requirement must be approved first")
		return req, false
	}
	return req, true
}

// StartCodegen queues code generation for an approved session.
func (h *Handler) StartCodegen(w http.ResponseWriter, r *http.Request) {
	req, ok := h.approvedSession(w, r)
	if !ok {
		return
	}
	job := h.pipeline.StartCodegen(req.SessionID)
	JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job_id":  job.JobID,
		"status":  job.Status,
		"message": job.Message,
	})
}

// ListJobs lists code generation jobs filtered by session_id and status.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	JSON(w, http.StatusOK, map[string]any{
		"jobs": h.pipeline.Jobs(q.Get("session_id"), q.Get("status")),
	})
}

// GetJob returns one job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.pipeline.Job(chi.URLParam(r, "job_id"))
	if !ok {
		Error(w, http.StatusNotFound, "Job not found")
		return
	}
	JSON(w, http.StatusOK, job)
}

// CancelJob stops a running job.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.pipeline.CancelJob(chi.URLParam(r, "job_id"))
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		Error(w, http.StatusNotFound, "Job not found")
		return
	case errors.Is(err, pipeline.ErrFinished):
		Error(w, http.StatusBadRequest, "Job cannot be cancelled: status is "+job.Status)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
}

// Deploy starts a deployment of an approved session.
func (h *Handler) Deploy(w http.ResponseWriter, r *http.Request) {
	req, ok := h.approvedSession(w, r)
	if !ok {
		return
	}
	switch req.Method {
	case "":
		req.Method = "docker"
	case "docker", "local":
	default:
		Error(w, http.StatusBadRequest, "method must be docker or local")
		return
	}
	dep := h.pipeline.StartDeployment(req.SessionID, req.Method)
	JSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"deployment_id": dep.DeploymentID,
		"status":        dep.Status,
		"message":       dep.Message,
	})
}

// DeploymentStatus returns one deployment.
func (h *Handler) DeploymentStatus(w http.ResponseWriter, r *http.Request) {
	dep, ok := h.pipeline.Deployment(chi.URLParam(r, "deployment_id"))
	if !ok {
		Error(w, http.StatusNotFound, "Deployment not found")
		return
	}
	JSON(w, http.StatusOK, dep)
}

// ListDeployments lists deployments, optionally for one session.
func (h *Handler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"deployments": h.pipeline.Deployments(r.URL.Query().Get("session_id")),
	})
}

// SystemBroadcast sends a message to every realtime client.
func (h *Handler) SystemBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	switch req.Level {
	case "":
		req.Level = "info"
	case "info", "warning", "error":
	default:
		Error(w, http.StatusBadRequest, "level must be info, warning or error")
		return
	}
	h.notify.BroadcastAll(r.Context(), events.TypeSystem, events.SystemBroadcast{Level: req.Level, Message: req.Message})
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}
