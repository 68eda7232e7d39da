package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/dialog-sync/internal/backend"
	"github.com/ashureev/dialog-sync/internal/dialog"
	"github.com/ashureev/dialog-sync/internal/domain"
	"github.com/ashureev/dialog-sync/internal/events"
	"github.com/ashureev/dialog-sync/internal/flow"
)

type submitResponse struct {
	Success bool `json:"success"`
	backend.SubmitResult
}

type answerResponse struct {
	Success bool `json:"success"`
	backend.AnswerResult
}

type approveResponse struct {
	Success bool `json:"success"`
	backend.ApproveResult
}

type modifyResponse struct {
	Success bool `json:"success"`
	backend.ModifyResult
}

type cancelResponse struct {
	Success bool `json:"success"`
	backend.CancelResult
}

type historyResponse struct {
	SessionID string                `json:"session_id"`
	History   []dialog.Turn         `json:"history"`
	Changes   []dialog.ChangeRecord `json:"changes"`
}

// SubmitRequirement parses a requirement and opens its dialog. A known
// session_id restarts that session's dialog; an unknown one is a 404.
func (h *Handler) SubmitRequirement(w http.ResponseWriter, r *http.Request) {
	var req backend.SubmitRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	existing := false
	id := req.SessionID
	if id != "" {
		if !sessionIDPattern.MatchString(id) {
			Error(w, http.StatusBadRequest, "invalid session id")
			return
		}
		sess, err := h.repo.GetSession(ctx, id)
		if err != nil {
			h.logger.Error("Failed to load session", "session_id", id, "error", err)
			Error(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		if sess == nil {
			Error(w, http.StatusNotFound, "Session not found")
			return
		}
		existing = true
	} else {
		id = uuid.NewString()
	}

	f, err := flow.Start(id, req.Text)
	if err != nil {
		flowError(w, err)
		return
	}

	if existing {
		h.touch(ctx, f)
	} else {
		now := time.Now()
		sess := &domain.Session{
			ID:          id,
			Requirement: strings.TrimSpace(req.Text),
			State:       string(f.State()),
			LastSeenAt:  now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := h.repo.CreateSession(ctx, sess); err != nil {
			h.logger.Error("Failed to create session", "session_id", id, "error", err)
			Error(w, http.StatusInternalServerError, "failed to create session")
			return
		}
	}
	h.flows.Put(f)

	res := f.Submitted()
	h.logger.Info("Requirement submitted", "session_id", id, "project_type", res.ProjectType, "questions", res.QuestionsCount)
	h.notify.Broadcast(ctx, id, events.TypeDialogUpdate, events.DialogUpdate{
		State: string(res.State),
		Data:  map[string]any{"questions_count": res.QuestionsCount},
	})
	JSON(w, http.StatusOK, submitResponse{Success: true, SubmitResult: res})
}

// GetRequirement returns the structured requirement of a session.
func (h *Handler) GetRequirement(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flowFor(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"session_id":  f.ID(),
		"state":       f.State(),
		"requirement": f.Requirement(),
	})
}

// DialogStatus returns the state and counters of a dialog.
func (h *Handler) DialogStatus(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flowFor(w, r)
	if !ok {
		return
	}
	h.touch(r.Context(), f)
	JSON(w, http.StatusOK, f.Status())
}

// CurrentQuestion returns the next pending question.
func (h *Handler) CurrentQuestion(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flowFor(w, r)
	if !ok {
		return
	}
	q := f.Current()
	if q == nil {
		JSON(w, http.StatusOK, backend.QuestionResponse{HasQuestion: false, Message: "No pending questions"})
		return
	}
	JSON(w, http.StatusOK, backend.QuestionResponse{HasQuestion: true, Question: q})
}

// Answer records the answer to the current question.
func (h *Handler) Answer(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flowFor(w, r)
	if !ok {
		return
	}
	var req backend.AnswerRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := f.Answer(req.QuestionID, req.Answer)
	if err != nil {
		flowError(w, err)
		return
	}
	data := map[string]any{"question_id": req.QuestionID}
	if res.NextQuestion != nil {
		data["next_question_id"] = res.NextQuestion.ID
	}
	h.dialogChanged(r.Context(), f, data)
	JSON(w, http.StatusOK, answerResponse{Success: true, AnswerResult: res})
}

// Approve finalizes the requirement and creates one task per feature.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flowFor(w, r)
	if !ok {
		return
	}
	res, err := f.Approve()
	if err != nil {
		flowError(w, err)
		return
	}

	ctx := r.Context()
	tasks, err := h.createTasks(ctx, f.ID(), f.Features())
	if err != nil {
		h.logger.Error("Failed to create tasks", "session_id", f.ID(), "error", err)
	}
	for _, task := range tasks {
		res.TaskIDs = append(res.TaskIDs, task.ID)
	}
	h.logger.Info("Requirement approved", "session_id", f.ID(), "tasks", len(tasks))
	h.dialogChanged(ctx, f, map[string]any{"task_ids": res.TaskIDs})
	JSON(w, http.StatusOK, approveResponse{Success: true, ApproveResult: res})
}

// Modify changes one requirement field.
func (h *Handler) Modify(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flowFor(w, r)
	if !ok {
		return
	}
	var req backend.ModifyRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := f.Modify(req.Field, req.Value, req.Reason)
	if err != nil {
		flowError(w, err)
		return
	}
	h.dialogChanged(r.Context(), f, map[string]any{"field": req.Field})
	JSON(w, http.StatusOK, modifyResponse{Success: true, ModifyResult: res})
}

// Cancel ends the dialog.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flowFor(w, r)
	if !ok {
		return
	}
	var req backend.CancelRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := f.Cancel(req.Reason)
	if err != nil {
		flowError(w, err)
		return
	}
	h.logger.Info("Dialog cancelled", "session_id", f.ID(), "reason", req.Reason)
	h.dialogChanged(r.Context(), f, map[string]any{"reason": req.Reason})
	JSON(w, http.StatusOK, cancelResponse{Success: true, CancelResult: res})
}

// History returns the recorded turns and change log.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flowFor(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, historyResponse{
		SessionID: f.ID(),
		History:   f.History(),
		Changes:   f.Changes(),
	})
}

// Architecture derives a component layout from the approved requirement.
func (h *Handler) Architecture(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flowFor(w, r)
	if !ok {
		return
	}
	if f.State() != dialog.StateApproved {
		Error(w, http.StatusBadRequest, "Requirement must be approved first")
		return
	}
	JSON(w, http.StatusOK, architectureFor(f.ID(), f.Requirement()))
}

func architectureFor(sessionID string, req map[string]any) backend.Architecture {
	projectType, _ := req["project_type"].(string)
	stack := map[string]string{}
	if ts, ok := req["tech_stack"].(map[string]any); ok {
		for k, v := range ts {
			stack[k] = fmt.Sprint(v)
		}
	}
	if db, ok := req["database_type"].(string); ok && db != "" {
		stack["database"] = db
	}

	components := []map[string]any{
		{"name": "router", "kind": "http", "responsibility": "request routing and middleware"},
		{"name": "service", "kind": "domain", "responsibility": "business rules"},
		{"name": "store", "kind": "persistence", "responsibility": stack["database"] + " access"},
	}
	if projectType == "web" {
		components = append(components, map[string]any{"name": "ui", "kind": "frontend", "responsibility": stack["frontend"] + " views"})
	}
	if projectType == "cli" {
		components = []map[string]any{
			{"name": "commands", "kind": "cli", "responsibility": "argument parsing and dispatch"},
			{"name": "config", "kind": "support", "responsibility": "config file and env loading"},
		}
	}

	var endpoints []map[string]string
	if projectType != "cli" {
		endpoints = append(endpoints, map[string]string{"method": "GET", "path": "/health"})
		for _, feature := range stringList(req["features"]) {
			slug := strings.ReplaceAll(strings.ToLower(feature), " ", "-")
			endpoints = append(endpoints, map[string]string{"method": "POST", "path": "/api/" + slug})
		}
	}

	return backend.Architecture{
		SessionID:    sessionID,
		Components:   components,
		TechStack:    stack,
		APIEndpoints: endpoints,
		DirectoryStructure: map[string]any{
			"cmd":      []string{"server"},
			"internal": []string{"api", "service", "store"},
		},
	}
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
