package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/dialog-sync/internal/backend"
	"github.com/ashureev/dialog-sync/internal/domain"
	"github.com/ashureev/dialog-sync/internal/events"
	"github.com/ashureev/dialog-sync/internal/store"
)

const maxTaskLimit = 500

type taskPatch struct {
	Status   *string `json:"status"`
	Progress *int    `json:"progress"`
}

// createTasks stores one pending task per feature and announces each.
func (h *Handler) createTasks(ctx context.Context, sessionID string, features []string) ([]*domain.Task, error) {
	tasks := make([]*domain.Task, 0, len(features))
	for i, feature := range features {
		now := time.Now()
		priority := "P2"
		if i == 0 {
			priority = "P1"
		}
		task := &domain.Task{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			Title:       feature,
			Description: fmt.Sprintf("Implement %s", feature),
			TaskType:    "feature",
			Priority:    priority,
			Status:      domain.TaskPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := h.repo.CreateTask(ctx, task); err != nil {
			return tasks, fmt.Errorf("create task %q: %w", feature, err)
		}
		tasks = append(tasks, task)
		h.notify.Broadcast(ctx, sessionID, events.TypeTaskUpdate, events.TaskUpdate{
			TaskID: task.ID,
			Status: task.Status,
		})
	}
	return tasks, nil
}

// ListTasks lists tasks filtered by session_id, status and limit.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		SessionID: q.Get("session_id"),
		Status:    q.Get("status"),
	}
	if filter.Status != "" && !domain.ValidTaskStatus(filter.Status) {
		Error(w, http.StatusBadRequest, "invalid status")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxTaskLimit {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	tasks, err := h.repo.ListTasks(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list tasks", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// TaskStats aggregates every task.
func (h *Handler) TaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.TaskStats(r.Context())
	if err != nil {
		h.logger.Error("Failed to compute task stats", "error", err)
		Error(w, http.StatusInternalServerError, "failed to compute task stats")
		return
	}
	JSON(w, http.StatusOK, stats)
}

// RunningTasks lists tasks in progress across all sessions.
func (h *Handler) RunningTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.repo.ListTasks(r.Context(), store.TaskFilter{Status: domain.TaskInProgress})
	if err != nil {
		h.logger.Error("Failed to list running tasks", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list running tasks")
		return
	}
	running := make([]backend.RunningTask, 0, len(tasks))
	for _, t := range tasks {
		running = append(running, backend.RunningTask{
			ID:        t.ID,
			SessionID: t.SessionID,
			Title:     t.Title,
			TaskType:  t.TaskType,
			Progress:  t.Progress,
			StartedAt: t.UpdatedAt,
		})
	}
	JSON(w, http.StatusOK, map[string]any{"running_tasks": running, "count": len(running)})
}

// TaskSummary aggregates the tasks of one session.
func (h *Handler) TaskSummary(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flowFor(w, r)
	if !ok {
		return
	}
	tasks, err := h.repo.ListTasks(r.Context(), store.TaskFilter{SessionID: f.ID()})
	if err != nil {
		h.logger.Error("Failed to list tasks", "session_id", f.ID(), "error", err)
		Error(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	summary := backend.TaskSummary{SessionID: f.ID(), Total: len(tasks), ByStatus: map[string]int{}}
	progress := 0
	for _, t := range tasks {
		summary.ByStatus[t.Status]++
		if t.Status == domain.TaskCompleted {
			summary.Completed++
			progress += 100
			continue
		}
		progress += t.Progress
	}
	if len(tasks) > 0 {
		summary.Progress = progress / len(tasks)
	}
	JSON(w, http.StatusOK, summary)
}

// GetTask returns one task.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.repo.GetTask(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		h.logger.Error("Failed to load task", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	if task == nil {
		Error(w, http.StatusNotFound, "Task not found")
		return
	}
	JSON(w, http.StatusOK, task)
}

// UpdateTask changes the status and/or progress of a task.
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	var patch taskPatch
	if err := decode(w, r, &patch); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if patch.Status == nil && patch.Progress == nil {
		Error(w, http.StatusBadRequest, "status or progress is required")
		return
	}
	if patch.Status != nil && !domain.ValidTaskStatus(*patch.Status) {
		Error(w, http.StatusBadRequest, "invalid status")
		return
	}

	ctx := r.Context()
	task, err := h.repo.UpdateTask(ctx, chi.URLParam(r, "task_id"), patch.Status, patch.Progress)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to update task", "error", err)
		Error(w, http.StatusInternalServerError, "failed to update task")
		return
	}

	progress := task.Progress
	h.notify.Broadcast(ctx, task.SessionID, events.TypeTaskUpdate, events.TaskUpdate{
		TaskID:   task.ID,
		Status:   task.Status,
		Progress: &progress,
	})
	JSON(w, http.StatusOK, map[string]any{"success": true, "task": task})
}
