// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/dialog-sync/internal/domain"
)

// ErrNotFound is returned by updates that match no row.
var ErrNotFound = errors.New("not found")

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	SessionID string
	Status    string
	Limit     int
}

// Repository defines the interface for persisting sessions and tasks.
type Repository interface {
	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by id. Returns nil, nil when missing.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// TouchSession records activity and the latest dialog state.
	TouchSession(ctx context.Context, sessionID, state string, at time.Time) error

	// GetExpiredSessions retrieves sessions idle for longer than ttl.
	GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error)

	// DeleteSession removes a session and its tasks.
	DeleteSession(ctx context.Context, sessionID string) error

	// CreateTask inserts a new task.
	CreateTask(ctx context.Context, task *domain.Task) error

	// GetTask retrieves a task by id. Returns nil, nil when missing.
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)

	// ListTasks returns tasks matching filter, oldest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)

	// UpdateTask changes status and/or progress and returns the new row.
	UpdateTask(ctx context.Context, taskID string, status *string, progress *int) (*domain.Task, error)

	// TaskStats aggregates every task.
	TaskStats(ctx context.Context) (domain.TaskStats, error)

	// CreateProject records a released delivery.
	CreateProject(ctx context.Context, project *domain.Project) error

	// GetProject retrieves a delivered project. Returns nil, nil when missing.
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)

	// ListProjects returns every delivered project, newest first.
	ListProjects(ctx context.Context) ([]*domain.Project, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
