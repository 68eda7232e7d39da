package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/dialog-sync/internal/domain"
	"github.com/ashureev/dialog-sync/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers during writes.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		requirement TEXT NOT NULL,
		state TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen_at);

	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		task_type TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id, created_at);

	CREATE TABLE IF NOT EXISTS projects (
		project_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL,
		output_path TEXT NOT NULL,
		tech_stack TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (session_id, requirement, state, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, "create session", writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, session.Requirement, session.State,
			session.LastSeenAt.Unix(), session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, requirement, state, last_seen_at, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// TouchSession records activity and the latest dialog state.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID, state string, at time.Time) error {
	query := `UPDATE sessions SET state = ?, last_seen_at = ?, updated_at = ? WHERE session_id = ?`

	return shared.RetryOnConflict(ctx, "touch session", writeAttempts, writeBaseDelay, func() error {
		result, err := s.db.ExecContext(ctx, query, state, at.Unix(), time.Now().Unix(), sessionID)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil
	})
}

// GetExpiredSessions retrieves sessions idle for longer than ttl.
func (s *SQLiteStore) GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		SELECT session_id, requirement, state, last_seen_at, created_at, updated_at
		FROM sessions WHERE last_seen_at < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session and its tasks in one transaction.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	return shared.RetryOnConflict(ctx, "delete session", writeAttempts, writeBaseDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete session: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session tasks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return tx.Commit()
	})
}

// CreateTask inserts a new task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *domain.Task) error {
	query := `
	INSERT INTO tasks (task_id, session_id, title, description, task_type, priority,
	                   status, progress, created_at, updated_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var completedAt interface{}
	if task.CompletedAt != nil {
		completedAt = task.CompletedAt.Unix()
	}

	return shared.RetryOnConflict(ctx, "create task", writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			task.ID, task.SessionID, task.Title, task.Description, task.TaskType, task.Priority,
			task.Status, task.Progress, task.CreatedAt.Unix(), task.UpdatedAt.Unix(), completedAt,
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

const taskColumns = `task_id, session_id, title, description, task_type, priority,
	status, progress, created_at, updated_at, completed_at`

// GetTask retrieves a task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task row: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks matching filter, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*domain.Task, error) {
	var where []string
	var args []interface{}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, rowid`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close task rows", "error", closeErr)
		}
	}()

	tasks := []*domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTask changes status and/or progress. Progress is clamped to 0..100;
// reaching completed stamps completed_at.
func (s *SQLiteStore) UpdateTask(ctx context.Context, taskID string, status *string, progress *int) (*domain.Task, error) {
	now := time.Now().Unix()
	sets := []string{"updated_at = ?"}
	args := []interface{}{now}
	if status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *status)
		if *status == domain.TaskCompleted {
			sets = append(sets, "completed_at = ?", "progress = 100")
			args = append(args, now)
		}
	}
	if progress != nil && (status == nil || *status != domain.TaskCompleted) {
		sets = append(sets, "progress = ?")
		args = append(args, min(100, max(0, *progress)))
	}
	args = append(args, taskID)
	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE task_id = ?`

	err := shared.RetryOnConflict(ctx, "update task", writeAttempts, writeBaseDelay, func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, taskID)
}

// TaskStats aggregates every task by status, priority and type.
func (s *SQLiteStore) TaskStats(ctx context.Context) (domain.TaskStats, error) {
	stats := domain.TaskStats{
		ByStatus:   map[string]int{},
		ByPriority: map[string]int{},
		ByType:     map[string]int{},
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, priority, task_type FROM tasks`)
	if err != nil {
		return stats, fmt.Errorf("query task stats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close task stats rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var status, priority, taskType string
		if err := rows.Scan(&status, &priority, &taskType); err != nil {
			return stats, fmt.Errorf("scan task stats row: %w", err)
		}
		stats.Total++
		stats.ByStatus[status]++
		stats.ByPriority[priority]++
		stats.ByType[taskType]++
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate task stats: %w", err)
	}
	return stats, nil
}

// CreateProject records a released delivery.
func (s *SQLiteStore) CreateProject(ctx context.Context, project *domain.Project) error {
	stack, err := json.Marshal(project.TechStack)
	if err != nil {
		return fmt.Errorf("encode tech stack: %w", err)
	}
	query := `
	INSERT INTO projects (project_id, session_id, name, description, version, output_path, tech_stack, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, "create project", writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			project.ID, project.SessionID, project.Name, project.Description, project.Version,
			project.OutputPath, string(stack), project.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		return nil
	})
}

const projectColumns = `project_id, session_id, name, description, version, output_path, tech_stack, created_at`

// GetProject retrieves a delivered project by id.
func (s *SQLiteStore) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE project_id = ?`, projectID)
	project, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project row: %w", err)
	}
	return project, nil
}

// ListProjects returns every delivered project, newest first.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, project_id`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close project rows", "error", closeErr)
		}
	}()

	var projects []*domain.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return projects, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.Session, error) {
	var session domain.Session
	var lastSeen, createdAt, updatedAt int64
	if err := row.Scan(
		&session.ID, &session.Requirement, &session.State,
		&lastSeen, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	session.LastSeenAt = time.Unix(lastSeen, 0)
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

func scanTask(row scanner) (*domain.Task, error) {
	var task domain.Task
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(
		&task.ID, &task.SessionID, &task.Title, &task.Description, &task.TaskType, &task.Priority,
		&task.Status, &task.Progress, &createdAt, &updatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	task.CreatedAt = time.Unix(createdAt, 0)
	task.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		task.CompletedAt = &ts
	}
	return &task, nil
}

func scanProject(row scanner) (*domain.Project, error) {
	var project domain.Project
	var stack string
	var createdAt int64
	if err := row.Scan(
		&project.ID, &project.SessionID, &project.Name, &project.Description, &project.Version,
		&project.OutputPath, &stack, &createdAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stack), &project.TechStack); err != nil {
		return nil, fmt.Errorf("decode tech stack: %w", err)
	}
	project.CreatedAt = time.Unix(createdAt, 0)
	return &project, nil
}
