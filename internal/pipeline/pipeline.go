// Package pipeline tracks the code generation jobs and deployments the
// reference server runs after approval. Runs are simulated in stages; each
// stage is broadcast to the session so clients see progress pushes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/dialog-sync/internal/backend"
	"github.com/ashureev/dialog-sync/internal/events"
)

// Job and deployment statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusBuilding  = "building"
)

var (
	ErrNotFound = errors.New("not found")
	ErrFinished = errors.New("already finished")
)

// Notifier delivers a notification to the clients of a session.
type Notifier interface {
	Broadcast(ctx context.Context, sessionID string, t events.EventType, payload any)
}

type stage struct {
	progress int
	message  string
}

var codegenStages = []stage{
	{10, "Starting code generation"},
	{40, "Generating project layout"},
	{70, "Writing handlers and tests"},
	{100, "Code generation completed"},
}

// Tracker owns every job and deployment. It is safe for concurrent use.
type Tracker struct {
	notifier Notifier
	logger   *slog.Logger
	step     time.Duration
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	jobs        []*backend.Job
	deployments []*backend.Deployment
}

// New returns a Tracker whose simulated stages advance every step.
func New(notifier Notifier, step time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		notifier: notifier,
		logger:   logger,
		step:     step,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close stops running simulations and waits for them.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}

func (t *Tracker) timestamp() string {
	return t.now().UTC().Format(time.RFC3339)
}

func shortID() string {
	return uuid.NewString()[:8]
}

// StartCodegen queues a generation job for sessionID and runs it in the
// background.
func (t *Tracker) StartCodegen(sessionID string) backend.Job {
	job := &backend.Job{
		JobID:     shortID(),
		SessionID: sessionID,
		Status:    StatusPending,
		Message:   "Job queued",
		StartedAt: t.timestamp(),
	}
	t.mu.Lock()
	t.jobs = append(t.jobs, job)
	snapshot := *job
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.runCodegen(job)
	}()
	t.logger.Info("Code generation started", "session_id", sessionID, "job_id", job.JobID)
	return snapshot
}

func (t *Tracker) runCodegen(job *backend.Job) {
	for _, s := range codegenStages {
		if !t.wait() {
			return
		}
		t.mu.Lock()
		if job.Status == StatusCancelled {
			t.mu.Unlock()
			return
		}
		job.Progress = s.progress
		job.Message = s.message
		job.Status = StatusRunning
		if s.progress == 100 {
			job.Status = StatusCompleted
			job.CompletedAt = t.timestamp()
			job.OutputPath = "output/" + job.SessionID
		}
		t.mu.Unlock()

		t.notifier.Broadcast(t.ctx, job.SessionID, events.TypeCodegenProgress, events.CodegenProgress{
			Progress: s.progress,
			Message:  s.message,
		})
	}
}

// wait sleeps one step; false means the tracker is closing.
func (t *Tracker) wait() bool {
	timer := time.NewTimer(t.step)
	defer timer.Stop()
	select {
	case <-t.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Job returns a job by id.
func (t *Tracker) Job(id string) (backend.Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, job := range t.jobs {
		if job.JobID == id {
			return *job, true
		}
	}
	return backend.Job{}, false
}

// Jobs lists jobs in creation order, optionally filtered by session and
// status.
func (t *Tracker) Jobs(sessionID, status string) []backend.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := []backend.Job{}
	for _, job := range t.jobs {
		if sessionID != "" && job.SessionID != sessionID {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, *job)
	}
	return out
}

// CancelJob stops a job that has not finished.
func (t *Tracker) CancelJob(id string) (backend.Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, job := range t.jobs {
		if job.JobID != id {
			continue
		}
		if slices.Contains([]string{StatusCompleted, StatusFailed, StatusCancelled}, job.Status) {
			return *job, fmt.Errorf("job %s is %s: %w", id, job.Status, ErrFinished)
		}
		job.Status = StatusCancelled
		job.Message = "Job cancelled by user"
		job.CompletedAt = t.timestamp()
		return *job, nil
	}
	return backend.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
}

// StartDeployment queues a deployment of sessionID using method ("docker"
// or "local") and runs it in the background.
func (t *Tracker) StartDeployment(sessionID, method string) backend.Deployment {
	dep := &backend.Deployment{
		DeploymentID: shortID(),
		SessionID:    sessionID,
		Method:       method,
		Status:       StatusPending,
		Message:      "Deployment queued",
		StartedAt:    t.timestamp(),
	}
	t.mu.Lock()
	t.deployments = append(t.deployments, dep)
	snapshot := *dep
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.runDeployment(dep)
	}()
	t.logger.Info("Deployment started", "session_id", sessionID, "deployment_id", dep.DeploymentID, "method", method)
	return snapshot
}

func (t *Tracker) runDeployment(dep *backend.Deployment) {
	stages := []struct {
		status  string
		message string
	}{
		{StatusBuilding, "Building " + dep.Method + " artifact"},
		{StatusRunning, "Deployment is running"},
	}
	for _, s := range stages {
		if !t.wait() {
			return
		}
		t.mu.Lock()
		dep.Status = s.status
		dep.Message = s.message
		if s.status == StatusRunning {
			dep.CompletedAt = t.timestamp()
			dep.URL = "http://localhost:8080"
		}
		id, sessionID := dep.DeploymentID, dep.SessionID
		t.mu.Unlock()

		t.notifier.Broadcast(t.ctx, sessionID, events.TypeDeploymentStatus, events.DeploymentStatus{
			DeploymentID: id,
			Status:       s.status,
			Message:      s.message,
		})
	}
}

// Deployment returns a deployment by id.
func (t *Tracker) Deployment(id string) (backend.Deployment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, dep := range t.deployments {
		if dep.DeploymentID == id {
			return *dep, true
		}
	}
	return backend.Deployment{}, false
}

// Deployments lists deployments, optionally for one session.
func (t *Tracker) Deployments(sessionID string) []backend.Deployment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := []backend.Deployment{}
	for _, dep := range t.deployments {
		if sessionID == "" || dep.SessionID == sessionID {
			out = append(out, *dep)
		}
	}
	return out
}
