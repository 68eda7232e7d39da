package backend

import (
	"time"

	"github.com/ashureev/dialog-sync/internal/dialog"
)

// SubmitRequest is the body of POST /api/requirements.
type SubmitRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
}

// SubmitResult is the parsed requirement returned for a submission.
type SubmitResult struct {
	SessionID      string       `json:"session_id"`
	State          dialog.State `json:"state"`
	Summary        string       `json:"summary"`
	ProjectType    string       `json:"project_type"`
	Features       []string     `json:"features"`
	QuestionsCount int          `json:"questions_count"`
}

// DialogSummary is the counter block of a status response.
type DialogSummary struct {
	TotalTurns        int  `json:"total_turns"`
	TotalQuestions    int  `json:"total_questions"`
	AnsweredQuestions int  `json:"answered_questions"`
	TotalChanges      int  `json:"total_changes"`
	IsApproved        bool `json:"is_approved"`
	IsCancelled       bool `json:"is_cancelled"`
}

// StatusResponse is the body of GET /api/dialog/{sid}/status.
type StatusResponse struct {
	SessionID       string         `json:"session_id"`
	State           dialog.State   `json:"state"`
	DialogSummary   DialogSummary  `json:"dialog_summary"`
	UnansweredCount int            `json:"unanswered_count"`
	ChangesCount    int            `json:"changes_count"`
	Requirement     map[string]any `json:"requirement,omitempty"`
}

// Status converts the response into the Dialog's status form.
func (r StatusResponse) Status() dialog.Status {
	return dialog.Status{
		State:       r.State,
		Total:       r.DialogSummary.TotalQuestions,
		Answered:    r.DialogSummary.AnsweredQuestions,
		Requirement: r.Requirement,
	}
}

// QuestionResponse is the body of GET /api/dialog/{sid}/question.
type QuestionResponse struct {
	HasQuestion bool             `json:"has_question"`
	Question    *dialog.Question `json:"question,omitempty"`
	Message     string           `json:"message,omitempty"`
}

// AnswerRequest is the body of POST /api/dialog/{sid}/answer.
type AnswerRequest struct {
	QuestionID string `json:"question_id,omitempty"`
	Answer     any    `json:"answer"`
}

// AnswerResult reports the dialog position after an answer.
type AnswerResult struct {
	State        dialog.State     `json:"state"`
	NextQuestion *dialog.Question `json:"next_question,omitempty"`
	Message      string           `json:"message,omitempty"`
}

// ApproveResult is returned by a successful approval.
type ApproveResult struct {
	State       dialog.State          `json:"state"`
	Requirement map[string]any        `json:"requirement"`
	Changes     []dialog.ChangeRecord `json:"change_history"`
	TaskIDs     []string              `json:"task_ids,omitempty"`
}

// ModifyRequest is the body of POST /api/dialog/{sid}/modify.
type ModifyRequest struct {
	Field  string `json:"field"`
	Value  any    `json:"value"`
	Reason string `json:"reason"`
}

// ModifyResult is returned by a successful modification.
type ModifyResult struct {
	State       dialog.State   `json:"state"`
	Message     string         `json:"message"`
	Requirement map[string]any `json:"requirement"`
}

// CancelRequest is the body of POST /api/dialog/{sid}/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// CancelResult is returned by a successful cancellation.
type CancelResult struct {
	State  dialog.State `json:"state"`
	Reason string       `json:"reason"`
}

// Task is one unit of work created from an approved requirement.
type Task struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	TaskType    string     `json:"task_type"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// TaskStats aggregates every task known to the server.
type TaskStats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByPriority map[string]int `json:"by_priority"`
	ByType     map[string]int `json:"by_type"`
}

// Job is a code generation job.
type Job struct {
	JobID       string `json:"job_id"`
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	Message     string `json:"message"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	OutputPath  string `json:"output_path,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Deployment is the status of one deployment.
type Deployment struct {
	DeploymentID string `json:"deployment_id"`
	SessionID    string `json:"session_id"`
	Method       string `json:"method"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	StartedAt    string `json:"started_at"`
	CompletedAt  string `json:"completed_at,omitempty"`
	URL          string `json:"url,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Architecture is the design produced for an approved requirement.
type Architecture struct {
	SessionID          string              `json:"session_id"`
	Components         []map[string]any    `json:"components"`
	TechStack          map[string]string   `json:"tech_stack"`
	APIEndpoints       []map[string]string `json:"api_endpoints"`
	DirectoryStructure map[string]any      `json:"directory_structure"`
}

// RunningTask is a task currently in progress.
type RunningTask struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	TaskType  string    `json:"task_type"`
	Progress  int       `json:"progress"`
	StartedAt time.Time `json:"started_at"`
}

// TaskSummary aggregates the tasks of one session.
type TaskSummary struct {
	SessionID string         `json:"session_id"`
	Total     int            `json:"total"`
	Completed int            `json:"completed"`
	Progress  int            `json:"progress"`
	ByStatus  map[string]int `json:"by_status"`
}

// DeployConfig holds generated deployment files keyed by file name.
type DeployConfig struct {
	SessionID string            `json:"session_id"`
	Method    string            `json:"method"`
	Configs   map[string]string `json:"configs"`
}

// ChecklistItem is one artifact to verify before delivery.
type ChecklistItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Required bool   `json:"required"`
}

// Checklist is the delivery checklist of a session.
type Checklist struct {
	SessionID            string          `json:"session_id"`
	ProjectName          string          `json:"project_name"`
	Items                []ChecklistItem `json:"checklist"`
	CompletionPercentage int             `json:"completion_percentage"`
}

// DocsRequest asks for generated documentation. Empty Types means all of
// readme, changelog, api and deployment.
type DocsRequest struct {
	SessionID string   `json:"session_id"`
	Types     []string `json:"types,omitempty"`
}

// Docs holds generated documents keyed by file name.
type Docs struct {
	SessionID string            `json:"session_id"`
	Generated []string          `json:"generated"`
	Docs      map[string]string `json:"docs"`
}

// ReleaseRequest prepares a release. Version defaults to 1.0.0.
type ReleaseRequest struct {
	SessionID string `json:"session_id"`
	Version   string `json:"version,omitempty"`
	Changelog string `json:"changelog,omitempty"`
}

// Release is the result of preparing a release.
type Release struct {
	SessionID    string `json:"session_id"`
	ProjectID    string `json:"project_id"`
	Version      string `json:"version"`
	Status       string `json:"status"`
	ReleaseNotes string `json:"release_notes"`
	OutputPath   string `json:"output_path"`
}

// Project is a delivered project recorded by a release.
type Project struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Version     string            `json:"version"`
	OutputPath  string            `json:"output_path"`
	TechStack   map[string]string `json:"tech_stack"`
	CreatedAt   time.Time         `json:"created_at"`
}
