// Package backend is the client for the request/response interface of the
// dialog server: requirement submission, dialog pulls and actions, and the
// read-only task, codegen, deployment and architecture endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/dialog-sync/internal/dialog"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 4 << 20
)

// Options configures a Client.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Client talks JSON over HTTP to the dialog server. Calls are never retried.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// New validates the base URL and returns a Client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("server base url is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.New("server base url must use http or https")
	}
	if base.Host == "" {
		return nil, errors.New("server base url host is required")
	}
	base.RawQuery = ""
	base.Fragment = ""

	c := &Client{
		base:    base,
		http:    opts.HTTPClient,
		timeout: opts.RequestTimeout,
		logger:  opts.Logger,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.timeout <= 0 {
		c.timeout = defaultRequestTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Submit posts a requirement. An empty sessionID asks the server to create a
// session.
func (c *Client) Submit(ctx context.Context, text, sessionID string) (SubmitResult, error) {
	var out SubmitResult
	err := c.do(ctx, http.MethodPost, c.path("api", "requirements"), nil,
		SubmitRequest{Text: text, SessionID: sessionID}, &out)
	if err != nil {
		return SubmitResult{}, err
	}
	if out.SessionID == "" {
		return SubmitResult{}, &APIError{Op: "submit requirement", Status: http.StatusOK, Message: "response has no session id"}
	}
	return out, nil
}

// Status pulls the dialog's state and counters.
func (c *Client) Status(ctx context.Context, sessionID string) (dialog.Status, error) {
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, c.dialogPath(sessionID, "status"), nil, nil, &out); err != nil {
		return dialog.Status{}, err
	}
	return out.Status(), nil
}

// Question pulls the pending question, or nil when there is none.
func (c *Client) Question(ctx context.Context, sessionID string) (*dialog.Question, error) {
	var out QuestionResponse
	if err := c.do(ctx, http.MethodGet, c.dialogPath(sessionID, "question"), nil, nil, &out); err != nil {
		return nil, err
	}
	if !out.HasQuestion {
		return nil, nil
	}
	return out.Question, nil
}

// Answer submits the answer to the pending question.
func (c *Client) Answer(ctx context.Context, sessionID, questionID string, value any) (AnswerResult, error) {
	var out AnswerResult
	err := c.do(ctx, http.MethodPost, c.dialogPath(sessionID, "answer"), nil,
		AnswerRequest{QuestionID: questionID, Answer: value}, &out)
	return out, err
}

// Approve approves the requirement.
func (c *Client) Approve(ctx context.Context, sessionID string) (ApproveResult, error) {
	var out ApproveResult
	err := c.do(ctx, http.MethodPost, c.dialogPath(sessionID, "approve"), nil, struct{}{}, &out)
	return out, err
}

// Modify changes one requirement field.
func (c *Client) Modify(ctx context.Context, sessionID, field string, value any, reason string) (ModifyResult, error) {
	var out ModifyResult
	err := c.do(ctx, http.MethodPost, c.dialogPath(sessionID, "modify"), nil,
		ModifyRequest{Field: field, Value: value, Reason: reason}, &out)
	return out, err
}

// Cancel abandons the dialog.
func (c *Client) Cancel(ctx context.Context, sessionID, reason string) (CancelResult, error) {
	var out CancelResult
	err := c.do(ctx, http.MethodPost, c.dialogPath(sessionID, "cancel"), nil,
		CancelRequest{Reason: reason}, &out)
	return out, err
}

// History returns the recorded turns.
func (c *Client) History(ctx context.Context, sessionID string) ([]dialog.Turn, error) {
	var out struct {
		History []dialog.Turn `json:"history"`
	}
	if err := c.do(ctx, http.MethodGet, c.dialogPath(sessionID, "history"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// Tasks lists the tasks of a session; an empty sessionID lists all.
func (c *Client) Tasks(ctx context.Context, sessionID string) ([]Task, error) {
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, c.path("api", "tasks"), sessionQuery(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// TaskStats returns task counts by status, priority and type.
func (c *Client) TaskStats(ctx context.Context) (TaskStats, error) {
	var out TaskStats
	err := c.do(ctx, http.MethodGet, c.path("api", "tasks", "stats"), nil, nil, &out)
	return out, err
}

// CodegenJobs lists code generation jobs for a session.
func (c *Client) CodegenJobs(ctx context.Context, sessionID string) ([]Job, error) {
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, c.path("api", "codegen", "jobs"), sessionQuery(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Deployment returns the status of one deployment.
func (c *Client) Deployment(ctx context.Context, deploymentID string) (Deployment, error) {
	var out Deployment
	err := c.do(ctx, http.MethodGet, c.path("api", "deployment", "status", deploymentID), nil, nil, &out)
	return out, err
}

// Architecture returns the architecture designed for a session.
func (c *Client) Architecture(ctx context.Context, sessionID string) (Architecture, error) {
	var out Architecture
	err := c.do(ctx, http.MethodGet, c.path("api", "architecture", sessionID), nil, nil, &out)
	return out, err
}

// RunningTasks lists tasks in progress across all sessions.
func (c *Client) RunningTasks(ctx context.Context) ([]RunningTask, error) {
	var out struct {
		RunningTasks []RunningTask `json:"running_tasks"`
	}
	if err := c.do(ctx, http.MethodGet, c.path("api", "tasks", "running"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.RunningTasks, nil
}

// TaskSummary aggregates the tasks of one session.
func (c *Client) TaskSummary(ctx context.Context, sessionID string) (TaskSummary, error) {
	var out TaskSummary
	err := c.do(ctx, http.MethodGet, c.path("api", "tasks", "session", sessionID, "summary"), nil, nil, &out)
	return out, err
}

// DeployConfig generates deployment files for an approved session.
func (c *Client) DeployConfig(ctx context.Context, sessionID, method string) (DeployConfig, error) {
	var out DeployConfig
	body := map[string]string{"session_id": sessionID, "method": method}
	err := c.do(ctx, http.MethodPost, c.path("api", "deployment", "generate"), nil, body, &out)
	return out, err
}

// Checklist returns the delivery checklist of a session.
func (c *Client) Checklist(ctx context.Context, sessionID string) (Checklist, error) {
	var out Checklist
	err := c.do(ctx, http.MethodGet, c.path("api", "delivery", "checklist"), url.Values{"session_id": {sessionID}}, nil, &out)
	return out, err
}

// GenerateDocs renders project documentation for a session.
func (c *Client) GenerateDocs(ctx context.Context, req DocsRequest) (Docs, error) {
	var out Docs
	err := c.do(ctx, http.MethodPost, c.path("api", "delivery", "docs"), nil, req, &out)
	return out, err
}

// Release prepares a release and records the delivered project.
func (c *Client) Release(ctx context.Context, req ReleaseRequest) (Release, error) {
	var out Release
	err := c.do(ctx, http.MethodPost, c.path("api", "delivery", "release"), nil, req, &out)
	return out, err
}

// Projects lists delivered projects, newest first.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var out struct {
		Projects []Project `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, c.path("api", "delivery", "projects"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

func sessionQuery(sessionID string) url.Values {
	if sessionID == "" {
		return nil
	}
	return url.Values{"session_id": {sessionID}}
}

func (c *Client) dialogPath(sessionID, action string) string {
	return c.path("api", "dialog", sessionID, action)
}

// path joins raw segments onto the base path, escaping each one.
func (c *Client) path(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.base.JoinPath(escaped...).String()
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	op := method + " " + endpoint
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Op: op, Message: err.Error(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &APIError{Op: op, Status: resp.StatusCode, Message: "read response: " + err.Error(), Err: err}
	}
	c.logger.Debug("Backend call", "op", op, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &APIError{Op: op, Status: resp.StatusCode, Message: decodeErrorMessage(data, resp.StatusCode)}
	}

	var env errorBody
	if err := json.Unmarshal(data, &env); err == nil && env.Success != nil && !*env.Success {
		msg := env.message()
		if msg == "" {
			msg = "request was not successful"
		}
		return &APIError{Op: op, Status: resp.StatusCode, Message: msg}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &APIError{Op: op, Status: resp.StatusCode, Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}
