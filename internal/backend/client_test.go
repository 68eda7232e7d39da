package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/dialog-sync/internal/dialog"
)

type recorded struct {
	method string
	path   string
	query  string
	body   map[string]any
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.EscapedPath(), query: r.URL.RawQuery}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &rec.body)
		}
		calls = append(calls, rec)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Options{BaseURL: srv.URL, RequestTimeout: 2 * time.Second})
	require.NoError(t, err)
	return c, &calls
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestNewValidatesBaseURL(t *testing.T) {
	for _, base := range []string{"", "://x", "ftp://host", "http://"} {
		_, err := New(Options{BaseURL: base})
		assert.Error(t, err, base)
	}
}

func TestSubmit(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":true,"session_id":"s-1","state":"confirming","summary":"todo api","project_type":"api","features":["a","b"],"questions_count":4}`)
	})

	res, err := c.Submit(context.Background(), "build a todo api", "")
	require.NoError(t, err)

	assert.Equal(t, "s-1", res.SessionID)
	assert.Equal(t, dialog.StateConfirming, res.State)
	assert.Equal(t, 4, res.QuestionsCount)
	require.Len(t, *calls, 1)
	got := (*calls)[0]
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/api/requirements", got.path)
	assert.Equal(t, map[string]any{"text": "build a todo api"}, got.body)
}

func TestSubmitWithoutSessionIDFails(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":true}`)
	})

	_, err := c.Submit(context.Background(), "x", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
}

func TestStatusMapsCounters(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{
			"session_id":"s-1","state":"confirming",
			"dialog_summary":{"total_questions":4,"answered_questions":1},
			"unanswered_count":3,"changes_count":0,
			"requirement":{"project_type":"api"}}`)
	})

	st, err := c.Status(context.Background(), "s-1")
	require.NoError(t, err)

	assert.Equal(t, dialog.Status{
		State:       dialog.StateConfirming,
		Total:       4,
		Answered:    1,
		Requirement: map[string]any{"project_type": "api"},
	}, st)
	assert.Equal(t, "/api/dialog/s-1/status", (*calls)[0].path)
}

func TestQuestion(t *testing.T) {
	body := `{"has_question":true,"question":{"id":"q1","type":"choice","question":"Pick a database","options":["sqlite","postgresql"],"default":"sqlite"}}`
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, body)
	})

	q, err := c.Question(context.Background(), "s-1")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, "q1", q.ID)
	assert.Equal(t, dialog.KindChoice, q.Kind)
	assert.Equal(t, []string{"sqlite", "postgresql"}, q.Options)

	body = `{"has_question":false,"message":"No pending questions"}`
	q, err = c.Question(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Nil(t, q)
}

func TestDialogActionsHitTheirRoutes(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":true,"state":"refining"}`)
	})
	ctx := context.Background()

	_, err := c.Answer(ctx, "s-1", "q1", true)
	require.NoError(t, err)
	_, err = c.Modify(ctx, "s-1", "database_type", "postgresql", "scale")
	require.NoError(t, err)
	_, err = c.Approve(ctx, "s-1")
	require.NoError(t, err)
	_, err = c.Cancel(ctx, "s-1", "changed my mind")
	require.NoError(t, err)

	require.Len(t, *calls, 4)
	assert.Equal(t, "/api/dialog/s-1/answer", (*calls)[0].path)
	assert.Equal(t, map[string]any{"question_id": "q1", "answer": true}, (*calls)[0].body)
	assert.Equal(t, "/api/dialog/s-1/modify", (*calls)[1].path)
	assert.Equal(t, map[string]any{"field": "database_type", "value": "postgresql", "reason": "scale"}, (*calls)[1].body)
	assert.Equal(t, "/api/dialog/s-1/approve", (*calls)[2].path)
	assert.Equal(t, "/api/dialog/s-1/cancel", (*calls)[3].path)
	assert.Equal(t, map[string]any{"reason": "changed my mind"}, (*calls)[3].body)
}

func TestReadOnlyRoutes(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tasks":
			writeJSON(w, http.StatusOK, `{"tasks":[{"id":"t1","session_id":"s-1","title":"Build API","status":"pending","created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-02T03:04:05Z","completed_at":null}],"count":1}`)
		case "/api/tasks/stats":
			writeJSON(w, http.StatusOK, `{"total":1,"by_status":{"pending":1},"by_priority":{"P1":1},"by_type":{"backend":1}}`)
		case "/api/codegen/jobs":
			writeJSON(w, http.StatusOK, `{"jobs":[{"job_id":"j1","session_id":"s-1","status":"running","progress":40}]}`)
		case "/api/deployment/status/d1":
			writeJSON(w, http.StatusOK, `{"deployment_id":"d1","session_id":"s-1","method":"docker","status":"running"}`)
		case "/api/dialog/s-1/history":
			writeJSON(w, http.StatusOK, `{"session_id":"s-1","history":[{"question":{"id":"q1","type":"confirm","question":"ok?"},"answer":true,"timestamp":"2026-01-02T03:04:05Z"}]}`)
		case "/api/architecture/s-1":
			writeJSON(w, http.StatusOK, `{"session_id":"s-1","tech_stack":{"backend":"go"}}`)
		default:
			writeJSON(w, http.StatusNotFound, `{"error":"not found"}`)
		}
	})
	ctx := context.Background()

	tasks, err := c.Tasks(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Build API", tasks[0].Title)
	assert.Nil(t, tasks[0].CompletedAt)
	assert.Equal(t, "session_id=s-1", (*calls)[0].query)

	stats, err := c.TaskStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus["pending"])

	jobs, err := c.CodegenJobs(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 40, jobs[0].Progress)

	dep, err := c.Deployment(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "running", dep.Status)

	history, err := c.History(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, true, history[0].Answer)

	arch, err := c.Architecture(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "go", arch.TechStack["backend"])
}

func TestDeliveryRoutes(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/delivery/checklist":
			writeJSON(w, http.StatusOK, `{"session_id":"s-1","project_name":"api","checklist":[{"id":"code","name":"Source Code","status":"done","required":true}],"completion_percentage":20}`)
		case "/api/delivery/docs":
			writeJSON(w, http.StatusOK, `{"session_id":"s-1","generated":["README.md"],"docs":{"README.md":"# Api"}}`)
		case "/api/delivery/release":
			writeJSON(w, http.StatusOK, `{"session_id":"s-1","project_id":"p-1","version":"2.0.0","status":"ready","release_notes":"Initial release","output_path":"./workspace/s-1"}`)
		case "/api/delivery/projects":
			writeJSON(w, http.StatusOK, `{"projects":[{"id":"p-1","session_id":"s-1","name":"api","version":"2.0.0","created_at":"2026-01-02T03:04:05Z"}]}`)
		case "/api/tasks/running":
			writeJSON(w, http.StatusOK, `{"running_tasks":[{"id":"t1","session_id":"s-1","title":"Build API","progress":50,"started_at":"2026-01-02T03:04:05Z"}],"count":1}`)
		case "/api/tasks/session/s-1/summary":
			writeJSON(w, http.StatusOK, `{"session_id":"s-1","total":2,"completed":1,"progress":50,"by_status":{"completed":1,"pending":1}}`)
		case "/api/deployment/generate":
			writeJSON(w, http.StatusOK, `{"session_id":"s-1","method":"docker","configs":{"Dockerfile":"FROM golang"}}`)
		default:
			writeJSON(w, http.StatusNotFound, `{"error":"not found"}`)
		}
	})
	ctx := context.Background()

	checklist, err := c.Checklist(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, checklist.Items, 1)
	assert.Equal(t, "done", checklist.Items[0].Status)
	assert.Equal(t, 20, checklist.CompletionPercentage)
	assert.Equal(t, "session_id=s-1", (*calls)[0].query)

	docs, err := c.GenerateDocs(ctx, DocsRequest{SessionID: "s-1", Types: []string{"readme"}})
	require.NoError(t, err)
	assert.Equal(t, "# Api", docs.Docs["README.md"])
	assert.Equal(t, map[string]any{"session_id": "s-1", "types": []any{"readme"}}, (*calls)[1].body)

	rel, err := c.Release(ctx, ReleaseRequest{SessionID: "s-1", Version: "2.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "p-1", rel.ProjectID)
	assert.Equal(t, map[string]any{"session_id": "s-1", "version": "2.0.0"}, (*calls)[2].body)

	projects, err := c.Projects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "2.0.0", projects[0].Version)

	running, err := c.RunningTasks(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, 50, running[0].Progress)

	summary, err := c.TaskSummary(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 50, summary.Progress)

	cfg, err := c.DeployConfig(ctx, "s-1", "docker")
	require.NoError(t, err)
	assert.Contains(t, cfg.Configs, "Dockerfile")
	assert.Equal(t, http.MethodPost, (*calls)[6].method)
}

func TestSessionIDIsPathEscaped(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"state":"idle"}`)
	})

	_, err := c.Status(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "/api/dialog/a%2Fb/status", (*calls)[0].path)
}

func TestFailuresBecomeAPIErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"fastapi detail", http.StatusNotFound, `{"detail":"Session not found"}`, "Session not found"},
		{"error field", http.StatusBadRequest, `{"error":"2 questions unanswered"}`, "2 questions unanswered"},
		{"success false", http.StatusOK, `{"success":false,"error":"No active confirmation flow"}`, "No active confirmation flow"},
		{"plain text", http.StatusBadGateway, `upstream down`, "upstream down"},
		{"empty", http.StatusInternalServerError, ``, "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.Approve(context.Background(), "s-1")

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.message, apiErr.Message)
		})
	}
}

func TestNotFoundHelper(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"detail":"Session not found"}`)
	})

	_, err := c.Status(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

func TestTransportFailureIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := New(Options{BaseURL: base, RequestTimeout: time.Second})
	require.NoError(t, err)

	_, err = c.Status(context.Background(), "s-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Zero(t, apiErr.Status)
	assert.Error(t, apiErr.Unwrap())
}
