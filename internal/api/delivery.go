package api

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/dialog-sync/internal/backend"
	"github.com/ashureev/dialog-sync/internal/dialog"
	"github.com/ashureev/dialog-sync/internal/domain"
	"github.com/ashureev/dialog-sync/internal/flow"
	"github.com/ashureev/dialog-sync/internal/pipeline"
)

const defaultVersion = "1.0.0"

var docFiles = map[string]string{
	"readme":     "README.md",
	"changelog":  "CHANGELOG.md",
	"api":        "API.md",
	"deployment": "DEPLOYMENT.md",
}

var docOrder = []string{"readme", "changelog", "api", "deployment"}

var checklistItems = []backend.ChecklistItem{
	{ID: "code", Name: "Source Code", Required: true},
	{ID: "tests", Name: "Unit Tests", Required: true},
	{ID: "readme", Name: "README.md", Required: true},
	{ID: "dockerfile", Name: "Dockerfile"},
	{ID: "compose", Name: "docker-compose.yml"},
	{ID: "env_example", Name: ".env.example", Required: true},
	{ID: "changelog", Name: "CHANGELOG.md"},
	{ID: "api_docs", Name: "API Documentation"},
	{ID: "deployment_guide", Name: "Deployment Guide"},
}

// artifacts remembers which delivery files a session has produced.
type artifacts struct {
	mu   sync.Mutex
	made map[string]map[string]bool
}

func newArtifacts() *artifacts {
	return &artifacts{made: make(map[string]map[string]bool)}
}

func (a *artifacts) mark(sessionID string, ids ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set := a.made[sessionID]
	if set == nil {
		set = make(map[string]bool)
		a.made[sessionID] = set
	}
	for _, id := range ids {
		set[id] = true
	}
}

func (a *artifacts) has(sessionID, id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.made[sessionID][id]
}

func (a *artifacts) forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.made, sessionID)
}

// Forget drops per-session delivery state of an expired session.
func (h *Handler) Forget(sessionID string) {
	h.artifacts.forget(sessionID)
}

// sessionFlow resolves a session id from a body or query to its flow.
func (h *Handler) sessionFlow(w http.ResponseWriter, id string) (*flow.Flow, bool) {
	if id == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return nil, false
	}
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

// Checklist reports which delivery artifacts a session has produced.
func (h *Handler) Checklist(w http.ResponseWriter, r *http.Request) {
	f, ok := h.sessionFlow(w, r.URL.Query().Get("session_id"))
	if !ok {
		return
	}
	sid := f.ID()

	if len(h.pipeline.Jobs(sid, pipeline.StatusCompleted)) > 0 {
		h.artifacts.mark(sid, "code", "tests")
	}
	if slices.ContainsFunc(h.pipeline.Deployments(sid), func(d backend.Deployment) bool {
		return d.Status == pipeline.StatusRunning
	}) {
		h.artifacts.mark(sid, "dockerfile", "compose", "env_example")
	}

	items := slices.Clone(checklistItems)
	done := 0
	for i := range items {
		items[i].Status = "pending"
		if h.artifacts.has(sid, items[i].ID) {
			items[i].Status = "done"
			done++
		}
	}

	projectName, _ := f.Requirement()["project_type"].(string)
	if projectName == "" {
		projectName = "project"
	}
	JSON(w, http.StatusOK, backend.Checklist{
		SessionID:            sid,
		ProjectName:          projectName,
		Items:                items,
		CompletionPercentage: done * 100 / len(items),
	})
}

// GenerateDocs renders the requested documents from the requirement.
func (h *Handler) GenerateDocs(w http.ResponseWriter, r *http.Request) {
	var req backend.DocsRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	f, ok := h.sessionFlow(w, req.SessionID)
	if !ok {
		return
	}
	types := req.Types
	if len(types) == 0 {
		types = docOrder
	}
	for _, t := range types {
		if _, known := docFiles[t]; !known {
			Error(w, http.StatusBadRequest, fmt.Sprintf("unknown document type %q", t))
			return
		}
	}

	requirement := f.Requirement()
	out := backend.Docs{SessionID: f.ID(), Docs: map[string]string{}}
	for _, t := range docOrder {
		if !slices.Contains(types, t) {
			continue
		}
		name := docFiles[t]
		out.Docs[name] = renderDoc(t, requirement)
		out.Generated = append(out.Generated, name)
		h.artifacts.mark(f.ID(), checklistID(t))
	}
	JSON(w, http.StatusOK, out)
}

func checklistID(docType string) string {
	switch docType {
	case "api":
		return "api_docs"
	case "deployment":
		return "deployment_guide"
	}
	return docType
}

// Release records the delivered project of an approved session.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	var req backend.ReleaseRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	f, ok := h.sessionFlow(w, req.SessionID)
	if !ok {
		return
	}
	if f.State() != dialog.StateApproved {
		Error(w, http.StatusBadRequest, "Requirement must be approved first")
		return
	}
	if req.Version == "" {
		req.Version = defaultVersion
	}
	if req.Changelog == "" {
		req.Changelog = "Initial release"
	}

	requirement := f.Requirement()
	name, _ := requirement["project_type"].(string)
	if name == "" {
		name = "project"
	}
	summary, _ := requirement["summary"].(string)
	project := &domain.Project{
		ID:          uuid.NewString(),
		SessionID:   f.ID(),
		Name:        name,
		Description: summary,
		Version:     req.Version,
		OutputPath:  "./workspace/" + f.ID(),
		TechStack:   architectureFor(f.ID(), requirement).TechStack,
		CreatedAt:   time.Now(),
	}
	if err := h.repo.CreateProject(r.Context(), project); err != nil {
		h.logger.Error("Failed to record release", "session_id", f.ID(), "error", err)
		Error(w, http.StatusInternalServerError, "failed to record release")
		return
	}
	h.logger.Info("Release prepared", "session_id", f.ID(), "project_id", project.ID, "version", project.Version)

	JSON(w, http.StatusOK, backend.Release{
		SessionID:    f.ID(),
		ProjectID:    project.ID,
		Version:      project.Version,
		Status:       "ready",
		ReleaseNotes: req.Changelog,
		OutputPath:   project.OutputPath,
	})
}

// ListProjects lists delivered projects, newest first.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.repo.ListProjects(r.Context())
	if err != nil {
		h.logger.Error("Failed to list projects", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []*domain.Project{}
	}
	JSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// GetProject returns one delivered project.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.repo.GetProject(r.Context(), chi.URLParam(r, "project_id"))
	if err != nil {
		h.logger.Error("Failed to load project", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load project")
		return
	}
	if project == nil {
		Error(w, http.StatusNotFound, "Project not found")
		return
	}
	JSON(w, http.StatusOK, project)
}

// GenerateDeployConfig renders deployment files for an approved session.
func (h *Handler) GenerateDeployConfig(w http.ResponseWriter, r *http.Request) {
	req, ok := h.approvedSession(w, r)
	if !ok {
		return
	}
	switch req.Method {
	case "":
		req.Method = "docker"
	case "docker", "local", "both":
	default:
		Error(w, http.StatusBadRequest, "method must be docker, local or both")
		return
	}
	f, ok := h.flows.Get(req.SessionID)
	if !ok {
		Error(w, http.StatusNotFound, "Session not found")
		return
	}
	stack := architectureFor(req.SessionID, f.Requirement()).TechStack

	configs := map[string]string{".env.example": envExample(stack)}
	if req.Method != "local" {
		configs["Dockerfile"] = dockerfile(stack)
		configs["docker-compose.yml"] = compose(f.ID(), stack)
		configs[".dockerignore"] = ".git\n*.db\n.env\n"
		h.artifacts.mark(f.ID(), "dockerfile", "compose")
	}
	if req.Method != "docker" {
		configs["run.sh"] = "#!/bin/sh\nset -e\nexport $(grep -v '^#' .env | xargs)\nexec ./app\n"
	}
	h.artifacts.mark(f.ID(), "env_example")

	JSON(w, http.StatusOK, backend.DeployConfig{SessionID: f.ID(), Method: req.Method, Configs: configs})
}

func renderDoc(docType string, requirement map[string]any) string {
	name, _ := requirement["project_type"].(string)
	if name == "" {
		name = "project"
	}
	summary, _ := requirement["summary"].(string)
	features := stringList(requirement["features"])
	stack := architectureFor("", requirement).TechStack

	var b strings.Builder
	switch docType {
	case "readme":
		fmt.Fprintf(&b, "# %s\n\n%s\n\n## Features\n\n", titleCase(name), summary)
		for _, f := range features {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n## Tech Stack\n\n")
		for _, k := range sortedKeys(stack) {
			fmt.Fprintf(&b, "- %s: %s\n", titleCase(k), stack[k])
		}
		b.WriteString("\n## Getting Started\n\n```bash\ndocker compose up -d\n```\n\nSee [API.md](API.md) for the endpoints.\n")
	case "changelog":
		fmt.Fprintf(&b, "# Changelog\n\n## [%s] - %s\n\n### Added\n- Initial release\n", defaultVersion, time.Now().UTC().Format(time.DateOnly))
		if summary != "" {
			fmt.Fprintf(&b, "- %s\n", summary)
		}
	case "api":
		b.WriteString("# API Documentation\n\n## Endpoints\n")
		for _, f := range features[:min(len(features), 5)] {
			resource := strings.ReplaceAll(strings.ToLower(f), " ", "_")
			fmt.Fprintf(&b, "\n### %s\n\n| Method | Endpoint | Description |\n|--------|----------|-------------|\n", f)
			fmt.Fprintf(&b, "| GET | `/%s` | List %s |\n", resource, f)
			fmt.Fprintf(&b, "| POST | `/%s` | Create %s |\n", resource, f)
			fmt.Fprintf(&b, "| GET | `/%s/{id}` | Get %s by ID |\n", resource, f)
			fmt.Fprintf(&b, "| PUT | `/%s/{id}` | Update %s |\n", resource, f)
			fmt.Fprintf(&b, "| DELETE | `/%s/{id}` | Delete %s |\n", resource, f)
		}
	case "deployment":
		fmt.Fprintf(&b, "# Deployment Guide\n\n## Docker\n\n```bash\ndocker build -t %s:latest .\ndocker run -p 8000:8000 %s:latest\n```\n", name, name)
		b.WriteString("\n## Environment\n\n| Variable | Default |\n|----------|---------|\n")
		fmt.Fprintf(&b, "| DATABASE | %s |\n| DEBUG | false |\n", stack["database"])
		b.WriteString("\n## Health Check\n\n```bash\ncurl http://localhost:8000/health\n```\n")
	}
	return b.String()
}

var baseImages = map[string]string{
	"go":     "golang:1.25-alpine",
	"python": "python:3.12-slim",
	"node":   "node:22-alpine",
}

func dockerfile(stack map[string]string) string {
	base, ok := baseImages[stack["runtime"]]
	if !ok {
		base = "alpine:3.20"
	}
	return fmt.Sprintf("FROM %s\nWORKDIR /app\nCOPY . .\nEXPOSE 8000\nCMD [\"./app\"]\n", base)
}

func compose(sessionID string, stack map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "services:\n  app:\n    build: .\n    container_name: app-%s\n    ports:\n      - \"8000:8000\"\n    env_file: .env\n", shortSession(sessionID))
	if db := stack["database"]; db == "postgresql" || db == "postgres" {
		b.WriteString("    depends_on:\n      - db\n  db:\n    image: postgres:16\n    environment:\n      POSTGRES_PASSWORD: postgres\n")
	}
	return b.String()
}

func envExample(stack map[string]string) string {
	db := stack["database"]
	if db == "" {
		db = "sqlite"
	}
	return fmt.Sprintf("DATABASE=%s\nDEBUG=false\nPORT=8000\n", db)
}

func shortSession(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
