// Package flow runs the server side of the confirmation dialog: it turns a
// parsed requirement into typed questions, folds answers back into the
// requirement document and owns the authoritative dialog state.
package flow

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/dialog-sync/internal/backend"
	"github.com/ashureev/dialog-sync/internal/dialog"
)

var (
	ErrNoQuestion       = errors.New("no question is waiting for an answer")
	ErrQuestionMismatch = errors.New("answer does not match the current question")
	ErrUnanswered       = errors.New("questions are still unanswered")
	ErrTerminal         = errors.New("dialog is finished")
	ErrNotCancellable   = errors.New("dialog cannot be cancelled in this state")
)

const (
	databaseSQLite   = "SQLite (lightweight)"
	databasePostgres = "PostgreSQL (production)"
	databaseMongo    = "MongoDB (document)"
	databaseMySQL    = "MySQL (classic)"

	deployDocker = "Docker container"
	deployLocal  = "Run locally"
	deployBoth   = "Both"
)

var databaseTypes = map[string]string{
	databaseSQLite:   "sqlite",
	databasePostgres: "postgresql",
	databaseMongo:    "mongodb",
	databaseMySQL:    "mysql",
}

var deploymentTypes = map[string]string{
	deployDocker: "docker",
	deployLocal:  "local",
	deployBoth:   "both",
}

type topic int

const (
	topicProjectType topic = iota
	topicTechStack
	topicFeatures
	topicDatabase
	topicDeployment
)

type entry struct {
	question dialog.Question
	topic    topic
	answered bool
	answer   any
}

// Flow is one session's confirmation dialog. It is safe for concurrent use.
type Flow struct {
	id string

	mu          sync.Mutex
	state       dialog.State
	requirement map[string]any
	features    []string
	questions   []*entry
	turns       []dialog.Turn
	changes     []dialog.ChangeRecord
	now         func() time.Time
}

// Start parses text and opens a dialog in the confirming state.
func Start(id, text string) (*Flow, error) {
	req, err := Parse(text)
	if err != nil {
		return nil, err
	}

	techStack := make(map[string]any, len(req.TechStack))
	for k, v := range req.TechStack {
		techStack[k] = v
	}
	f := &Flow{
		id:    id,
		state: dialog.StateConfirming,
		requirement: map[string]any{
			"raw_text":     req.Text,
			"summary":      req.Summary,
			"project_type": req.ProjectType,
			"features":     slices.Clone(req.Features),
			"constraints":  slices.Clone(req.Constraints),
			"tech_stack":   techStack,
		},
		features: slices.Clone(req.Features),
		now:      time.Now,
	}
	f.addQuestions(req)
	return f, nil
}

func (f *Flow) addQuestions(req Requirement) {
	add := func(t topic, q dialog.Question) {
		q.ID = uuid.NewString()
		q.Required = true
		f.questions = append(f.questions, &entry{question: q, topic: t})
	}

	add(topicProjectType, dialog.Question{
		Kind:    dialog.KindConfirm,
		Prompt:  fmt.Sprintf("Detected project type %q. Is that right?", req.ProjectType),
		Default: true,
	})
	if runtime := req.TechStack["runtime"]; runtime != "" {
		add(topicTechStack, dialog.Question{
			Kind:    dialog.KindConfirm,
			Prompt:  fmt.Sprintf("Use the suggested %s stack?", runtime),
			Default: true,
		})
	}
	if len(req.Features) > 1 {
		var b strings.Builder
		b.WriteString("Are all of these features needed?")
		for i, feature := range req.Features {
			fmt.Fprintf(&b, "\n  %d. %s", i+1, feature)
		}
		add(topicFeatures, dialog.Question{
			Kind:    dialog.KindConfirm,
			Prompt:  b.String(),
			Default: true,
		})
	}
	if req.ProjectType == "web" || req.ProjectType == "api" {
		add(topicDatabase, dialog.Question{
			Kind:    dialog.KindChoice,
			Prompt:  "Pick a database:",
			Options: []string{databaseSQLite, databasePostgres, databaseMongo, databaseMySQL},
			Default: databaseSQLite,
		})
	}
	add(topicDeployment, dialog.Question{
		Kind:    dialog.KindChoice,
		Prompt:  "Pick a deployment method:",
		Options: []string{deployDocker, deployLocal, deployBoth},
		Default: deployDocker,
	})
}

// ID returns the session id the flow belongs to.
func (f *Flow) ID() string {
	return f.id
}

// State returns the authoritative dialog state.
func (f *Flow) State() dialog.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Features returns the feature list the requirement was parsed into.
func (f *Flow) Features() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.features)
}

// Requirement returns a copy of the requirement document.
func (f *Flow) Requirement() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return dialog.CloneDocument(f.requirement)
}

// Submitted describes the dialog right after Start.
func (f *Flow) Submitted() backend.SubmitResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	summary, _ := f.requirement["summary"].(string)
	projectType, _ := f.requirement["project_type"].(string)
	return backend.SubmitResult{
		SessionID:      f.id,
		State:          f.state,
		Summary:        summary,
		ProjectType:    projectType,
		Features:       slices.Clone(f.features),
		QuestionsCount: len(f.unansweredLocked()),
	}
}

// Status reports the state and counters in the status route's shape.
func (f *Flow) Status() backend.StatusResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return backend.StatusResponse{
		SessionID:       f.id,
		State:           f.state,
		DialogSummary:   f.summaryLocked(),
		UnansweredCount: len(f.unansweredLocked()),
		ChangesCount:    len(f.changes),
		Requirement:     dialog.CloneDocument(f.requirement),
	}
}

// Current returns the next unanswered question, or nil.
func (f *Flow) Current() *dialog.Question {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentLocked()
}

// History returns the recorded turns.
func (f *Flow) History() []dialog.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.turns)
}

// Changes returns the change log.
func (f *Flow) Changes() []dialog.ChangeRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.changes)
}

// Answer records value for the current question. An empty questionID
// answers whatever is current. Once the last question is answered the
// dialog moves to refining.
func (f *Flow) Answer(questionID string, value any) (backend.AnswerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.Terminal() {
		return backend.AnswerResult{}, ErrTerminal
	}
	e := f.currentEntryLocked()
	if e == nil {
		return backend.AnswerResult{}, ErrNoQuestion
	}
	if questionID != "" && questionID != e.question.ID {
		return backend.AnswerResult{}, fmt.Errorf("%w: expected %s, got %s", ErrQuestionMismatch, e.question.ID, questionID)
	}
	normalized, err := e.question.Normalize(value)
	if err != nil {
		return backend.AnswerResult{}, err
	}

	e.answered = true
	e.answer = normalized
	f.turns = append(f.turns, dialog.Turn{Question: e.question, Answer: normalized, At: f.now()})
	f.applyAnswerLocked(e)

	next := f.currentLocked()
	if next == nil {
		f.state = dialog.StateRefining
		return backend.AnswerResult{State: f.state, Message: "all questions answered"}, nil
	}
	return backend.AnswerResult{State: f.state, NextQuestion: next}, nil
}

func (f *Flow) applyAnswerLocked(e *entry) {
	switch e.topic {
	case topicTechStack:
		if e.answer == false {
			f.updateLocked("tech_stack_confirmed", false, "suggested stack rejected")
		}
	case topicFeatures:
		if e.answer == false {
			f.updateLocked("all_features_required", false, "not every feature is needed")
		}
	case topicDatabase:
		choice, _ := e.answer.(string)
		db, ok := databaseTypes[choice]
		if !ok {
			db = "sqlite"
		}
		f.updateLocked("database_type", db, "database chosen: "+choice)
	case topicDeployment:
		choice, _ := e.answer.(string)
		deploy, ok := deploymentTypes[choice]
		if !ok {
			deploy = "docker"
		}
		f.updateLocked("deployment_type", deploy, "deployment chosen: "+choice)
	}
}

// Approve finalizes the requirement. Every required question must be
// answered first.
func (f *Flow) Approve() (backend.ApproveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.Terminal() {
		return backend.ApproveResult{}, ErrTerminal
	}
	if n := len(f.unansweredLocked()); n > 0 {
		return backend.ApproveResult{}, fmt.Errorf("%w: %d left", ErrUnanswered, n)
	}
	f.state = dialog.StateApproved
	return backend.ApproveResult{
		State:       f.state,
		Requirement: dialog.CloneDocument(f.requirement),
		Changes:     slices.Clone(f.changes),
	}, nil
}

// Modify sets a requirement field (dotted paths allowed) and records the
// change. With no questions pending the dialog moves to refining.
func (f *Flow) Modify(field string, value any, reason string) (backend.ModifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.Terminal() {
		return backend.ModifyResult{}, ErrTerminal
	}
	if !dialog.ValidField(field) {
		return backend.ModifyResult{}, fmt.Errorf("%w: %q", dialog.ErrEmptyField, field)
	}
	f.updateLocked(field, value, reason)
	if len(f.unansweredLocked()) == 0 {
		f.state = dialog.StateRefining
	}
	return backend.ModifyResult{
		State:       f.state,
		Message:     "updated " + field,
		Requirement: dialog.CloneDocument(f.requirement),
	}, nil
}

// Cancel ends the dialog.
func (f *Flow) Cancel(reason string) (backend.CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case dialog.StateConfirming, dialog.StateClarifying, dialog.StateRefining:
	default:
		return backend.CancelResult{}, fmt.Errorf("%w: %s", ErrNotCancellable, f.state)
	}
	f.state = dialog.StateCancelled
	return backend.CancelResult{State: f.state, Reason: reason}, nil
}

func (f *Flow) updateLocked(field string, value any, reason string) {
	old := dialog.LookupField(f.requirement, field)
	dialog.SetField(f.requirement, field, value)
	f.changes = append(f.changes, dialog.ChangeRecord{
		ID:     uuid.NewString(),
		Field:  field,
		Old:    old,
		New:    value,
		Reason: reason,
		At:     f.now(),
	})
}

func (f *Flow) currentEntryLocked() *entry {
	for _, e := range f.questions {
		if e.question.Required && !e.answered {
			return e
		}
	}
	return nil
}

func (f *Flow) currentLocked() *dialog.Question {
	e := f.currentEntryLocked()
	if e == nil {
		return nil
	}
	q := e.question
	q.Options = slices.Clone(q.Options)
	return &q
}

func (f *Flow) unansweredLocked() []*entry {
	var out []*entry
	for _, e := range f.questions {
		if e.question.Required && !e.answered {
			out = append(out, e)
		}
	}
	return out
}

func (f *Flow) summaryLocked() backend.DialogSummary {
	answered := 0
	for _, e := range f.questions {
		if e.answered {
			answered++
		}
	}
	return backend.DialogSummary{
		TotalTurns:        len(f.turns),
		TotalQuestions:    len(f.questions),
		AnsweredQuestions: answered,
		TotalChanges:      len(f.changes),
		IsApproved:        f.state == dialog.StateApproved,
		IsCancelled:       f.state == dialog.StateCancelled,
	}
}

// Registry holds the live flows of the server keyed by session id.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]*Flow
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{flows: make(map[string]*Flow)}
}

// Put stores f, replacing any flow with the same id.
func (r *Registry) Put(f *Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[f.id] = f
}

// Get returns the flow for id.
func (r *Registry) Get(id string) (*Flow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[id]
	return f, ok
}

// Remove drops the flow for id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flows, id)
}

// Len returns the number of live flows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flows)
}
