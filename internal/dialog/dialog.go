// Package dialog models the multi-turn confirmation dialog a backend conducts
// about a submitted requirement.
//
// The server is authoritative for state transitions; a Dialog mirrors them
// through ApplyStatus and ApplyQuestion. Local operations (answer, modify,
// approve, cancel) are guarded here so protocol violations are rejected with
// a *RejectionError before any request leaves the process.
package dialog

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the dialog's position in the confirmation protocol.
type State string

const (
	StateIdle       State = "idle"
	StateParsing    State = "parsing"
	StateConfirming State = "confirming"
	StateClarifying State = "clarifying"
	StateRefining   State = "refining"
	StateApproved   State = "approved"
	StateCancelled  State = "cancelled"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateParsing, StateConfirming, StateClarifying,
		StateRefining, StateApproved, StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateApproved || s == StateCancelled
}

// Active reports whether the dialog is underway: questions are being asked
// or the requirement refined.
func (s State) Active() bool {
	return s == StateConfirming || s == StateClarifying || s == StateRefining
}

// Status is the server's view of a dialog as returned by a status pull.
type Status struct {
	State       State
	Total       int
	Answered    int
	Requirement map[string]any
}

// Transition describes a state change applied from a pull.
type Transition struct {
	From State
	To   State
}

// Changed reports whether the transition moved the dialog.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// View is a read-only copy of a Dialog.
type View struct {
	State        State
	Total        int
	Answered     int
	Progress     int
	Pending      *Question
	History      []Turn
	Changes      []ChangeRecord
	Requirement  map[string]any
	CancelReason string
}

// Progress returns round(100*answered/total), or 0 when total is zero.
func Progress(answered, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(answered) / float64(total)))
}

// Dialog is the local model of one session's confirmation dialog.
// It is safe for concurrent use.
type Dialog struct {
	mu           sync.RWMutex
	state        State
	total        int
	answered     int
	history      []Turn
	changes      []ChangeRecord
	pending      *Question
	requirement  map[string]any
	cancelReason string
	now          func() time.Time
}

// New returns an idle Dialog.
func New() *Dialog {
	return &Dialog{
		state:       StateIdle,
		requirement: make(map[string]any),
		now:         time.Now,
	}
}

// State returns the current state.
func (d *Dialog) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Progress returns the completion percentage from the last status refresh.
func (d *Dialog) Progress() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Progress(d.answered, d.total)
}

// Pending returns a copy of the pending question, or nil.
func (d *Dialog) Pending() *Question {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.pending == nil {
		return nil
	}
	q := d.pending.clone()
	return &q
}

// History returns a copy of the recorded turns.
func (d *Dialog) History() []Turn {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return cloneTurns(d.history)
}

// Changes returns a copy of the change log.
func (d *Dialog) Changes() []ChangeRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return cloneChanges(d.changes)
}

// Snapshot returns a consistent copy of the whole dialog.
func (d *Dialog) Snapshot() View {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v := View{
		State:        d.state,
		Total:        d.total,
		Answered:     d.answered,
		Progress:     Progress(d.answered, d.total),
		History:      cloneTurns(d.history),
		Changes:      cloneChanges(d.changes),
		Requirement:  CloneDocument(d.requirement),
		CancelReason: d.cancelReason,
	}
	if d.pending != nil {
		q := d.pending.clone()
		v.Pending = &q
	}
	return v
}

// BeginParsing moves idle to parsing when a requirement is submitted.
func (d *Dialog) BeginParsing() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateIdle {
		return reject("submit", d.state, ErrInvalidTransition)
	}
	d.state = StateParsing
	return nil
}

// ParseFailed returns a parsing dialog to idle.
func (d *Dialog) ParseFailed() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateParsing {
		d.state = StateIdle
	}
}

// CheckAnswer reports whether RecordAnswer would accept the answer, without
// mutating anything.
func (d *Dialog) CheckAnswer(questionID string, value any) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, err := d.checkAnswerLocked(questionID, value)
	return err
}

// RecordAnswer appends a Turn for the pending question and clears it.
// An empty questionID answers whatever question is pending.
func (d *Dialog) RecordAnswer(questionID string, value any) (Turn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	normalized, err := d.checkAnswerLocked(questionID, value)
	if err != nil {
		return Turn{}, err
	}
	turn := Turn{Question: d.pending.clone(), Answer: normalized, At: d.now()}
	d.history = append(d.history, Turn{Question: turn.Question.clone(), Answer: cloneValue(normalized), At: turn.At})
	d.pending = nil
	return turn, nil
}

func (d *Dialog) checkAnswerLocked(questionID string, value any) (any, error) {
	if d.state.Terminal() {
		return nil, reject("answer", d.state, ErrTerminal)
	}
	if d.pending == nil {
		return nil, reject("answer", d.state, ErrNoPendingQuestion)
	}
	if questionID != "" && questionID != d.pending.ID {
		return nil, reject("answer", d.state, ErrQuestionMismatch)
	}
	normalized, err := d.pending.Normalize(value)
	if err != nil {
		return nil, reject("answer", d.state, err)
	}
	return normalized, nil
}

// CheckModify reports whether RecordChange would accept a modification.
func (d *Dialog) CheckModify(field string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.checkModifyLocked(field)
}

func (d *Dialog) checkModifyLocked(field string) error {
	if d.state.Terminal() {
		return reject("modify", d.state, ErrTerminal)
	}
	if strings.TrimSpace(field) == "" {
		return reject("modify", d.state, ErrEmptyField)
	}
	if !ValidField(field) {
		return reject("modify", d.state, fmt.Errorf("%w: %q has an empty segment", ErrEmptyField, field))
	}
	return nil
}

// RecordChange sets field (a dotted path) in the requirement mirror and
// appends a ChangeRecord. A clarifying dialog moves to refining.
func (d *Dialog) RecordChange(field string, value any, reason string) (ChangeRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkModifyLocked(field); err != nil {
		return ChangeRecord{}, err
	}
	rec := ChangeRecord{
		ID:     uuid.NewString()[:8],
		Field:  field,
		Old:    cloneValue(LookupField(d.requirement, field)),
		New:    cloneValue(value),
		Reason: reason,
		At:     d.now(),
	}
	SetField(d.requirement, field, cloneValue(value))
	d.changes = append(d.changes, rec)
	if d.state == StateClarifying {
		d.state = StateRefining
	}
	return cloneChanges([]ChangeRecord{rec})[0], nil
}

// CheckApprove reports whether MarkApproved would be accepted.
func (d *Dialog) CheckApprove() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.checkApproveLocked()
}

func (d *Dialog) checkApproveLocked() error {
	if d.state.Terminal() {
		return reject("approve", d.state, ErrTerminal)
	}
	if !d.state.Active() {
		return reject("approve", d.state, ErrInvalidTransition)
	}
	if d.pending != nil {
		return reject("approve", d.state, ErrPendingQuestion)
	}
	return nil
}

// MarkApproved moves the dialog to approved.
func (d *Dialog) MarkApproved() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkApproveLocked(); err != nil {
		return err
	}
	d.state = StateApproved
	return nil
}

// CheckCancel reports whether MarkCancelled would be accepted.
func (d *Dialog) CheckCancel() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.checkCancelLocked()
}

func (d *Dialog) checkCancelLocked() error {
	if d.state.Terminal() {
		return reject("cancel", d.state, ErrTerminal)
	}
	if d.state != StateConfirming && d.state != StateClarifying {
		return reject("cancel", d.state, ErrInvalidTransition)
	}
	return nil
}

// MarkCancelled moves the dialog to cancelled. Irreversible.
func (d *Dialog) MarkCancelled(reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkCancelLocked(); err != nil {
		return err
	}
	d.state = StateCancelled
	d.cancelReason = reason
	d.pending = nil
	return nil
}

// ApplyStatus mirrors a status pull. Counters and the requirement document
// always follow the server; the state follows it too unless the dialog is
// already terminal, in which case the transition is reported but not applied.
func (d *Dialog) ApplyStatus(s Status) (Transition, error) {
	if !s.State.Valid() {
		return Transition{}, fmt.Errorf("%w: %q", ErrUnknownState, s.State)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	t := Transition{From: d.state, To: s.State}
	if d.state.Terminal() && s.State != d.state {
		return t, nil
	}
	d.total = s.Total
	d.answered = s.Answered
	if s.Requirement != nil {
		d.requirement = CloneDocument(s.Requirement)
	}
	d.state = s.State
	if d.state.Terminal() {
		d.pending = nil
	}
	return t, nil
}

// ApplyQuestion mirrors a question pull; nil clears the pending question.
// Ignored once the dialog is terminal.
func (d *Dialog) ApplyQuestion(q *Question) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Terminal() {
		return
	}
	if q == nil {
		d.pending = nil
		return
	}
	cp := q.clone()
	d.pending = &cp
}
