package dialog

import (
	"errors"
	"fmt"
)

var (
	ErrNoPendingQuestion = errors.New("no pending question")
	ErrQuestionMismatch  = errors.New("answered question is not the pending question")
	ErrPendingQuestion   = errors.New("a question is still pending")
	ErrTerminal          = errors.New("dialog is in a terminal state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidAnswer     = errors.New("invalid answer")
	ErrEmptyField        = errors.New("field name is empty")
	ErrUnknownState      = errors.New("unknown dialog state")
)

// RejectionError reports a protocol violation caught at the Dialog boundary.
// The Dialog is never mutated when one is returned.
type RejectionError struct {
	Op    string
	State State
	Err   error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("dialog %s rejected in state %s: %v", e.Op, e.State, e.Err)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

func reject(op string, state State, err error) error {
	return &RejectionError{Op: op, State: state, Err: err}
}
