package action

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownAction       = errors.New("unknown action")
	ErrInvalidParams       = errors.New("invalid parameters")
	ErrDuplicateInvocation = errors.New("duplicate invocation in turn")
	ErrNoteAlreadyLogged   = errors.New("a note was already logged this turn")
	ErrInFlight            = errors.New("identical side effect already in flight")
	ErrPreconditionFailed  = errors.New("precondition failed")
)

// ValidationError rejects one invocation. The turn continues.
type ValidationError struct {
	Action string
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("action %s: %s: %s", e.Action, e.Field, e.Reason)
	}
	return fmt.Sprintf("action %s: %s", e.Action, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e.Err == nil {
		return ErrInvalidParams
	}
	return e.Err
}

// Code is the stable identifier recorded in results.
func (e *ValidationError) Code() string {
	switch e.Unwrap() {
	case ErrUnknownAction:
		return "unknown_action"
	case ErrDuplicateInvocation:
		return "duplicate_invocation"
	case ErrNoteAlreadyLogged:
		return "note_already_logged"
	case ErrInFlight:
		return "in_flight"
	}
	return "invalid_params"
}

func invalid(action, field, format string, args ...any) *ValidationError {
	return &ValidationError{Action: action, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Violation is one failed precondition.
type Violation struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// PreconditionError halts dispatch for the rest of the turn.
type PreconditionError struct {
	Action     string
	Violations []Violation
}

func (e *PreconditionError) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("action %s: precondition failed", e.Action)
	}
	return fmt.Sprintf("action %s: precondition %s: %s", e.Action, e.Violations[0].Code, e.Violations[0].Reason)
}

func (e *PreconditionError) Unwrap() error { return ErrPreconditionFailed }

// Codes lists violation codes in evaluation order.
func (e *PreconditionError) Codes() []string {
	codes := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		codes[i] = v.Code
	}
	return codes
}
