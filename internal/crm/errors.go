package crm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Failure kinds. Every *Error unwraps to exactly one of these.
var (
	ErrNetwork = errors.New("crm unreachable")
	ErrTimeout = errors.New("crm timed out")
	ErrNonJSON = errors.New("crm returned non-JSON response")
	ErrStatus  = errors.New("crm returned error status")
)

// Error describes a failed CRM call. Detail never contains customer text;
// for HTML error pages it is a short sanitized excerpt.
type Error struct {
	Op     string
	Kind   error
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("crm %s: %v", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Code is a stable identifier for logs and action results.
func (e *Error) Code() string {
	switch e.Kind {
	case ErrNetwork:
		return "backend_network"
	case ErrTimeout:
		return "backend_timeout"
	case ErrNonJSON:
		return "backend_non_json"
	case ErrStatus:
		return "backend_status"
	}
	return "backend_error"
}

// HTTPStatus is the CRM response status, or 0 when none was received.
func (e *Error) HTTPStatus() int { return e.Status }

// transportKind classifies an error from sending the request or reading
// the response.
func transportKind(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return ErrTimeout
	}
	return ErrNetwork
}
