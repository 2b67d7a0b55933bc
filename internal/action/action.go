// Package action defines the catalog of CRM side effects a conversation
// policy may request and the per-turn dispatcher that validates, orders and
// executes them.
package action

import (
	"context"
	"encoding/json"

	"github.com/movingally/smsrelay/internal/lead"
)

// Kind groups actions for ordering and status rules.
type Kind string

const (
	KindNote   Kind = "note"
	KindUpdate Kind = "update"
	KindLink   Kind = "link"
)

// Class is an action's idempotency class.
type Class string

const (
	// ClassOnce side effects are customer visible or append-only and must
	// not repeat when a message is re-delivered.
	ClassOnce Class = "side_effect_once"
	// ClassRepeatable side effects converge when repeated.
	ClassRepeatable Class = "repeatable"
)

// Action is one catalog entry. Execute performs a single outbound call and
// returns its payload; expected backend failures come back as errors and are
// turned into failed Results by the dispatcher.
type Action interface {
	Name() string
	Description() string
	Kind() Kind
	Class() Class
	InputSchema() json.RawMessage
	Execute(ctx context.Context, call *Call) (json.RawMessage, error)
}

// Validator is implemented by actions with checks beyond their JSON Schema.
type Validator interface {
	Validate(call *Call) error
}

// Call is an invocation bound to the turn's lead.
type Call struct {
	Lead   *lead.TurnContext
	Params map[string]any
}

// String returns a string parameter or "".
func (c *Call) String(key string) string {
	s, _ := c.Params[key].(string)
	return s
}

// Invocation is an action request produced by a conversation policy.
type Invocation struct {
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"action"`
	Params map[string]any `json:"parameters"`
	// RawParams holds unparseable arguments as received; Params is nil then.
	RawParams string `json:"-"`
}

// Status is the outcome of one invocation.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
	StatusSkipped   Status = "skipped"
)

// Result is the outcome of one invocation.
type Result struct {
	Action   string          `json:"action"`
	Success  bool            `json:"success"`
	Status   Status          `json:"status"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    *ErrorDetail    `json:"error,omitempty"`
	Replayed bool            `json:"replayed,omitempty"`
	DryRun   bool            `json:"dry_run,omitempty"`
}

// ErrorDetail is the operator-facing description of a failure. It is never
// shown to customers.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// Descriptor advertises an action to a conversation policy.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}
