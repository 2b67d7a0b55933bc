// Package llm wraps the hosted model API used by the conversation policy and
// the model-backed safety checks.
package llm

import (
	"context"
	"errors"
	"time"
)

// TimeoutLLMCall bounds a single provider round trip. Callers usually hold a
// tighter turn-level deadline.
const TimeoutLLMCall = 30 * time.Second

var (
	// ErrNoChoices is returned when the backend answers without a completion.
	ErrNoChoices = errors.New("llm returned no choices")
	// ErrNoModerationResult is returned when moderation yields no result.
	ErrNoModerationResult = errors.New("moderation returned no results")
)

// Provider generates chat completions.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
	// EstimateCost returns an approximate USD cost for a call.
	EstimateCost(model string, inputTokens, outputTokens int) float64
}

// Moderator classifies text against the backend's moderation categories.
type Moderator interface {
	Moderate(ctx context.Context, text string) (*ModerationResult, error)
}

// Request is a chat completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Tools       []Tool
	// JSONMode asks the backend for a single JSON object reply.
	JSONMode bool
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one chat message. Assistant messages may carry ToolCalls; tool
// messages answer one call via ToolCallID.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// Tool is a function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Response is a chat completion result.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
	ToolCalls    []ToolCall
}

// ToolCall is a model request to call a tool. RawArguments keeps the
// backend's JSON verbatim; Arguments is nil when it did not parse.
type ToolCall struct {
	ID           string
	Name         string
	Arguments    map[string]any
	RawArguments string
}

// ModerationResult lists backend moderation categories by name
// (e.g. "harassment/threatening").
type ModerationResult struct {
	Flagged    bool
	Categories map[string]bool
	Scores     map[string]float64
	Model      string
}
