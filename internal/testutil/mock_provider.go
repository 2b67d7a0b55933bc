// Package testutil provides shared test helpers and mocks for smsrelay tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/movingally/smsrelay/internal/llm"
)

// MockProvider implements llm.Provider and llm.Moderator without live API
// calls.
//
// Generate walks Responses in order, repeating the last one; with no
// Responses it returns Content. Set Err with ErrOnCall (1-based, 0 = every
// call) to simulate failures, Delay to simulate a slow backend (the context
// still cancels it), and Fn to compute responses per request.
type MockProvider struct {
	mu sync.Mutex

	ProviderName string
	Content      string
	Responses    []*llm.Response
	Fn           func(req *llm.Request) (*llm.Response, error)
	Err          error
	ErrOnCall    int
	Delay        time.Duration

	Moderation    *llm.ModerationResult
	ModerationErr error

	CallCount int
	Requests  []*llm.Request
}

// Name returns ProviderName or "mock".
func (m *MockProvider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// Generate returns the next canned response.
func (m *MockProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.CallCount++
	call := m.CallCount
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	m.Requests = append(m.Requests, &cp)
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Err != nil && (m.ErrOnCall == 0 || m.ErrOnCall == call) {
		return nil, m.Err
	}
	if m.Fn != nil {
		return m.Fn(req)
	}
	if len(m.Responses) == 0 {
		return &llm.Response{Content: m.Content, FinishReason: "stop", InputTokens: 10, OutputTokens: 20, Model: req.Model}, nil
	}
	idx := call - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	out := *m.Responses[idx]
	out.ToolCalls = append([]llm.ToolCall(nil), out.ToolCalls...)
	if out.Model == "" {
		out.Model = req.Model
	}
	return &out, nil
}

// Moderate returns Moderation, or a clean result when unset.
func (m *MockProvider) Moderate(ctx context.Context, _ string) (*llm.ModerationResult, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.ModerationErr != nil {
		return nil, m.ModerationErr
	}
	if m.Moderation != nil {
		return m.Moderation, nil
	}
	return &llm.ModerationResult{Categories: map[string]bool{}, Scores: map[string]float64{}}, nil
}

// EstimateCost returns a fixed cost.
func (m *MockProvider) EstimateCost(_ string, _, _ int) float64 { return 0.001 }

// Calls returns the number of Generate calls.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// ClassifierReply builds a JSON-mode classifier response.
func ClassifierReply(flagged bool, confidence float64) *llm.Response {
	content := `{"flagged":false,"confidence":` + formatFloat(confidence) + `}`
	if flagged {
		content = `{"flagged":true,"confidence":` + formatFloat(confidence) + `}`
	}
	return &llm.Response{Content: content, FinishReason: "stop"}
}
