package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movingally/smsrelay/internal/action"
	"github.com/movingally/smsrelay/internal/lead"
	"github.com/movingally/smsrelay/internal/llm"
	"github.com/movingally/smsrelay/internal/testutil"
)

func testInput(t *testing.T, text string) *Input {
	t.Helper()
	tc := &lead.TurnContext{LeadID: "4521", LeadNumbersID: "77", Status: lead.StatusQuoteSent, Notes: "prefers texts"}
	h, err := SeedHistory(tc, text)
	require.NoError(t, err)
	reg, err := action.NewBuiltinRegistry([]string{action.NameAddNote, action.NameUpdateLead}, action.BuiltinOptions{})
	require.NoError(t, err)
	return &Input{History: h, Lead: tc, Catalog: reg.Catalog()}
}

func TestSeedHistory(t *testing.T) {
	in := testInput(t, "Can I move on the 14th?")
	require.Len(t, in.History.Messages, 1)
	m := in.History.Messages[0]
	assert.Equal(t, llm.RoleUser, m.Role)
	require.Len(t, m.Content, 1)
	assert.Equal(t, PartInputText, m.Content[0].Type)
	assert.True(t, strings.HasPrefix(m.Content[0].Text, "CRM Context: {"))
	assert.True(t, strings.HasSuffix(m.Content[0].Text, "\n\nCustomer Message: Can I move on the 14th?"))
	assert.Contains(t, m.Content[0].Text, `"lead_status":"quote_sent"`)
}

func TestHistory_RewriteTextOnlyInputParts(t *testing.T) {
	h := &History{}
	h.Append(llm.RoleUser, PartInputText, "secret")
	h.Append(llm.RoleAssistant, PartOutputText, "secret")

	n := h.RewriteText(func(s string) string { return strings.ReplaceAll(s, "secret", "[X]") })
	assert.Equal(t, 1, n)
	assert.Equal(t, "[X]", h.Messages[0].Content[0].Text)
	assert.Equal(t, "secret", h.Messages[1].Content[0].Text)

	c := h.Clone()
	c.Messages[0].Content[0].Text = "changed"
	assert.Equal(t, "[X]", h.Messages[0].Content[0].Text)
}

func TestLLMPolicy_ToolLoop(t *testing.T) {
	p := &testutil.MockProvider{Responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: action.NameUpdateLead, Arguments: map[string]any{"move_date": "2025-03-14"}},
			{ID: "c2", Name: action.NameAddNote, RawArguments: "{broken"},
		}, InputTokens: 100, OutputTokens: 20},
		{Content: "Customer Message: Done, your move date is now March 14.", InputTokens: 120, OutputTokens: 15, Model: "gpt-4.1-2025"},
	}}
	in := testInput(t, "move me to march 14")
	pol := NewLLMPolicy(p, "gpt-4.1", "You are the assistant.", WithTemperature(0.2))

	dec, err := pol.Decide(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 2, dec.Rounds)
	assert.Equal(t, 220, dec.InputTokens)
	assert.Equal(t, "gpt-4.1-2025", dec.Model)
	require.Len(t, dec.Invocations, 2)
	assert.Equal(t, "2025-03-14", dec.Invocations[0].Params["move_date"])
	assert.Nil(t, dec.Invocations[1].Params)
	assert.Equal(t, "{broken", dec.Invocations[1].RawParams)

	require.Len(t, p.Requests, 2)
	first := p.Requests[0]
	assert.Equal(t, llm.RoleSystem, first.Messages[0].Role)
	assert.Len(t, first.Tools, 2)
	second := p.Requests[1].Messages
	assert.Equal(t, llm.RoleTool, second[len(second)-1].Role)
	assert.Equal(t, `{"status":"accepted"}`, second[len(second)-1].Content)

	last := in.History.Messages[len(in.History.Messages)-1]
	assert.Equal(t, PartOutputText, last.Content[0].Type)
}

func TestLLMPolicy_EmptyOutput(t *testing.T) {
	t.Run("blank text", func(t *testing.T) {
		p := &testutil.MockProvider{Content: "   "}
		_, err := NewLLMPolicy(p, "gpt-4.1", "").Decide(context.Background(), testInput(t, "hi"))
		assert.True(t, errors.Is(err, ErrEmptyOutput))
	})
	t.Run("tool calls forever", func(t *testing.T) {
		p := &testutil.MockProvider{Responses: []*llm.Response{{ToolCalls: []llm.ToolCall{{ID: "c", Name: "x", Arguments: map[string]any{}}}}}}
		_, err := NewLLMPolicy(p, "gpt-4.1", "", WithMaxRounds(2)).Decide(context.Background(), testInput(t, "hi"))
		assert.True(t, errors.Is(err, ErrEmptyOutput))
		assert.Equal(t, 2, p.Calls())
	})
}

func TestLLMPolicy_ProviderError(t *testing.T) {
	p := &testutil.MockProvider{Err: errors.New("rate limited")}
	_, err := NewLLMPolicy(p, "gpt-4.1", "").Decide(context.Background(), testInput(t, "hi"))
	assert.ErrorContains(t, err, "rate limited")
}

func TestStaticPolicy(t *testing.T) {
	dec, err := (&StaticPolicy{}).Decide(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultFallbackReply, dec.ReplyText)
	assert.Empty(t, dec.Invocations)
}

func TestSanitizeReply(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"customer section", "Tool Calls:\n- [{\"action\":\"x\"}]\n\nCustomer Message:\nHi Ana, your date is updated.", 640, "Hi Ana, your date is updated."},
		{"no tool call marker", "Tool Calls:\nNO TOOL CALL NEEDED\n\nCustomer Message: Sure thing.", 640, "Sure thing."},
		{"html stripped", "<b>Hello</b> <script>alert(1)</script>there &amp; welcome", 640, "Hello there & welcome"},
		{"apostrophes survive", "We've got it.", 640, "We've got it."},
		{"whitespace", "Line one.\n\n   Line   two.", 640, "Line one. Line two."},
		{"truncate at word", "one two three four five", 13, "one two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeReply(tt.in, tt.max))
		})
	}
}

func TestComposeReply(t *testing.T) {
	link := "Here is your payment link: https://pay.example.com/p/1"

	assert.Equal(t, "Sure. "+link, ComposeReply("Sure.", []string{link}, 640))
	assert.Equal(t, "Pay at https://pay.example.com/p/1", ComposeReply("Pay at https://pay.example.com/p/1", []string{link}, 640), "url already present")

	long := strings.Repeat("word ", 40)
	out := ComposeReply(long, []string{link}, 80)
	assert.LessOrEqual(t, len([]rune(out)), 80)
	assert.True(t, strings.HasSuffix(out, link), "link survives truncation")
}
