package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/movingally/smsrelay/internal/action"
	"github.com/movingally/smsrelay/internal/llm"
	relayotel "github.com/movingally/smsrelay/internal/otel"
)

var tracer = relayotel.Tracer("github.com/movingally/smsrelay/internal/conversation")

// DefaultMaxRounds bounds model round trips per turn.
const DefaultMaxRounds = 3

// acceptedToolResult is what the model sees for every requested action.
// Actions run after the policy decides, so their real outcome is unknown.
const acceptedToolResult = `{"status":"accepted"}`

// LLMPolicy asks a chat model with the action catalog exposed as tools.
type LLMPolicy struct {
	provider     llm.Provider
	model        string
	instructions string
	temperature  float64
	maxTokens    int
	maxRounds    int
}

// LLMOption configures an LLMPolicy.
type LLMOption func(*LLMPolicy)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) LLMOption { return func(p *LLMPolicy) { p.temperature = t } }

// WithMaxTokens caps tokens per model call.
func WithMaxTokens(n int) LLMOption { return func(p *LLMPolicy) { p.maxTokens = n } }

// WithMaxRounds overrides DefaultMaxRounds.
func WithMaxRounds(n int) LLMOption {
	return func(p *LLMPolicy) {
		if n > 0 {
			p.maxRounds = n
		}
	}
}

// NewLLMPolicy creates a model-backed policy.
func NewLLMPolicy(provider llm.Provider, model, instructions string, opts ...LLMOption) *LLMPolicy {
	p := &LLMPolicy{
		provider:     provider,
		model:        model,
		instructions: instructions,
		maxRounds:    DefaultMaxRounds,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "llm".
func (p *LLMPolicy) Name() string { return "llm" }

// Decide runs the tool loop until the model answers in text.
func (p *LLMPolicy) Decide(ctx context.Context, in *Input) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "conversation.decide", trace.WithAttributes(
		attribute.String("policy", p.Name()),
		attribute.String("gen_ai.request.model", p.model),
	))
	defer span.End()

	tools, err := toolsFromCatalog(in.Catalog)
	if err != nil {
		return nil, err
	}
	msgs := in.History.LLMMessages(p.instructions)
	dec := &Decision{Policy: p.Name(), Model: p.model}

	for dec.Rounds < p.maxRounds {
		dec.Rounds++
		resp, err := p.provider.Generate(ctx, &llm.Request{
			Model:       p.model,
			Messages:    msgs,
			Temperature: p.temperature,
			MaxTokens:   p.maxTokens,
			Tools:       tools,
		})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("policy round %d: %w", dec.Rounds, err)
		}
		dec.InputTokens += resp.InputTokens
		dec.OutputTokens += resp.OutputTokens
		if resp.Model != "" {
			dec.Model = resp.Model
		}

		if len(resp.ToolCalls) == 0 {
			dec.ReplyText = strings.TrimSpace(resp.Content)
			break
		}

		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			inv := action.Invocation{ID: tc.ID, Name: tc.Name, Params: tc.Arguments}
			if inv.Params == nil {
				if strings.TrimSpace(tc.RawArguments) == "" {
					inv.Params = map[string]any{}
				} else {
					inv.RawParams = tc.RawArguments
				}
			}
			dec.Invocations = append(dec.Invocations, inv)
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Content: acceptedToolResult})
		}
	}

	span.SetAttributes(
		attribute.Int("policy.rounds", dec.Rounds),
		attribute.Int("policy.invocations", len(dec.Invocations)),
	)
	if dec.ReplyText == "" {
		log.Warn().
			Func(relayotel.LogTraceFields(ctx)).
			Int("rounds", dec.Rounds).
			Int("invocations", len(dec.Invocations)).
			Msg("policy_empty_output")
		return nil, ErrEmptyOutput
	}
	in.History.Append(llm.RoleAssistant, PartOutputText, dec.ReplyText)
	return dec, nil
}

func toolsFromCatalog(catalog []action.Descriptor) ([]llm.Tool, error) {
	tools := make([]llm.Tool, 0, len(catalog))
	for _, d := range catalog {
		var params map[string]any
		if err := json.Unmarshal(d.Parameters, &params); err != nil {
			return nil, fmt.Errorf("action %s: decoding parameter schema: %w", d.Name, err)
		}
		tools = append(tools, llm.Tool{Name: d.Name, Description: d.Description, Parameters: params})
	}
	return tools, nil
}
