package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	relayotel "github.com/movingally/smsrelay/internal/otel"
)

var tracer = relayotel.Tracer("github.com/movingally/smsrelay/internal/llm")

// DefaultModerationModel is used when none is configured.
const DefaultModerationModel = "omni-moderation-latest"

// OpenAIProvider talks to the OpenAI chat and moderation APIs.
type OpenAIProvider struct {
	client          *openai.Client
	moderationModel string
}

// NewOpenAIProvider creates a provider for the public API.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{client: openai.NewClient(apiKey), moderationModel: DefaultModerationModel}
}

// NewOpenAIProviderWithBaseURL targets an OpenAI-compatible server. A
// missing "/v1" suffix is added.
func NewOpenAIProviderWithBaseURL(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = normalizeBaseURL(baseURL)
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), moderationModel: DefaultModerationModel}
}

// WithModerationModel overrides DefaultModerationModel.
func (p *OpenAIProvider) WithModerationModel(model string) *OpenAIProvider {
	if model != "" {
		p.moderationModel = model
	}
	return p
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate runs one chat completion, passing tools and JSON mode through.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.generate",
		trace.WithAttributes(relayotel.LLMRequestAttributes("openai", req.Model, req.Temperature, req.MaxTokens)...),
		trace.WithAttributes(relayotel.GenAIRequestToolCount.Int(len(req.Tools))))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutLLMCall)
	defer cancel()

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	for _, t := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat completion: %w", ErrNoChoices)
	}

	choice := resp.Choices[0]
	span.SetAttributes(relayotel.LLMUsageAttributes(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)...)
	span.SetAttributes(relayotel.GenAIResponseFinishReason.String(string(choice.FinishReason)))

	out := &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
	}
	for _, tc := range choice.Message.ToolCalls {
		call := ToolCall{ID: tc.ID, Name: tc.Function.Name, RawArguments: tc.Function.Arguments}
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err == nil {
			call.Arguments = args
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	RecordUsageMetrics(ctx, "openai", out.Model, out.InputTokens, out.OutputTokens)
	return out, nil
}

// Moderate classifies text with the moderation endpoint.
func (p *OpenAIProvider) Moderate(ctx context.Context, text string) (*ModerationResult, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.moderate",
		trace.WithAttributes(relayotel.GenAIRequestModel.String(p.moderationModel)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutLLMCall)
	defer cancel()

	resp, err := p.client.Moderations(ctx, openai.ModerationRequest{Input: text, Model: p.moderationModel})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("openai moderation: %w", err)
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("openai moderation: %w", ErrNoModerationResult)
	}

	r := resp.Results[0]
	result := &ModerationResult{Flagged: r.Flagged, Model: resp.Model}
	// Category structs are keyed by their JSON names ("self-harm/instructions").
	if err := remarshal(r.Categories, &result.Categories); err != nil {
		return nil, fmt.Errorf("decoding moderation categories: %w", err)
	}
	if err := remarshal(r.CategoryScores, &result.Scores); err != nil {
		return nil, fmt.Errorf("decoding moderation scores: %w", err)
	}
	return result, nil
}

// EstimateCost returns an approximate USD cost.
func (p *OpenAIProvider) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	type pricing struct{ input, output float64 }

	// USD per 1K tokens.
	prices := map[string]pricing{
		"gpt-4.1":      {input: 0.002, output: 0.008},
		"gpt-4.1-mini": {input: 0.0004, output: 0.0016},
		"gpt-4o":       {input: 0.0025, output: 0.01},
		"gpt-4o-mini":  {input: 0.00015, output: 0.0006},
	}
	pr, ok := prices[model]
	if !ok {
		pr = prices["gpt-4.1"]
	}
	return float64(inputTokens)/1000*pr.input + float64(outputTokens)/1000*pr.output
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		om := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args := tc.RawArguments
			if args == "" {
				b, _ := json.Marshal(tc.Arguments)
				args = string(b)
			}
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:       tc.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: tc.Name, Arguments: args},
			})
		}
		out[i] = om
	}
	return out
}

func normalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(baseURL, "/v1") {
		return baseURL
	}
	return baseURL + "/v1"
}

func remarshal(in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
