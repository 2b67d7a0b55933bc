package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/movingally/smsrelay/internal/action"
	"github.com/movingally/smsrelay/internal/conversation"
	"github.com/movingally/smsrelay/internal/delivery"
	"github.com/movingally/smsrelay/internal/evidence"
	"github.com/movingally/smsrelay/internal/guardrail"
	"github.com/movingally/smsrelay/internal/llm"
	"github.com/movingally/smsrelay/internal/policy"
)

// ErrUnknownProfile is returned by Set.Get for a name with no profile.
var ErrUnknownProfile = errors.New("unknown profile")

// Deps are the process-wide backends shared by every profile.
type Deps struct {
	// Provider backs the conversation policy and the classifier checks.
	Provider llm.Provider
	// Moderator backs the moderation check; nil is allowed when no profile
	// enables moderation.
	Moderator     llm.Moderator
	CRM           action.CRM
	Ledger        action.Ledger
	Evidence      *evidence.Generator
	Failures      *action.FailureTracker
	Breaker       *Breaker
	Sender        delivery.Sender
	PolicyTimeout time.Duration
}

// Build wires an Orchestrator for p: its safety gate, action registry, OPA
// precondition engine and LLM conversation policy.
func Build(ctx context.Context, p *policy.Profile, deps Deps) (*Orchestrator, error) {
	if deps.Provider == nil {
		return nil, errors.New("building orchestrator: llm provider is required")
	}
	gateOpts := []guardrail.Option{guardrail.WithClassifier(deps.Provider)}
	if deps.Moderator != nil {
		gateOpts = append(gateOpts, guardrail.WithModerator(deps.Moderator))
	}
	gate, err := guardrail.NewGate(p.Guardrails, gateOpts...)
	if err != nil {
		return nil, fmt.Errorf("profile %s: safety gate: %w", p.Profile.Name, err)
	}

	builtinOpts, err := p.BuiltinOptions(deps.CRM)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", p.Profile.Name, err)
	}
	reg, err := action.NewBuiltinRegistry(p.Actions.Enabled, builtinOpts)
	if err != nil {
		return nil, fmt.Errorf("profile %s: actions: %w", p.Profile.Name, err)
	}

	engine, err := policy.NewEngine(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", p.Profile.Name, err)
	}

	conv := p.Conversation
	primary := conversation.NewLLMPolicy(deps.Provider, conv.Model, p.Instructions,
		conversation.WithTemperature(conv.Temperature),
		conversation.WithMaxTokens(conv.MaxTokens),
		conversation.WithMaxRounds(conv.MaxRounds),
	)

	return New(Config{
		Profile:       p,
		Gate:          gate,
		Primary:       primary,
		Fallback:      &conversation.StaticPolicy{Reply: conv.FallbackReply},
		Registry:      reg,
		Evaluator:     engine,
		Ledger:        deps.Ledger,
		Failures:      deps.Failures,
		Breaker:       deps.Breaker,
		Evidence:      deps.Evidence,
		Sender:        deps.Sender,
		PolicyTimeout: deps.PolicyTimeout,
	})
}

// Set holds one Orchestrator per loaded profile.
type Set struct {
	byName      map[string]*Orchestrator
	defaultName string
}

// BuildSet builds every profile. defaultName selects the profile used when
// a request names none; it may be empty when exactly one profile exists.
func BuildSet(ctx context.Context, profiles map[string]*policy.Profile, defaultName string, deps Deps) (*Set, error) {
	if len(profiles) == 0 {
		return nil, errors.New("no profiles loaded")
	}
	if defaultName == "" {
		if len(profiles) != 1 {
			return nil, errors.New("default_profile is required when more than one profile is loaded")
		}
		for name := range profiles {
			defaultName = name
		}
	}
	if _, ok := profiles[defaultName]; !ok {
		return nil, fmt.Errorf("default profile %q: %w", defaultName, ErrUnknownProfile)
	}
	s := &Set{byName: make(map[string]*Orchestrator, len(profiles)), defaultName: defaultName}
	for name, p := range profiles {
		o, err := Build(ctx, p, deps)
		if err != nil {
			return nil, err
		}
		s.byName[name] = o
	}
	return s, nil
}

// NewSet wraps prebuilt orchestrators keyed by profile name.
func NewSet(defaultName string, orchestrators ...*Orchestrator) *Set {
	s := &Set{byName: make(map[string]*Orchestrator, len(orchestrators)), defaultName: defaultName}
	for _, o := range orchestrators {
		s.byName[o.Profile().Profile.Name] = o
	}
	return s
}

// Get returns the orchestrator for name, or the default one for "".
func (s *Set) Get(name string) (*Orchestrator, error) {
	if name == "" {
		name = s.defaultName
	}
	o, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	return o, nil
}

// Names lists profile names in order.
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.byName))
	for name := range s.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Default is the name used when a request names no profile.
func (s *Set) Default() string { return s.defaultName }
