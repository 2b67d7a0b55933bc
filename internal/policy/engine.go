package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/movingally/smsrelay/internal/action"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

const (
	dispatchModule = "rego/dispatch.rego"
	dispatchQuery  = "data.smsrelay.dispatch.deny"
)

// CodeStatusNotPermitted is reported when a profile does not enable a link
// action for the lead's status. It sorts after every other code so a more
// specific degraded reply wins.
const CodeStatusNotPermitted = "status_not_permitted"

// Engine evaluates dispatch preconditions for one profile with embedded OPA.
// It implements action.PreconditionEvaluator.
type Engine struct {
	profile  *Profile
	prepared rego.PreparedEvalQuery
}

var _ action.PreconditionEvaluator = (*Engine)(nil)

// NewEngine prepares the dispatch query. The profile is serialized to JSON
// and loaded as OPA data under "profile".
func NewEngine(ctx context.Context, p *Profile) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new",
		trace.WithAttributes(attribute.String("profile.name", p.Profile.Name)))
	defer span.End()

	profileData, err := profileToData(p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("converting profile to OPA data: %w", err)
	}

	content, err := embeddedPolicies.ReadFile(dispatchModule)
	if err != nil {
		return nil, fmt.Errorf("reading embedded policy %s: %w", dispatchModule, err)
	}
	r := rego.New(
		rego.Query(dispatchQuery),
		rego.Module(dispatchModule, string(content)),
		rego.Store(inmem.NewFromObject(map[string]interface{}{"profile": profileData})),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("preparing Rego policy %s: %w", dispatchModule, err)
	}
	return &Engine{profile: p, prepared: prepared}, nil
}

// EvaluatePreconditions returns the violations for one invocation, ordered
// by code with CodeStatusNotPermitted last.
func (e *Engine) EvaluatePreconditions(ctx context.Context, in *action.PreconditionInput) ([]action.Violation, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate_preconditions",
		trace.WithAttributes(
			attribute.String("profile.version_tag", e.profile.VersionTag),
			attribute.String("action.name", in.Action),
		))
	defer span.End()

	input, err := toInput(in)
	if err != nil {
		return nil, err
	}
	results, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("evaluating dispatch policy: %w", err)
	}

	var out []action.Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			items, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, item := range items {
				m, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				code, _ := m["code"].(string)
				reason, _ := m["reason"].(string)
				if code != "" {
					out = append(out, action.Violation{Code: code, Reason: reason})
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Code == CodeStatusNotPermitted, out[j].Code == CodeStatusNotPermitted
		if a != b {
			return b
		}
		return out[i].Code < out[j].Code
	})
	span.SetAttributes(attribute.Int("policy.violations", len(out)))
	return out, nil
}

// Profile returns the profile the engine was built from.
func (e *Engine) Profile() *Profile { return e.profile }

func toInput(in *action.PreconditionInput) (map[string]interface{}, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encoding precondition input: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decoding precondition input: %w", err)
	}
	return m, nil
}

func profileToData(p *Profile) (map[string]interface{}, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
