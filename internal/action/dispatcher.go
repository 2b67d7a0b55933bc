package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/movingally/smsrelay/internal/lead"
	relayotel "github.com/movingally/smsrelay/internal/otel"
)

var tracer = relayotel.Tracer("github.com/movingally/smsrelay/internal/action")

// Identifier parameters are always taken from the turn's lead.
var injectedParams = []string{"lead_id", "lead_numbers_id"}

// Options configures a Dispatcher. Only the registry and lead are required.
type Options struct {
	// Evaluator adds profile preconditions on top of the fixed status rules.
	Evaluator PreconditionEvaluator
	// Ledger deduplicates once-class side effects across deliveries.
	Ledger Ledger
	// DeliveryKey identifies the inbound message for ledger keys.
	DeliveryKey string
	// DryRun validates and checks preconditions without executing.
	DryRun bool
	// Failures receives backend failures for alerting.
	Failures *FailureTracker
	// Profile labels logs and failure tracking.
	Profile string
}

// Dispatcher runs one turn's invocations in order. It is created per turn.
type Dispatcher struct {
	registry *Registry
	lead     *lead.TurnContext
	opts     Options

	noteLogged atomic.Bool

	mu       sync.Mutex
	seen     map[string]bool
	executed []Executed
}

// Outcome is the result of dispatching a list of invocations.
type Outcome struct {
	Results []Result `json:"results"`
	// Halted is set when a precondition stopped the turn. Later links,
	// updates and update-details notes are reported as skipped; a later
	// escalation note still runs.
	Halted *PreconditionError `json:"-"`
}

// Succeeded reports whether any invocation took effect.
func (o *Outcome) Succeeded() []Result {
	var out []Result
	for _, r := range o.Results {
		if r.Success {
			out = append(out, r)
		}
	}
	return out
}

// NewDispatcher binds the registry to one turn.
func NewDispatcher(reg *Registry, tc *lead.TurnContext, opts Options) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		lead:     tc,
		opts:     opts,
		seen:     make(map[string]bool),
	}
}

// Dispatch processes invocations in order. It never returns an error:
// every invocation yields a Result. A precondition violation halts every
// later invocation that depends on it; an escalation note still runs so the
// team sees the request.
func (d *Dispatcher) Dispatch(ctx context.Context, invs []Invocation) *Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := &Outcome{Results: make([]Result, 0, len(invs))}
	for _, inv := range invs {
		if out.Halted != nil && !d.escalation(inv) {
			out.Results = append(out.Results, Result{
				Action: inv.Name,
				Status: StatusSkipped,
				Error:  &ErrorDetail{Code: "halted", Message: "an earlier precondition failed"},
			})
			continue
		}
		res, halt := d.dispatchOne(ctx, inv)
		out.Results = append(out.Results, res)
		if out.Halted == nil {
			out.Halted = halt
		}
	}
	return out
}

// escalation reports whether inv is a note that does not describe an
// update, so it stays meaningful after a halt.
func (d *Dispatcher) escalation(inv Invocation) bool {
	a, ok := d.registry.Get(inv.Name)
	if !ok || a.Kind() != KindNote {
		return false
	}
	noteType, _ := inv.Params["note_type"].(string)
	return noteType != NoteTypeUpdateDetails
}

// Executed returns what ran so far this turn.
func (d *Dispatcher) Executed() []Executed {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Executed(nil), d.executed...)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, inv Invocation) (Result, *PreconditionError) {
	ctx, span := tracer.Start(ctx, "action.dispatch", trace.WithAttributes(
		attribute.String("action.name", inv.Name),
		attribute.Bool("action.dry_run", d.opts.DryRun),
	))
	defer span.End()

	a, ok := d.registry.Get(inv.Name)
	if !ok {
		return d.reject(ctx, inv.Name, "", &ValidationError{Action: inv.Name, Reason: "not in catalog", Err: ErrUnknownAction}), nil
	}
	if inv.Params == nil && inv.RawParams != "" {
		return d.reject(ctx, inv.Name, a.Kind(), invalid(inv.Name, "", "arguments are not a JSON object")), nil
	}

	call := &Call{Lead: d.lead, Params: d.bindParams(inv)}
	if err := d.registry.Validate(inv.Name, call); err != nil {
		var ve *ValidationError
		if !errors.As(err, &ve) {
			ve = invalid(inv.Name, "", "%v", err)
		}
		return d.reject(ctx, inv.Name, a.Kind(), ve), nil
	}

	dupKey := IdempotencyKey("", inv.Name, call.Params)
	if d.seen[dupKey] {
		return d.reject(ctx, inv.Name, a.Kind(), &ValidationError{Action: inv.Name, Reason: "repeated with identical parameters", Err: ErrDuplicateInvocation}), nil
	}
	d.seen[dupKey] = true

	if pe := d.checkPreconditions(ctx, a, call); pe != nil {
		span.SetStatus(codes.Error, "precondition")
		log.Info().
			Func(relayotel.LogTraceFields(ctx)).
			Str("profile", d.opts.Profile).
			Str("action", a.Name()).
			Strs("codes", pe.Codes()).
			Msg("action_precondition_failed")
		d.record(a, false)
		return Result{
			Action: a.Name(),
			Status: StatusRejected,
			Error:  &ErrorDetail{Code: pe.Violations[0].Code, Message: pe.Violations[0].Reason},
		}, pe
	}

	if a.Kind() == KindNote && !d.noteLogged.CompareAndSwap(false, true) {
		return d.reject(ctx, inv.Name, a.Kind(), &ValidationError{Action: inv.Name, Reason: "only one note per turn", Err: ErrNoteAlreadyLogged}), nil
	}

	if d.opts.DryRun {
		d.record(a, true)
		return Result{Action: a.Name(), Success: true, Status: StatusSucceeded, DryRun: true}, nil
	}

	var ledgerKey string
	if a.Class() == ClassOnce && d.opts.Ledger != nil {
		ledgerKey = IdempotencyKey(d.opts.DeliveryKey, a.Name(), call.Params)
		prior, err := d.opts.Ledger.Claim(ctx, ledgerKey)
		switch {
		case errors.Is(err, ErrInFlight):
			return d.reject(ctx, inv.Name, a.Kind(), &ValidationError{Action: inv.Name, Reason: "identical side effect in flight", Err: ErrInFlight}), nil
		case err != nil:
			// The ledger cannot be consulted; do not risk a repeat.
			log.Error().Err(err).Func(relayotel.LogTraceFields(ctx)).Str("action", a.Name()).Msg("ledger_claim_failed")
			d.record(a, false)
			return Result{Action: a.Name(), Status: StatusFailed, Error: &ErrorDetail{Code: "ledger_unavailable", Message: err.Error()}}, nil
		case prior != nil:
			replay := *prior
			replay.Replayed = true
			d.record(a, replay.Success)
			log.Info().Func(relayotel.LogTraceFields(ctx)).Str("action", a.Name()).Msg("action_replayed")
			return replay, nil
		}
	}

	res := d.execute(ctx, a, call)
	if ledgerKey != "" {
		var err error
		if res.Success {
			err = d.opts.Ledger.Complete(ctx, ledgerKey, &res)
		} else {
			err = d.opts.Ledger.Release(ctx, ledgerKey)
		}
		if err != nil {
			log.Error().Err(err).Func(relayotel.LogTraceFields(ctx)).Str("action", a.Name()).Msg("ledger_update_failed")
		}
	}
	if !res.Success {
		span.SetStatus(codes.Error, res.Error.Code)
		if d.opts.Failures != nil {
			d.opts.Failures.Record(d.opts.Profile, a.Name(), res.Error.Code)
		}
	}
	d.record(a, res.Success)
	return res, nil
}

func (d *Dispatcher) execute(ctx context.Context, a Action, call *Call) (res Result) {
	res = Result{Action: a.Name()}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Func(relayotel.LogTraceFields(ctx)).Str("action", a.Name()).Interface("panic", r).Msg("action_panic")
			res = Result{Action: a.Name(), Status: StatusFailed, Error: &ErrorDetail{Code: "action_panic", Message: fmt.Sprint(r)}}
		}
	}()

	payload, err := a.Execute(ctx, call)
	if err != nil {
		res.Status = StatusFailed
		res.Error = errorDetail(err)
		log.Warn().
			Func(relayotel.LogTraceFields(ctx)).
			Str("profile", d.opts.Profile).
			Str("action", a.Name()).
			Str("code", res.Error.Code).
			Int("status", res.Error.Status).
			Msg("action_failed")
		return res
	}
	res.Success = true
	res.Status = StatusSucceeded
	res.Payload = payload
	log.Info().
		Func(relayotel.LogTraceFields(ctx)).
		Str("profile", d.opts.Profile).
		Str("action", a.Name()).
		Msg("action_succeeded")
	return res
}

func (d *Dispatcher) checkPreconditions(ctx context.Context, a Action, call *Call) *PreconditionError {
	if v := statusGuard(a, d.lead.Status); len(v) > 0 {
		return &PreconditionError{Action: a.Name(), Violations: v}
	}
	if d.opts.Evaluator == nil {
		return nil
	}
	violations, err := d.opts.Evaluator.EvaluatePreconditions(ctx, &PreconditionInput{
		Action:     a.Name(),
		Kind:       a.Kind(),
		LeadStatus: d.lead.Status,
		Params:     call.Params,
		Executed:   append([]Executed(nil), d.executed...),
	})
	if err != nil {
		log.Error().Err(err).Func(relayotel.LogTraceFields(ctx)).Str("action", a.Name()).Msg("precondition_evaluation_failed")
		return &PreconditionError{Action: a.Name(), Violations: []Violation{{Code: CodeEvaluatorUnavailable, Reason: err.Error()}}}
	}
	if len(violations) == 0 {
		return nil
	}
	return &PreconditionError{Action: a.Name(), Violations: violations}
}

func (d *Dispatcher) reject(ctx context.Context, name string, kind Kind, ve *ValidationError) Result {
	log.Info().
		Func(relayotel.LogTraceFields(ctx)).
		Str("profile", d.opts.Profile).
		Str("action", name).
		Str("code", ve.Code()).
		Str("field", ve.Field).
		Msg("action_rejected")
	if kind != "" {
		d.executed = append(d.executed, Executed{Name: name, Kind: kind})
	}
	return Result{Action: name, Status: StatusRejected, Error: &ErrorDetail{Code: ve.Code(), Message: ve.Error()}}
}

func (d *Dispatcher) record(a Action, success bool) {
	d.executed = append(d.executed, Executed{Name: a.Name(), Kind: a.Kind(), Success: success})
}

// bindParams copies the invocation parameters and drops identifier fields,
// which actions read from the lead instead.
func (d *Dispatcher) bindParams(inv Invocation) map[string]any {
	params := make(map[string]any, len(inv.Params))
	for k, v := range inv.Params {
		params[k] = v
	}
	for _, k := range injectedParams {
		if v, ok := params[k]; ok {
			log.Debug().Str("action", inv.Name).Str("param", k).Interface("supplied", v).Msg("action_identifier_overridden")
			delete(params, k)
		}
	}
	return params
}

func errorDetail(err error) *ErrorDetail {
	var coded interface {
		Code() string
	}
	d := &ErrorDetail{Code: "action_error", Message: err.Error()}
	if errors.As(err, &coded) {
		d.Code = coded.Code()
	}
	var status interface{ HTTPStatus() int }
	if errors.As(err, &status) {
		d.Status = status.HTTPStatus()
	}
	return d
}

// MarshalJSON renders the halt reason alongside results.
func (o *Outcome) MarshalJSON() ([]byte, error) {
	type alias Outcome
	var halted []string
	if o.Halted != nil {
		halted = o.Halted.Codes()
	}
	return json.Marshal(struct {
		*alias
		Halted []string `json:"halted,omitempty"`
	}{alias: (*alias)(o), Halted: halted})
}
