// Package orchestrator runs one inbound customer message through the turn
// state machine:
//
//	INIT → SCREENING → (FALLBACK_REPLY | POLICY_EXECUTION) → ACTION_DISPATCH → DONE
//
// with ERROR reachable from every state. Every turn ends with a reply that
// is safe to send and a signed evidence record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/movingally/smsrelay/internal/action"
	"github.com/movingally/smsrelay/internal/conversation"
	"github.com/movingally/smsrelay/internal/delivery"
	"github.com/movingally/smsrelay/internal/evidence"
	"github.com/movingally/smsrelay/internal/guardrail"
	"github.com/movingally/smsrelay/internal/lead"
	relayotel "github.com/movingally/smsrelay/internal/otel"
	"github.com/movingally/smsrelay/internal/policy"
)

var tracer = relayotel.Tracer("github.com/movingally/smsrelay/internal/orchestrator")

// DefaultPolicyTimeout bounds the primary policy call of one turn.
const DefaultPolicyTimeout = 30 * time.Second

var (
	// ErrPolicyTimeout is recorded when the primary policy misses its deadline.
	ErrPolicyTimeout = errors.New("policy timed out")
	// ErrEmptyMessage is recorded when the inbound text is blank.
	ErrEmptyMessage = errors.New("customer message is empty")
)

// State is a step of the turn state machine.
type State string

const (
	StateInit            State = "INIT"
	StateScreening       State = "SCREENING"
	StateFallbackReply   State = "FALLBACK_REPLY"
	StatePolicyExecution State = "POLICY_EXECUTION"
	StateActionDispatch  State = "ACTION_DISPATCH"
	StateDone            State = "DONE"
	StateError           State = "ERROR"
)

// Outcome summarizes how a turn ended.
type Outcome string

// CodeBackendFailed selects the degraded reply used when an action failed
// at the CRM.
const CodeBackendFailed = "backend_failed"

const (
	OutcomeReplied  Outcome = "replied"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeDegraded Outcome = "degraded"
	OutcomeError    Outcome = "error"
)

// Invocation types recorded in evidence.
const (
	InvocationHTTP   = "http"
	InvocationCLI    = "cli"
	InvocationDryRun = "dry_run"
)

// Request is one inbound customer message.
type Request struct {
	Lead *lead.TurnContext
	Text string
	// MessageID is the gateway's message id; re-deliveries share it.
	MessageID      string
	CorrelationID  string
	InvocationType string
	// DryRun validates actions without executing them and skips delivery.
	DryRun bool
}

// Result is the outcome of one turn. It is always safe to send Reply.
type Result struct {
	TurnID        string             `json:"turn_id"`
	CorrelationID string             `json:"correlation_id"`
	Profile       string             `json:"profile"`
	Reply         string             `json:"reply_text"`
	Outcome       Outcome            `json:"outcome"`
	Blocked       bool               `json:"blocked"`
	Reason        string             `json:"reason,omitempty"`
	TrippedChecks []string           `json:"tripped_checks,omitempty"`
	Actions       []action.Result    `json:"actions"`
	Halted        []string           `json:"halted,omitempty"`
	Failed        []string           `json:"failed,omitempty"` // codes of actions that ran and failed
	States        []State            `json:"states"`
	Policy        string             `json:"policy,omitempty"`
	Model         string             `json:"model,omitempty"`
	InputTokens   int                `json:"input_tokens,omitempty"`
	OutputTokens  int                `json:"output_tokens,omitempty"`
	DurationMS    int64              `json:"duration_ms"`
	Delivery      *delivery.Receipt  `json:"delivery,omitempty"`
	EvidenceID    string             `json:"evidence_id,omitempty"`
	Verdict       *guardrail.Verdict `json:"-"`
	// Err is the failure that sent the turn to ERROR. It is never shown to
	// the customer.
	Err error `json:"-"`
}

// Config wires one deployment profile. Profile, Primary and Registry are
// required.
type Config struct {
	Profile *policy.Profile
	// Gate screens the message; nil disables screening.
	Gate     *guardrail.Gate
	Primary  conversation.Policy
	Fallback conversation.Policy
	Registry *action.Registry
	// Evaluator adds profile preconditions to the dispatcher's fixed rules.
	Evaluator action.PreconditionEvaluator
	Ledger    action.Ledger
	Failures  *action.FailureTracker
	Breaker   *Breaker
	Evidence  *evidence.Generator
	// Sender delivers the reply; nil leaves delivery to the caller.
	Sender        delivery.Sender
	PolicyTimeout time.Duration
}

// Orchestrator runs turns for one profile. It is safe for concurrent use;
// all per-turn state lives in RunTurn.
type Orchestrator struct {
	cfg     Config
	catalog []action.Descriptor
	now     func() time.Time
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Profile == nil {
		return nil, errors.New("orchestrator: profile is required")
	}
	if cfg.Primary == nil {
		return nil, errors.New("orchestrator: primary policy is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("orchestrator: action registry is required")
	}
	if cfg.Fallback == nil {
		cfg.Fallback = &conversation.StaticPolicy{Reply: cfg.Profile.Conversation.FallbackReply}
	}
	if cfg.PolicyTimeout <= 0 {
		cfg.PolicyTimeout = DefaultPolicyTimeout
	}
	return &Orchestrator{cfg: cfg, catalog: cfg.Registry.Catalog(), now: time.Now}, nil
}

// Profile returns the profile this orchestrator serves.
func (o *Orchestrator) Profile() *policy.Profile { return o.cfg.Profile }

// turn carries the mutable state of one RunTurn call.
type turn struct {
	req       *Request
	res       *Result
	execution evidence.Execution
	started   time.Time
}

func (t *turn) enter(s State) { t.res.States = append(t.res.States, s) }

func (t *turn) state() State {
	if len(t.res.States) == 0 {
		return StateInit
	}
	return t.res.States[len(t.res.States)-1]
}

// RunTurn processes one message. It never returns an error: failures end
// the turn in ERROR with the profile's "received" reply, and a panic
// anywhere in the turn is recovered the same way.
func (o *Orchestrator) RunTurn(ctx context.Context, req *Request) *Result {
	res := &Result{
		TurnID:        evidence.NewID(),
		CorrelationID: req.CorrelationID,
		Profile:       o.cfg.Profile.Profile.Name,
		Actions:       []action.Result{},
	}
	if res.CorrelationID == "" {
		res.CorrelationID = "corr_" + uuid.New().String()[:12]
	}
	t := &turn{req: req, res: res, started: o.now()}

	ctx, span := tracer.Start(ctx, "orchestrator.run_turn",
		trace.WithAttributes(
			attribute.String("turn.id", res.TurnID),
			attribute.String("correlation.id", res.CorrelationID),
			attribute.String("profile.name", res.Profile),
			attribute.String("profile.version_tag", o.cfg.Profile.VersionTag),
			attribute.Bool("turn.dry_run", req.DryRun),
		))
	defer span.End()

	log.Info().
		Func(relayotel.LogTraceFields(ctx)).
		Str("turn_id", res.TurnID).
		Str("correlation_id", res.CorrelationID).
		Str("profile", res.Profile).
		Str("lead_numbers_id", leadNumbersID(req)).
		Int("message_length", len(req.Text)).
		Msg("turn_started")

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Func(relayotel.LogTraceFields(ctx)).
					Str("turn_id", res.TurnID).
					Str("state", string(t.state())).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("turn_panic")
				o.fail(ctx, t, fmt.Errorf("panic in %s: %v", t.state(), r))
			}
		}()
		o.run(ctx, t)
	}()

	o.deliver(ctx, t)
	res.DurationMS = o.now().Sub(t.started).Milliseconds()
	o.record(ctx, t)
	recordTurnMetrics(ctx, res.Profile, res, o.now().Sub(t.started))

	span.SetAttributes(
		attribute.String("turn.outcome", string(res.Outcome)),
		attribute.Int("turn.actions", len(res.Actions)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	log.Info().
		Func(relayotel.LogTraceFields(ctx)).
		Str("turn_id", res.TurnID).
		Str("correlation_id", res.CorrelationID).
		Str("outcome", string(res.Outcome)).
		Strs("states", stateNames(res.States)).
		Int("actions", len(res.Actions)).
		Int("reply_length", len(res.Reply)).
		Str("evidence_id", res.EvidenceID).
		Int64("duration_ms", res.DurationMS).
		Msg("turn_completed")
	return res
}

func (o *Orchestrator) run(ctx context.Context, t *turn) {
	req, res := t.req, t.res

	t.enter(StateInit)
	if req.Lead == nil {
		o.fail(ctx, t, errors.New("turn has no lead context"))
		return
	}
	if err := req.Lead.Validate(); err != nil {
		o.fail(ctx, t, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		o.fail(ctx, t, ErrEmptyMessage)
		return
	}
	history, err := conversation.SeedHistory(req.Lead, req.Text)
	if err != nil {
		o.fail(ctx, t, err)
		return
	}

	t.enter(StateScreening)
	if o.cfg.Gate != nil {
		res.Verdict = o.cfg.Gate.Screen(ctx, req.Text, history, req.Lead)
	}

	var dec *conversation.Decision
	if res.Verdict != nil && res.Verdict.Tripped {
		t.enter(StateFallbackReply)
		res.Blocked = true
		res.Reason = res.Verdict.Reason()
		res.TrippedChecks = res.Verdict.TrippedChecks()
		dec, err = o.cfg.Fallback.Decide(ctx, &conversation.Input{History: history, Lead: req.Lead})
		if err != nil {
			o.fail(ctx, t, fmt.Errorf("fallback policy: %w", err))
			return
		}
		if n := len(dec.Invocations); n > 0 {
			log.Warn().
				Func(relayotel.LogTraceFields(ctx)).
				Str("turn_id", res.TurnID).
				Str("policy", dec.Policy).
				Int("discarded", n).
				Msg("fallback_invocations_discarded")
			dec.Invocations = nil
		}
	} else {
		t.enter(StatePolicyExecution)
		dec, err = o.decide(ctx, t, history)
		if err != nil {
			o.fail(ctx, t, err)
			return
		}
	}
	o.noteDecision(t, dec)

	maxLen := o.cfg.Profile.Replies.MaxLength
	reply := conversation.SanitizeReply(dec.ReplyText, maxLen)
	if reply == "" {
		o.fail(ctx, t, conversation.ErrEmptyOutput)
		return
	}

	t.enter(StateActionDispatch)
	if len(dec.Invocations) > 0 {
		d := action.NewDispatcher(o.cfg.Registry, req.Lead, action.Options{
			Evaluator:   o.cfg.Evaluator,
			Ledger:      o.cfg.Ledger,
			DeliveryKey: action.DeliveryKey(req.MessageID, req.Lead.LeadNumbersID.String(), req.Text),
			DryRun:      req.DryRun || o.cfg.Profile.Actions.DryRun,
			Failures:    o.cfg.Failures,
			Profile:     res.Profile,
		})
		out := d.Dispatch(ctx, dec.Invocations)
		res.Actions = out.Results
		if out.Halted != nil {
			res.Halted = out.Halted.Codes()
		}
		res.Failed = failedCodes(res.Actions)
	}

	var lines []string
	for _, r := range res.Actions {
		if line := action.ReplyLine(r); line != "" {
			lines = append(lines, line)
		}
	}

	// The policy's text may describe an effect that did not happen.
	if len(res.Halted) > 0 || len(res.Failed) > 0 {
		codes := res.Halted
		if len(codes) == 0 {
			codes = []string{CodeBackendFailed}
		}
		res.Reply = conversation.ComposeReply(o.cfg.Profile.Replies.DegradedReply(codes...), lines, maxLen)
		res.Outcome = OutcomeDegraded
		log.Info().
			Func(relayotel.LogTraceFields(ctx)).
			Str("turn_id", res.TurnID).
			Strs("halted", res.Halted).
			Strs("failed", res.Failed).
			Msg("turn_degraded")
		t.enter(StateDone)
		return
	}

	res.Reply = conversation.ComposeReply(reply, lines, maxLen)
	res.Outcome = OutcomeReplied
	if res.Blocked {
		res.Outcome = OutcomeBlocked
	}
	t.enter(StateDone)
}

// decide runs the primary policy under the turn's policy deadline. The call
// runs in its own goroutine so a policy that ignores cancellation still
// cannot hold the turn past the deadline.
func (o *Orchestrator) decide(ctx context.Context, t *turn, history *conversation.History) (*conversation.Decision, error) {
	profile := t.res.Profile
	if o.cfg.Breaker != nil {
		if err := o.cfg.Breaker.Allow(profile); err != nil {
			return nil, err
		}
	}

	pctx, cancel := context.WithTimeout(ctx, o.cfg.PolicyTimeout)
	defer cancel()

	type answer struct {
		dec *conversation.Decision
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- answer{err: fmt.Errorf("policy panic: %v", r)}
			}
		}()
		dec, err := o.cfg.Primary.Decide(pctx, &conversation.Input{
			History: history,
			Lead:    t.req.Lead,
			Catalog: o.catalog,
		})
		ch <- answer{dec, err}
	}()

	var a answer
	select {
	case a = <-ch:
		if a.err != nil && errors.Is(a.err, context.DeadlineExceeded) && pctx.Err() != nil {
			a.err = fmt.Errorf("%w after %s", ErrPolicyTimeout, o.cfg.PolicyTimeout)
		}
	case <-pctx.Done():
		a.err = fmt.Errorf("%w after %s", ErrPolicyTimeout, o.cfg.PolicyTimeout)
		if ctx.Err() != nil {
			a.err = fmt.Errorf("turn cancelled: %w", ctx.Err())
		}
	}
	if a.err == nil && (a.dec == nil || strings.TrimSpace(a.dec.ReplyText) == "") {
		a.err = conversation.ErrEmptyOutput
	}

	if o.cfg.Breaker != nil {
		if a.err != nil {
			o.cfg.Breaker.RecordFailure(profile)
		} else {
			o.cfg.Breaker.RecordSuccess(profile)
		}
	}
	return a.dec, a.err
}

func (o *Orchestrator) noteDecision(t *turn, dec *conversation.Decision) {
	res := t.res
	res.Policy = dec.Policy
	res.Model = dec.Model
	res.InputTokens = dec.InputTokens
	res.OutputTokens = dec.OutputTokens
	t.execution.Policy = dec.Policy
	t.execution.Model = dec.Model
	t.execution.Rounds = dec.Rounds
	t.execution.Tokens = evidence.TokenUsage{Input: dec.InputTokens, Output: dec.OutputTokens}
}

// fail moves the turn to ERROR. No action runs after this point and the
// customer gets the neutral "received" reply.
func (o *Orchestrator) fail(ctx context.Context, t *turn, err error) {
	from := t.state()
	t.enter(StateError)
	t.res.Err = err
	t.res.Outcome = OutcomeError
	t.res.Reply = o.cfg.Profile.Replies.Received
	if t.res.Reply == "" {
		t.res.Reply = policy.DefaultReceivedReply
	}
	t.execution.Error = err.Error()
	log.Error().
		Func(relayotel.LogTraceFields(ctx)).
		Err(err).
		Str("turn_id", t.res.TurnID).
		Str("correlation_id", t.res.CorrelationID).
		Str("state", string(from)).
		Str("lead_numbers_id", leadNumbersID(t.req)).
		Msg("turn_failed")
}

// failedCodes returns the error codes of actions that were attempted and
// failed. Rejected and skipped invocations never ran.
func failedCodes(results []action.Result) []string {
	var codes []string
	for _, r := range results {
		if r.Status != action.StatusFailed || r.Replayed {
			continue
		}
		code := "action_error"
		if r.Error != nil {
			code = r.Error.Code
		}
		codes = append(codes, code)
	}
	return codes
}

func (o *Orchestrator) deliver(ctx context.Context, t *turn) {
	if o.cfg.Sender == nil || t.req.Lead == nil || t.req.Lead.LeadNumbersID.Empty() {
		return
	}
	if t.req.DryRun {
		t.res.Delivery, _ = delivery.NopSender{}.Send(ctx, t.req.Lead.LeadNumbersID, t.res.Reply)
		return
	}

	// A gateway message id is replied to once. Without one, identical texts
	// are separate messages and each gets a reply.
	var key string
	if t.req.MessageID != "" && o.cfg.Ledger != nil {
		key = action.IdempotencyKey(action.DeliveryKey(t.req.MessageID, "", ""), replyLedgerAction, nil)
		prior, err := o.cfg.Ledger.Claim(ctx, key)
		switch {
		case prior != nil || errors.Is(err, action.ErrInFlight):
			log.Info().
				Func(relayotel.LogTraceFields(ctx)).
				Str("turn_id", t.res.TurnID).
				Str("message_id", t.req.MessageID).
				Msg("reply_redelivery_suppressed")
			t.res.Delivery = &delivery.Receipt{Channel: "none", Status: delivery.StatusReplayed}
			return
		case err != nil:
			log.Error().Err(err).Func(relayotel.LogTraceFields(ctx)).Str("turn_id", t.res.TurnID).Msg("reply_ledger_claim_failed")
			key = ""
		}
	}

	rc, err := o.cfg.Sender.Send(ctx, t.req.Lead.LeadNumbersID, t.res.Reply)
	if rc == nil {
		rc = &delivery.Receipt{Status: delivery.StatusFailed}
	}
	if err != nil && rc.Error == "" {
		rc.Error = "delivery_failed"
	}
	t.res.Delivery = rc

	if key == "" {
		return
	}
	if err != nil {
		err = o.cfg.Ledger.Release(ctx, key)
	} else {
		err = o.cfg.Ledger.Complete(ctx, key, &action.Result{Action: replyLedgerAction, Success: true, Status: action.StatusSucceeded})
	}
	if err != nil {
		log.Error().Err(err).Func(relayotel.LogTraceFields(ctx)).Str("turn_id", t.res.TurnID).Msg("reply_ledger_update_failed")
	}
}

// replyLedgerAction names the reply in ledger keys. It is not a catalog action.
const replyLedgerAction = "reply"

func (o *Orchestrator) record(ctx context.Context, t *turn) {
	if o.cfg.Evidence == nil {
		return
	}
	req, res := t.req, t.res
	t.execution.DurationMS = res.DurationMS

	params := evidence.GenerateParams{
		ID:             res.TurnID,
		CorrelationID:  res.CorrelationID,
		Profile:        res.Profile,
		ProfileVersion: o.cfg.Profile.VersionTag,
		InvocationType: req.InvocationType,
		Outcome:        string(res.Outcome),
		States:         stateNames(res.States),
		Guardrails:     guardrailsEntry(res.Verdict),
		Execution:      t.execution,
		Actions:        actionItems(res.Actions),
		Halted:         res.Halted,
		InputText:      req.Text,
		ReplyText:      res.Reply,
	}
	if params.InvocationType == "" {
		params.InvocationType = InvocationHTTP
	}
	if req.DryRun {
		params.InvocationType = InvocationDryRun
	}
	if req.Lead != nil {
		params.LeadID = req.Lead.LeadID.String()
		params.LeadNumbersID = req.Lead.LeadNumbersID.String()
		params.LeadStatus = string(req.Lead.Status)
	}
	if rc := res.Delivery; rc != nil {
		params.Delivery = &evidence.Delivery{Channel: rc.Channel, Status: rc.Status, Error: rc.Error}
	}

	rec, err := o.cfg.Evidence.Generate(ctx, params)
	if err != nil {
		log.Error().
			Func(relayotel.LogTraceFields(ctx)).
			Err(err).
			Str("turn_id", res.TurnID).
			Msg("failed_to_generate_evidence")
		return
	}
	res.EvidenceID = rec.ID
}

func guardrailsEntry(v *guardrail.Verdict) evidence.Guardrails {
	if v == nil {
		return evidence.Guardrails{}
	}
	g := evidence.Guardrails{Tripped: v.Tripped, Rewritten: v.Rewritten}
	for _, c := range v.Checks {
		g.Checks = append(g.Checks, evidence.CheckEntry{
			Name:              c.Name,
			Failed:            c.Failed,
			Unavailable:       c.Unavailable,
			Confidence:        c.Confidence,
			FlaggedCategories: c.FlaggedCategories,
			DetectedCounts:    c.DetectedCounts,
			Error:             c.Error,
		})
	}
	return g
}

func actionItems(results []action.Result) []evidence.ActionItem {
	out := make([]evidence.ActionItem, 0, len(results))
	for _, r := range results {
		item := evidence.ActionItem{
			Name:     r.Action,
			Status:   string(r.Status),
			Success:  r.Success,
			Replayed: r.Replayed,
			DryRun:   r.DryRun,
		}
		if r.Error != nil {
			item.ErrorCode = r.Error.Code
		}
		out = append(out, item)
	}
	return out
}

func stateNames(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func leadNumbersID(req *Request) string {
	if req.Lead == nil {
		return ""
	}
	return req.Lead.LeadNumbersID.String()
}
