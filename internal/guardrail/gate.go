// Package guardrail screens inbound customer messages before any model or
// side effect sees them. Checks run concurrently and the gate fails closed.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/movingally/smsrelay/internal/classifier"
	"github.com/movingally/smsrelay/internal/llm"
	relayotel "github.com/movingally/smsrelay/internal/otel"
)

var tracer = relayotel.Tracer("github.com/movingally/smsrelay/internal/guardrail")

// ErrBackendMissing is returned by NewGate when an enabled check has no
// backend to call.
var ErrBackendMissing = errors.New("guardrail backend not configured")

// Rewritable is anything whose free text mask mode rewrites in place.
type Rewritable interface {
	RewriteText(fn func(string) string) int
}

// CheckResult is the report entry for one check.
type CheckResult struct {
	Name              string   `json:"name"`
	Failed            bool     `json:"failed"`
	Unavailable       bool     `json:"unavailable,omitempty"`
	Confidence        float64  `json:"confidence,omitempty"`
	FlaggedCategories []string `json:"flagged_categories,omitempty"`
	DetectedCounts    []string `json:"detected_counts,omitempty"`
	Masked            bool     `json:"masked,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// Verdict is the outcome of screening one message. Tripped is true iff a
// non-mask check failed.
type Verdict struct {
	Tripped bool          `json:"tripped"`
	Checks  []CheckResult `json:"checks"`
	// Rewritten counts values changed by mask mode.
	Rewritten int `json:"rewritten,omitempty"`
}

// TrippedChecks names the checks that failed.
func (v *Verdict) TrippedChecks() []string {
	var out []string
	for _, c := range v.Checks {
		if c.Failed {
			out = append(out, c.Name)
		}
	}
	return out
}

// Reason is a compact description for operators, e.g. "moderation,jailbreak".
func (v *Verdict) Reason() string {
	return strings.Join(v.TrippedChecks(), ",")
}

// Gate runs the configured checks.
type Gate struct {
	cfg        Config
	moderator  llm.Moderator
	classifier llm.Provider
	pii        *classifier.Scanner
	injection  *classifier.InjectionScanner
}

// Option configures a Gate.
type Option func(*Gate)

// WithModerator sets the moderation backend.
func WithModerator(m llm.Moderator) Option { return func(g *Gate) { g.moderator = m } }

// WithClassifier sets the model used by jailbreak, nsfw and prompt
// injection checks.
func WithClassifier(p llm.Provider) Option { return func(g *Gate) { g.classifier = p } }

// WithPIIScanner replaces the scanner built from the PII config.
func WithPIIScanner(s *classifier.Scanner) Option { return func(g *Gate) { g.pii = s } }

// NewGate validates cfg and binds backends.
func NewGate(cfg Config, opts ...Option) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gate{cfg: cfg}
	for _, opt := range opts {
		opt(g)
	}
	if cfg.Moderation != nil && g.moderator == nil {
		return nil, fmt.Errorf("%s: %w", CheckModeration, ErrBackendMissing)
	}
	if cfg.NeedsClassifier() && g.classifier == nil {
		return nil, fmt.Errorf("classifier checks: %w", ErrBackendMissing)
	}
	if cfg.PII != nil && g.pii == nil {
		scannerOpts := []classifier.ScannerOption{classifier.WithEnabledEntities(cfg.PII.Entities)}
		if cfg.PII.MinScore > 0 {
			scannerOpts = append(scannerOpts, classifier.WithMinScore(cfg.PII.MinScore))
		}
		s, err := classifier.NewScanner(scannerOpts...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", CheckPII, err)
		}
		g.pii = s
	}
	if cfg.PromptInjection != nil {
		s, err := classifier.NewInjectionScanner()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", CheckPromptInjection, err)
		}
		g.injection = s
	}
	cfg.UnsupportedCategories()
	return g, nil
}

// Config returns the validated configuration.
func (g *Gate) Config() Config { return g.cfg }

// Screen runs every enabled check against text. Mask mode PII rewrites the
// given targets after all checks finish. Screen never returns an error: a
// check that cannot run is reported unavailable and, unless it fails open,
// trips the gate.
func (g *Gate) Screen(ctx context.Context, text string, targets ...Rewritable) *Verdict {
	ctx, span := tracer.Start(ctx, "guardrail.screen",
		trace.WithAttributes(attribute.StringSlice("guardrail.checks", g.cfg.Enabled())))
	defer span.End()

	type job struct {
		name string
		run  func(context.Context, string) CheckResult
	}
	var jobs []job
	if g.cfg.Moderation != nil {
		jobs = append(jobs, job{CheckModeration, g.checkModeration})
	}
	if g.cfg.Jailbreak != nil {
		jobs = append(jobs, job{CheckJailbreak, g.classifierCheck(CheckJailbreak, *g.cfg.Jailbreak)})
	}
	if g.cfg.NSFW != nil {
		jobs = append(jobs, job{CheckNSFW, g.classifierCheck(CheckNSFW, *g.cfg.NSFW)})
	}
	if g.cfg.PromptInjection != nil {
		jobs = append(jobs, job{CheckPromptInjection, g.checkPromptInjection})
	}
	if g.cfg.PII != nil {
		jobs = append(jobs, job{CheckPII, g.checkPII})
	}

	results := make([]CheckResult, len(jobs))
	var eg errgroup.Group
	for i, j := range jobs {
		i, j := i, j
		eg.Go(func() error {
			results[i] = g.runCheck(ctx, j.name, j.run, text)
			return nil
		})
	}
	_ = eg.Wait()

	v := &Verdict{Checks: results}
	for i := range results {
		r := &results[i]
		if r.Unavailable && !g.failOpen(r.Name) {
			r.Failed = true
		}
		if r.Failed {
			v.Tripped = true
		}
	}

	if g.cfg.PII != nil && !g.cfg.PII.Block {
		redact := func(s string) string { return g.pii.Redact(ctx, s) }
		for _, t := range targets {
			v.Rewritten += t.RewriteText(redact)
		}
	}

	span.SetAttributes(
		attribute.Bool("guardrail.tripped", v.Tripped),
		attribute.Int("guardrail.rewritten", v.Rewritten),
	)
	if v.Tripped {
		log.Info().
			Func(relayotel.LogTraceFields(ctx)).
			Strs("checks", v.TrippedChecks()).
			Msg("guardrail_tripped")
	}
	return v
}

func (g *Gate) runCheck(ctx context.Context, name string, run func(context.Context, string) CheckResult, text string) (res CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Func(relayotel.LogTraceFields(ctx)).Str("check", name).Interface("panic", r).Msg("guardrail_check_panic")
			res = CheckResult{Name: name, Unavailable: true, Error: fmt.Sprint(r)}
		}
	}()
	res = run(ctx, text)
	res.Name = name
	if res.Unavailable {
		log.Warn().Func(relayotel.LogTraceFields(ctx)).Str("check", name).Str("error", res.Error).Msg("guardrail_check_unavailable")
	}
	return res
}

func (g *Gate) failOpen(name string) bool {
	switch name {
	case CheckNSFW:
		return g.cfg.NSFW.FailOpen
	case CheckPromptInjection:
		return g.cfg.PromptInjection.FailOpen
	}
	return false
}

func unavailable(err error) CheckResult {
	return CheckResult{Unavailable: true, Error: err.Error()}
}

func detectedCounts(counts map[string]int) []string {
	out := make([]string, 0, len(counts))
	for t, n := range counts {
		out = append(out, fmt.Sprintf("%s:%d", t, n))
	}
	sort.Strings(out)
	return out
}
