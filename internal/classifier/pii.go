// Package classifier detects PII and prompt-injection markers in customer
// text using regex recognizers loaded from YAML.
package classifier

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	relayotel "github.com/movingally/smsrelay/internal/otel"
)

var tracer = relayotel.Tracer("github.com/movingally/smsrelay/internal/classifier")

const (
	// DefaultMinScore drops matches below this confidence unless a context
	// word lifts them over it.
	DefaultMinScore = 0.5

	// ContextBoost is added to a match's score when a context word is near.
	ContextBoost = 0.35

	// ContextWindowChars is how far either side of a match context words are searched.
	ContextWindowChars = 100
)

// PIIEntity is one detected span.
type PIIEntity struct {
	Type        string  `json:"type"`
	Value       string  `json:"-"`
	Position    int     `json:"position"`
	Length      int     `json:"length"`
	Confidence  float64 `json:"confidence"`
	Sensitivity int     `json:"sensitivity"`
}

// Classification is the result of scanning one text.
type Classification struct {
	HasPII   bool        `json:"has_pii"`
	Entities []PIIEntity `json:"entities"`
}

// Counts returns detected entities per type.
func (c *Classification) Counts() map[string]int {
	counts := make(map[string]int)
	for _, e := range c.Entities {
		counts[e.Type]++
	}
	return counts
}

// Scanner detects and redacts PII.
type Scanner struct {
	patterns []PIIPattern
	minScore float64
}

// ScannerOption configures a Scanner.
type ScannerOption func(*scannerConfig)

type scannerConfig struct {
	patternFile       string
	enabledEntities   []string
	disabledEntities  []string
	customRecognizers []RecognizerConfig
	minScore          float64
}

// WithMinScore overrides DefaultMinScore.
func WithMinScore(score float64) ScannerOption {
	return func(c *scannerConfig) { c.minScore = score }
}

// WithPatternFile layers recognizers from a YAML file over the defaults.
// A missing file is ignored.
func WithPatternFile(path string) ScannerOption {
	return func(c *scannerConfig) { c.patternFile = path }
}

// WithEnabledEntities restricts scanning to the named entities.
func WithEnabledEntities(entities []string) ScannerOption {
	return func(c *scannerConfig) { c.enabledEntities = entities }
}

// WithDisabledEntities excludes the named entities.
func WithDisabledEntities(entities []string) ScannerOption {
	return func(c *scannerConfig) { c.disabledEntities = entities }
}

// WithCustomRecognizers adds recognizers on top of defaults and the pattern file.
func WithCustomRecognizers(recognizers []RecognizerConfig) ScannerOption {
	return func(c *scannerConfig) { c.customRecognizers = recognizers }
}

// NewScanner builds a scanner from the embedded defaults plus options.
func NewScanner(opts ...ScannerOption) (*Scanner, error) {
	var cfg scannerConfig
	for _, o := range opts {
		o(&cfg)
	}

	defaults, err := DefaultRecognizers()
	if err != nil {
		return nil, fmt.Errorf("loading default recognizers: %w", err)
	}

	var fileRecs []RecognizerConfig
	if cfg.patternFile != "" {
		rf, err := LoadRecognizerFile(cfg.patternFile)
		if err != nil {
			return nil, fmt.Errorf("loading pattern file: %w", err)
		}
		if rf != nil {
			fileRecs = rf.Recognizers
		}
	}

	merged := MergeRecognizers(defaults, fileRecs, cfg.customRecognizers)
	merged = FilterByEntities(merged, cfg.enabledEntities, cfg.disabledEntities)

	compiled, err := CompilePIIPatterns(merged)
	if err != nil {
		return nil, fmt.Errorf("compiling patterns: %w", err)
	}

	minScore := DefaultMinScore
	if cfg.minScore > 0 {
		minScore = cfg.minScore
	}
	return &Scanner{patterns: compiled, minScore: minScore}, nil
}

// MustNewScanner is NewScanner that panics on error.
func MustNewScanner(opts ...ScannerOption) *Scanner {
	s, err := NewScanner(opts...)
	if err != nil {
		panic(fmt.Sprintf("classifier.NewScanner: %v", err))
	}
	return s
}

// Scan finds PII spans in text. Credit-card candidates must pass Luhn.
func (s *Scanner) Scan(ctx context.Context, text string) *Classification {
	_, span := tracer.Start(ctx, "classifier.scan")
	defer span.End()

	result := &Classification{Entities: []PIIEntity{}}
	for _, p := range s.patterns {
		for _, m := range p.Pattern.FindAllStringIndex(text, -1) {
			value := text[m[0]:m[1]]
			if p.ValidateLuhn && !luhnValid(stripNonDigits(value)) {
				continue
			}
			confidence := boostWithContext(text, m[0], p.Score, p.ContextWords)
			if confidence < s.minScore {
				continue
			}
			result.Entities = append(result.Entities, PIIEntity{
				Type:        p.Type,
				Value:       value,
				Position:    m[0],
				Length:      m[1] - m[0],
				Confidence:  confidence,
				Sensitivity: p.Sensitivity,
			})
		}
	}
	result.HasPII = len(result.Entities) > 0

	span.SetAttributes(
		attribute.Bool("pii.detected", result.HasPII),
		attribute.Int("pii.entity_count", len(result.Entities)),
	)
	return result
}

// Redact replaces each detected span with an upper-case type placeholder
// such as "[EMAIL]". Overlapping spans collapse into one placeholder typed
// by the most sensitive match. Placeholders never match a recognizer, so
// Redact(Redact(x)) == Redact(x).
func (s *Scanner) Redact(ctx context.Context, text string) string {
	ctx, span := tracer.Start(ctx, "classifier.redact")
	defer span.End()

	c := s.Scan(ctx, text)
	if !c.HasPII {
		return text
	}
	return applyRedaction(text, c.Entities)
}

type redactSpan struct {
	start, end  int
	ptype       string
	sensitivity int
}

func applyRedaction(text string, entities []PIIEntity) string {
	spans := make([]redactSpan, len(entities))
	for i, e := range entities {
		spans[i] = redactSpan{start: e.Position, end: e.Position + e.Length, ptype: e.Type, sensitivity: e.Sensitivity}
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end-spans[i].start > spans[j].end-spans[j].start
	})

	var merged []redactSpan
	for _, sp := range spans {
		if n := len(merged); n > 0 && sp.start < merged[n-1].end {
			last := &merged[n-1]
			if sp.sensitivity > last.sensitivity {
				last.ptype, last.sensitivity = sp.ptype, sp.sensitivity
			}
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, sp := range merged {
		b.WriteString(text[prev:sp.start])
		b.WriteString(Placeholder(sp.ptype))
		prev = sp.end
	}
	b.WriteString(text[prev:])
	return b.String()
}

// Placeholder returns the redaction token for an entity type.
func Placeholder(entityType string) string {
	return "[" + strings.ToUpper(entityType) + "]"
}

var placeholderRe = regexp.MustCompile(`\[[A-Z][A-Z_]*\]`)

// ContainsPlaceholder reports whether s carries a redaction token. Values
// copied from redacted history must never be written back to the CRM.
func ContainsPlaceholder(s string) bool {
	return placeholderRe.MatchString(s)
}

func luhnValid(number string) bool {
	n := len(number)
	if n < 2 {
		return false
	}
	sum := 0
	alt := false
	for i := n - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

func boostWithContext(text string, position int, base float64, words []string) float64 {
	if len(words) == 0 {
		return base
	}
	start := max(0, position-ContextWindowChars)
	end := min(len(text), position+ContextWindowChars)
	window := strings.ToLower(text[start:end])
	for _, w := range words {
		if strings.Contains(window, strings.ToLower(w)) {
			return base + ContextBoost
		}
	}
	return base
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, ch := range s {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		}
	}
	return b.String()
}
