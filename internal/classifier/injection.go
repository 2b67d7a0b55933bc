package classifier

import (
	"context"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/attribute"

	"github.com/movingally/smsrelay/patterns"
)

// InjectionPattern is a compiled prompt-injection recognizer.
type InjectionPattern struct {
	Name        string
	Description string
	Pattern     *regexp.Regexp
	Severity    int // 1-3
}

// InjectionAttempt is one match in scanned text.
type InjectionAttempt struct {
	Pattern  string `json:"pattern"`
	Position int    `json:"position"`
	Severity int    `json:"severity"`
}

// InjectionResult summarises an injection scan.
type InjectionResult struct {
	Attempts    []InjectionAttempt `json:"attempts"`
	MaxSeverity int                `json:"max_severity"`
	Safe        bool               `json:"safe"`
}

// InjectionScanner matches customer text against injection recognizers.
type InjectionScanner struct {
	patterns []InjectionPattern
}

// NewInjectionScanner compiles the embedded injection recognizers plus extra.
func NewInjectionScanner(extra ...RecognizerConfig) (*InjectionScanner, error) {
	rf, err := ParseRecognizerFile(patterns.InjectionYAML())
	if err != nil {
		return nil, fmt.Errorf("parsing embedded injection patterns: %w", err)
	}
	compiled, err := CompileInjectionPatterns(MergeRecognizers(rf.Recognizers, extra))
	if err != nil {
		return nil, err
	}
	return &InjectionScanner{patterns: compiled}, nil
}

// CompileInjectionPatterns compiles enabled recognizers, carrying severity.
func CompileInjectionPatterns(recognizers []RecognizerConfig) ([]InjectionPattern, error) {
	var out []InjectionPattern
	for i := range recognizers {
		rec := &recognizers[i]
		if !rec.isEnabled() {
			continue
		}
		for _, p := range rec.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compiling injection pattern %q in %q: %w", p.Name, rec.Name, err)
			}
			out = append(out, InjectionPattern{
				Name:        rec.Name,
				Description: p.Name,
				Pattern:     re,
				Severity:    rec.Severity,
			})
		}
	}
	return out, nil
}

// Scan reports every injection match in text.
func (s *InjectionScanner) Scan(ctx context.Context, text string) *InjectionResult {
	_, span := tracer.Start(ctx, "classifier.injection_scan")
	defer span.End()

	result := &InjectionResult{Attempts: []InjectionAttempt{}, Safe: true}
	for _, p := range s.patterns {
		for _, m := range p.Pattern.FindAllStringIndex(text, -1) {
			result.Attempts = append(result.Attempts, InjectionAttempt{
				Pattern:  p.Name,
				Position: m[0],
				Severity: p.Severity,
			})
			result.MaxSeverity = max(result.MaxSeverity, p.Severity)
			result.Safe = false
		}
	}

	span.SetAttributes(
		attribute.Int("injection.count", len(result.Attempts)),
		attribute.Int("injection.max_severity", result.MaxSeverity),
	)
	return result
}
