package guardrail

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Check names as they appear in reports and profiles.
const (
	CheckModeration      = "moderation"
	CheckJailbreak       = "jailbreak"
	CheckNSFW            = "nsfw"
	CheckPromptInjection = "prompt_injection"
	CheckPII             = "pii"
)

// DefaultClassifierModel is used when a classifier check names no model.
const DefaultClassifierModel = "gpt-4.1-mini"

// DefaultConfidenceThreshold applies when a classifier check sets none.
const DefaultConfidenceThreshold = 0.7

// DefaultLocalMinSeverity is the pattern severity that trips prompt
// injection without a model call.
const DefaultLocalMinSeverity = 3

// DefaultModerationCategories are screened when a profile enables
// moderation without listing categories.
var DefaultModerationCategories = []string{
	"sexual/minors",
	"hate/threatening",
	"harassment/threatening",
	"self-harm/instructions",
	"violence/graphic",
	"illicit/violent",
}

// KnownModerationCategories are the categories the moderation backend
// reports.
var KnownModerationCategories = []string{
	"harassment", "harassment/threatening",
	"hate", "hate/threatening",
	"self-harm", "self-harm/intent", "self-harm/instructions",
	"sexual", "sexual/minors",
	"violence", "violence/graphic",
}

// ErrFailOpenNotAllowed rejects fail_open on checks that must fail closed.
var ErrFailOpenNotAllowed = errors.New("fail_open is not permitted for this check")

// Config selects and tunes checks. A nil section disables that check.
type Config struct {
	Moderation      *ModerationConfig `yaml:"moderation,omitempty" json:"moderation,omitempty"`
	Jailbreak       *ClassifierConfig `yaml:"jailbreak,omitempty" json:"jailbreak,omitempty"`
	NSFW            *ClassifierConfig `yaml:"nsfw,omitempty" json:"nsfw,omitempty"`
	PromptInjection *InjectionConfig  `yaml:"prompt_injection,omitempty" json:"prompt_injection,omitempty"`
	PII             *PIIConfig        `yaml:"pii,omitempty" json:"pii,omitempty"`
}

// ModerationConfig configures the moderation check.
type ModerationConfig struct {
	Categories []string `yaml:"categories,omitempty" json:"categories,omitempty"`
	Model      string   `yaml:"model,omitempty" json:"model,omitempty"`
	FailOpen   bool     `yaml:"fail_open,omitempty" json:"fail_open,omitempty"`
}

// ClassifierConfig configures an LLM classifier check.
type ClassifierConfig struct {
	Model               string  `yaml:"model,omitempty" json:"model,omitempty"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold,omitempty" json:"confidence_threshold,omitempty"`
	FailOpen            bool    `yaml:"fail_open,omitempty" json:"fail_open,omitempty"`
}

// InjectionConfig configures prompt injection screening. The local pattern
// scan always runs; the model classifier runs unless LocalOnly is set.
type InjectionConfig struct {
	ClassifierConfig `yaml:",inline"`
	LocalMinSeverity int  `yaml:"local_min_severity,omitempty" json:"local_min_severity,omitempty"`
	LocalOnly        bool `yaml:"local_only,omitempty" json:"local_only,omitempty"`
}

// PIIConfig configures PII screening. Block false is mask mode.
type PIIConfig struct {
	Block    bool     `yaml:"block" json:"block"`
	Entities []string `yaml:"entities,omitempty" json:"entities,omitempty"`
	MinScore float64  `yaml:"min_score,omitempty" json:"min_score,omitempty"`
}

// Validate rejects invalid thresholds and fail_open on moderation or
// jailbreak, and fills defaults.
func (c *Config) Validate() error {
	if c.Moderation != nil {
		if c.Moderation.FailOpen {
			return fmt.Errorf("%s: %w", CheckModeration, ErrFailOpenNotAllowed)
		}
		if len(c.Moderation.Categories) == 0 {
			c.Moderation.Categories = append([]string(nil), DefaultModerationCategories...)
		}
	}
	if c.Jailbreak != nil && c.Jailbreak.FailOpen {
		return fmt.Errorf("%s: %w", CheckJailbreak, ErrFailOpenNotAllowed)
	}
	for name, cc := range map[string]*ClassifierConfig{
		CheckJailbreak:       c.Jailbreak,
		CheckNSFW:            c.NSFW,
		CheckPromptInjection: c.injectionClassifier(),
	} {
		if cc == nil {
			continue
		}
		if cc.Model == "" {
			cc.Model = DefaultClassifierModel
		}
		if cc.ConfidenceThreshold == 0 {
			cc.ConfidenceThreshold = DefaultConfidenceThreshold
		}
		if cc.ConfidenceThreshold < 0 || cc.ConfidenceThreshold > 1 {
			return fmt.Errorf("%s: confidence_threshold must be in (0, 1], got %v", name, cc.ConfidenceThreshold)
		}
	}
	if c.PromptInjection != nil {
		if c.PromptInjection.LocalMinSeverity == 0 {
			c.PromptInjection.LocalMinSeverity = DefaultLocalMinSeverity
		}
		if s := c.PromptInjection.LocalMinSeverity; s < 1 || s > 3 {
			return fmt.Errorf("%s: local_min_severity must be 1-3, got %d", CheckPromptInjection, s)
		}
	}
	if c.PII != nil && (c.PII.MinScore < 0 || c.PII.MinScore > 1) {
		return fmt.Errorf("%s: min_score must be in [0, 1], got %v", CheckPII, c.PII.MinScore)
	}
	return nil
}

func (c *Config) injectionClassifier() *ClassifierConfig {
	if c.PromptInjection == nil {
		return nil
	}
	return &c.PromptInjection.ClassifierConfig
}

// UnsupportedCategories returns configured moderation categories the
// backend never reports, logging a warning for each.
func (c *Config) UnsupportedCategories() []string {
	if c.Moderation == nil {
		return nil
	}
	known := make(map[string]bool, len(KnownModerationCategories))
	for _, k := range KnownModerationCategories {
		known[k] = true
	}
	var out []string
	for _, cat := range c.Moderation.Categories {
		if !known[cat] {
			out = append(out, cat)
			log.Warn().Str("category", cat).Msg("moderation_category_not_reported")
		}
	}
	return out
}

// Enabled lists enabled checks in report order.
func (c *Config) Enabled() []string {
	var out []string
	if c.Moderation != nil {
		out = append(out, CheckModeration)
	}
	if c.Jailbreak != nil {
		out = append(out, CheckJailbreak)
	}
	if c.NSFW != nil {
		out = append(out, CheckNSFW)
	}
	if c.PromptInjection != nil {
		out = append(out, CheckPromptInjection)
	}
	if c.PII != nil {
		out = append(out, CheckPII)
	}
	return out
}

// NeedsClassifier reports whether any check calls the classifier model.
func (c *Config) NeedsClassifier() bool {
	return c.Jailbreak != nil || c.NSFW != nil || (c.PromptInjection != nil && !c.PromptInjection.LocalOnly)
}
