package classifier

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/movingally/smsrelay/patterns"
)

// RecognizerFile is the top-level layout of a recognizer YAML file.
type RecognizerFile struct {
	Recognizers []RecognizerConfig `yaml:"recognizers"`
}

// RecognizerConfig is one named recognizer: an entity, its regexes and the
// context words that raise confidence.
type RecognizerConfig struct {
	Name               string            `yaml:"name" json:"name"`
	SupportedEntity    string            `yaml:"supported_entity" json:"supported_entity"`
	Enabled            *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Patterns           []PatternConfig   `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	SupportedLanguages []LanguageContext `yaml:"supported_languages,omitempty" json:"supported_languages,omitempty"`
	Sensitivity        int               `yaml:"sensitivity,omitempty" json:"sensitivity,omitempty"`
	// Severity applies to injection recognizers only.
	Severity int `yaml:"severity,omitempty" json:"severity,omitempty"`
}

// PatternConfig is a single regex within a recognizer.
type PatternConfig struct {
	Name  string  `yaml:"name" json:"name"`
	Regex string  `yaml:"regex" json:"regex"`
	Score float64 `yaml:"score" json:"score"`
}

// LanguageContext holds context words for one language.
type LanguageContext struct {
	Language string   `yaml:"language" json:"language"`
	Context  []string `yaml:"context,omitempty" json:"context,omitempty"`
}

func (r *RecognizerConfig) isEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

func (r *RecognizerConfig) contextWords() []string {
	var words []string
	for _, lang := range r.SupportedLanguages {
		words = append(words, lang.Context...)
	}
	return words
}

// PIIPattern is a compiled recognizer regex ready for scanning.
type PIIPattern struct {
	Name         string
	Type         string
	Pattern      *regexp.Regexp
	Score        float64
	ContextWords []string
	Sensitivity  int
	ValidateLuhn bool
}

// ParseRecognizerFile parses recognizer YAML.
func ParseRecognizerFile(data []byte) (*RecognizerFile, error) {
	var rf RecognizerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing recognizer YAML: %w", err)
	}
	return &rf, nil
}

// LoadRecognizerFile reads a recognizer file from disk. A missing file
// yields (nil, nil) so an optional override path can be configured freely.
func LoadRecognizerFile(path string) (*RecognizerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recognizer file %s: %w", path, err)
	}
	return ParseRecognizerFile(data)
}

// DefaultRecognizers returns the embedded PII recognizers.
func DefaultRecognizers() ([]RecognizerConfig, error) {
	rf, err := ParseRecognizerFile(patterns.PIIUSYAML())
	if err != nil {
		return nil, fmt.Errorf("parsing embedded PII patterns: %w", err)
	}
	return rf.Recognizers, nil
}

// MergeRecognizers layers recognizer lists. A later entry with the same Name
// replaces the earlier one in place; new names are appended.
func MergeRecognizers(layers ...[]RecognizerConfig) []RecognizerConfig {
	index := make(map[string]int)
	var merged []RecognizerConfig
	for _, layer := range layers {
		for _, rc := range layer {
			if idx, ok := index[rc.Name]; ok {
				merged[idx] = rc
				continue
			}
			index[rc.Name] = len(merged)
			merged = append(merged, rc)
		}
	}
	return merged
}

// FilterByEntities keeps recognizers whose entity is in enabled (when
// non-empty) and drops those in disabled.
func FilterByEntities(recognizers []RecognizerConfig, enabled, disabled []string) []RecognizerConfig {
	allow := toSet(enabled)
	deny := toSet(disabled)
	var out []RecognizerConfig
	for _, r := range recognizers {
		if len(allow) > 0 && !allow[r.SupportedEntity] {
			continue
		}
		if deny[r.SupportedEntity] {
			continue
		}
		out = append(out, r)
	}
	return out
}

// CompilePIIPatterns compiles every pattern of every enabled recognizer.
func CompilePIIPatterns(recognizers []RecognizerConfig) ([]PIIPattern, error) {
	var out []PIIPattern
	for i := range recognizers {
		rec := &recognizers[i]
		if !rec.isEnabled() {
			continue
		}
		for _, p := range rec.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compiling pattern %q in recognizer %q: %w", p.Name, rec.Name, err)
			}
			out = append(out, PIIPattern{
				Name:         rec.Name,
				Type:         EntityType(rec.SupportedEntity),
				Pattern:      re,
				Score:        p.Score,
				ContextWords: rec.contextWords(),
				Sensitivity:  rec.Sensitivity,
				ValidateLuhn: rec.SupportedEntity == "CREDIT_CARD",
			})
		}
	}
	return out, nil
}

var entityTypeMap = map[string]string{
	"EMAIL_ADDRESS": "email",
	"PHONE_NUMBER":  "phone",
	"US_SSN":        "ssn",
	"CREDIT_CARD":   "credit_card",
	"IP_ADDRESS":    "ip_address",
}

// EntityType maps a recognizer entity name to the lower_snake type used in
// reports and placeholders ("EMAIL_ADDRESS" -> "email").
func EntityType(entity string) string {
	if t, ok := entityTypeMap[entity]; ok {
		return t
	}
	return strings.ToLower(entity)
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
