// Package patterns holds the embedded recognizer definitions used by the
// PII scanner and the local prompt-injection scanner. Files use the
// Presidio recognizer YAML layout plus sensitivity/severity fields.
package patterns

import _ "embed"

//go:embed pii_us.yaml
var piiUSYAML []byte

//go:embed injection.yaml
var injectionYAML []byte

// PIIUSYAML returns the default PII recognizers.
func PIIUSYAML() []byte { return piiUSYAML }

// InjectionYAML returns the default prompt-injection recognizers.
func InjectionYAML() []byte { return injectionYAML }
