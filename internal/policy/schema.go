package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// profileSchema is the JSON Schema for *.smsrelay.yaml deployment profiles.
const profileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "smsrelay deployment profile",
  "type": "object",
  "required": ["profile", "actions"],
  "additionalProperties": false,
  "definitions": {
    "classifier": {
      "type": ["object", "null"],
      "additionalProperties": false,
      "properties": {
        "model": {"type": "string", "minLength": 1},
        "confidence_threshold": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
        "fail_open": {"type": "boolean"},
        "local_min_severity": {"type": "integer", "minimum": 1, "maximum": 3},
        "local_only": {"type": "boolean"}
      }
    },
    "lead_status": {"type": "string", "enum": ["not_booked", "quote_generated", "quote_sent", "booked"]}
  },
  "properties": {
    "profile": {
      "type": "object",
      "required": ["name", "version"],
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string", "pattern": "^[a-z0-9_-]+$"},
        "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"},
        "description": {"type": "string"}
      }
    },
    "conversation": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "model": {"type": "string", "minLength": 1},
        "instructions_file": {"type": "string", "minLength": 1},
        "temperature": {"type": "number", "minimum": 0, "maximum": 2},
        "max_tokens": {"type": "integer", "minimum": 1},
        "max_rounds": {"type": "integer", "minimum": 1, "maximum": 10},
        "fallback_reply": {"type": "string", "minLength": 1}
      }
    },
    "guardrails": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "moderation": {
          "type": ["object", "null"],
          "additionalProperties": false,
          "properties": {
            "categories": {"type": "array", "items": {"type": "string"}},
            "model": {"type": "string"},
            "fail_open": {"type": "boolean"}
          }
        },
        "jailbreak": {"$ref": "#/definitions/classifier"},
        "nsfw": {"$ref": "#/definitions/classifier"},
        "prompt_injection": {"$ref": "#/definitions/classifier"},
        "pii": {
          "type": ["object", "null"],
          "additionalProperties": false,
          "properties": {
            "block": {"type": "boolean"},
            "entities": {"type": "array", "items": {"type": "string"}},
            "min_score": {"type": "number", "minimum": 0, "maximum": 1}
          }
        }
      }
    },
    "actions": {
      "type": "object",
      "required": ["enabled"],
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "array", "items": {"type": "string"}, "uniqueItems": true},
        "note_types": {"type": "array", "items": {"type": "string", "pattern": "^[a-z0-9_]+$"}, "minItems": 1},
        "note_channel": {"type": "string"},
        "link_delivery": {"type": "string", "enum": ["reply", "sms"]},
        "link_status": {
          "type": "object",
          "additionalProperties": {"type": "array", "items": {"$ref": "#/definitions/lead_status"}}
        },
        "dry_run": {"type": "boolean"}
      }
    },
    "replies": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "received": {"type": "string", "minLength": 1},
        "max_length": {"type": "integer", "minimum": 160, "maximum": 1600},
        "degraded": {"type": "object", "additionalProperties": {"type": "string", "minLength": 1}}
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(profileSchema))
	if err != nil {
		panic(fmt.Sprintf("compiling profile schema: %v", err))
	}
	return s
}

// ValidateSchema checks raw profile YAML against the profile JSON Schema.
func ValidateSchema(content []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("profile is empty")
	}

	jsonBytes, err := json.Marshal(normalizeYAML(doc))
	if err != nil {
		return fmt.Errorf("converting to JSON: %w", err)
	}

	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(jsonBytes))
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		var b strings.Builder
		b.WriteString("profile validation failed:\n")
		for _, e := range result.Errors() {
			fmt.Fprintf(&b, "- %s\n", e)
		}
		return fmt.Errorf("%s", b.String())
	}
	return nil
}

// normalizeYAML recursively converts map[interface{}]interface{} to
// map[string]interface{} so that json.Marshal can handle it.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[k] = normalizeYAML(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(v)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}
