package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// schemaV1 is the JSON Schema for the runtime policy file.
const schemaV1 = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Runtime policy",
  "type": "object",
  "required": ["version", "platform"],
  "additionalProperties": false,
  "definitions": {
    "names": {"type": "array", "items": {"type": "string", "minLength": 1}}
  },
  "properties": {
    "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"},
    "platform": {
      "type": "object",
      "required": ["enabled_models"],
      "additionalProperties": false,
      "properties": {
        "blocked_tools": {"$ref": "#/definitions/names"},
        "enabled_models": {"$ref": "#/definitions/names", "minItems": 1},
        "default_model": {"type": "string"},
        "safe_fallback_model": {"type": "string"},
        "model_context_lengths": {"type": "object", "additionalProperties": {"type": "integer", "minimum": 1}},
        "approval_required_tools": {"$ref": "#/definitions/names"},
        "max_tool_rounds": {"type": "integer", "minimum": 1, "maximum": 16},
        "temperature": {"type": "number", "minimum": 0, "maximum": 2},
        "max_tokens": {"type": "integer", "minimum": 1}
      }
    },
    "tools": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "read_only": {"type": "boolean"},
          "integration": {"type": "string"}
        }
      }
    },
    "presets": {"type": "object", "additionalProperties": {"$ref": "#/definitions/names"}},
    "channel_restrictions": {"type": "object", "additionalProperties": {"$ref": "#/definitions/names"}},
    "orgs": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "enabled_tools": {"$ref": "#/definitions/names"},
          "disabled_tools": {"$ref": "#/definitions/names"},
          "connected_integrations": {"$ref": "#/definitions/names"},
          "enabled_models": {"$ref": "#/definitions/names"},
          "default_model": {"type": "string"},
          "approval_required_tools": {"$ref": "#/definitions/names"},
          "knowledge_disabled": {"type": "boolean"}
        }
      }
    },
    "agents": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["org_id"],
        "additionalProperties": false,
        "properties": {
          "org_id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "profile": {"type": "string"},
          "enabled_tools": {"$ref": "#/definitions/names"},
          "disabled_tools": {"$ref": "#/definitions/names"},
          "autonomy": {"type": "string", "enum": ["autonomous", "supervised", "draft_only"]},
          "primary_model": {"type": "string"},
          "system_prompt": {"type": "string"}
        }
      }
    },
    "escalation": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "disabled": {"type": "boolean"},
        "human_patterns": {"$ref": "#/definitions/names"},
        "urgent_patterns": {"$ref": "#/definitions/names"},
        "negative_keywords": {"$ref": "#/definitions/names"},
        "sentiment_window": {"type": "integer", "minimum": 1},
        "sentiment_threshold": {"type": "integer", "minimum": 1},
        "tool_failure_threshold": {"type": "integer", "minimum": 1},
        "uncertainty_phrases": {"$ref": "#/definitions/names"},
        "uncertainty_window": {"type": "integer", "minimum": 1},
        "uncertainty_threshold": {"type": "integer", "minimum": 1},
        "loop_window": {"type": "integer", "minimum": 2},
        "loop_prefix_runes": {"type": "integer", "minimum": 1},
        "urgency": {
          "type": "object",
          "propertyNames": {"enum": ["pattern", "sentiment", "tool_failure", "uncertainty", "response_loop"]},
          "additionalProperties": {"type": "string", "enum": ["low", "normal", "high"]}
        },
        "reminder_delay": {"type": "string", "pattern": "^[0-9]+(ms|s|m|h)$"},
        "hold_messages": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    }
  }
}`

// ValidateSchema validates YAML policy bytes against the JSON schema.
// The YAML is first converted to JSON because gojsonschema operates on JSON.
func ValidateSchema(yamlBytes []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(yamlBytes, &raw); err != nil {
		return fmt.Errorf("parsing YAML for schema validation: %w", err)
	}
	jsonBytes, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return fmt.Errorf("converting YAML to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schemaV1), gojsonschema.NewBytesLoader(jsonBytes))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var b strings.Builder
		for _, verr := range result.Errors() {
			fmt.Fprintf(&b, "- %s\n", verr)
		}
		return fmt.Errorf("schema validation errors:\n%s", b.String())
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
