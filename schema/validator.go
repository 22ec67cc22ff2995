package schema

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Issue is a single validation finding, the same shape regardless of
// whether it originated from jsonschema-go or from this module's own
// bundle-loading code, so every caller across the module handles one type.
type Issue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Path     string `json:"path,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// ValidationResult is the outcome of validating a value against a Validator.
type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues"`
}

// Validator wraps a resolved schema and validates candidate replicant
// values against it.
type Validator struct {
	resolved *jsonschema.Resolved
	schema   *jsonschema.Schema
}

// NewValidator builds a Validator from a schema already resolved via
// ResolveRefs.
func NewValidator(schema *jsonschema.Schema, resolved *jsonschema.Resolved) *Validator {
	return &Validator{resolved: resolved, schema: schema}
}

// Validate reports whether value satisfies the wrapped schema, translating
// the library's validation error into this package's Issue shape. A nil
// Validator (a replicant declared without a schema) accepts every value, so
// callers may call Validate without checking for nil first.
func (v *Validator) Validate(value any) (bool, []Issue) {
	if v == nil || v.resolved == nil {
		return true, nil
	}
	if err := v.resolved.Validate(value); err != nil {
		return false, []Issue{{
			Code:     "SCHEMA_VALIDATION_FAILED",
			Message:  err.Error(),
			Severity: "error",
		}}
	}
	return true, nil
}

// ToResult packages a Validate call's return into the shared
// ValidationResult envelope used on the wire and in logs.
func ToResult(valid bool, issues []Issue) ValidationResult {
	if issues == nil {
		issues = []Issue{}
	}
	return ValidationResult{Valid: valid, Issues: issues}
}

// DefaultValue synthesizes a zero-ish value for resolved by walking its
// Type, Properties, Items, and Default fields. It is used when a replicant
// is declared with a schema but no explicit defaultValue: the bundle
// manifest supplies the schema, and the value has to come from somewhere.
func DefaultValue(s *jsonschema.Schema) any {
	if s == nil {
		return nil
	}
	if s.Default != nil {
		var v any
		if err := unmarshalDefault(s.Default, &v); err == nil {
			return v
		}
	}

	switch schemaType(s) {
	case "object":
		out := map[string]any{}
		for name, propSchema := range s.Properties {
			out[name] = DefaultValue(propSchema)
		}
		return out
	case "array":
		return []any{}
	case "string":
		return ""
	case "integer", "number":
		return 0.0
	case "boolean":
		return false
	default:
		return nil
	}
}

// schemaType extracts the first declared JSON type, defaulting to "object"
// when Type is unset — most replicant schemas describe an object root.
func schemaType(s *jsonschema.Schema) string {
	switch t := any(s.Type).(type) {
	case string:
		if t != "" {
			return t
		}
	case []string:
		if len(t) > 0 {
			return t[0]
		}
	}
	if len(s.Properties) > 0 {
		return "object"
	}
	if s.Items != nil {
		return "array"
	}
	return "object"
}

// unmarshalDefault re-decodes a jsonschema.Schema.Default value (typed as
// any by the library, already JSON-native in practice) into dst.
func unmarshalDefault(raw any, dst *any) error {
	*dst = raw
	if raw == nil {
		return fmt.Errorf("schema: nil default")
	}
	return nil
}
