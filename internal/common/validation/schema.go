package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Summary joins the errors into one line, sorted by field for stable output.
func (r *ValidationResult) Summary() string {
	if r == nil || r.Valid {
		return ""
	}
	errs := append([]ValidationError(nil), r.Errors...)
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })

	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return strings.Join(parts, "; ")
}

// PayloadValidator checks generation payloads against a compiled JSON schema.
type PayloadValidator struct {
	schema *gojsonschema.Schema
}

// NewPayloadValidator compiles schema once so it can be reused per call.
func NewPayloadValidator(schema map[string]interface{}) (*PayloadValidator, error) {
	compiled, err := CompileSchema(schema)
	if err != nil {
		return nil, err
	}
	return &PayloadValidator{schema: compiled}, nil
}

// CompileSchema compiles a JSON schema expressed as a Go map.
func CompileSchema(schema map[string]interface{}) (*gojsonschema.Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

func (v *PayloadValidator) Validate(payload map[string]interface{}) *ValidationResult {
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return &ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Field: "(root)", Message: err.Error(), Code: "SCHEMA_ERROR"}},
		}
	}
	if result.Valid() {
		return &ValidationResult{Valid: true}
	}

	errs := make([]ValidationError, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, ValidationError{
			Field:   e.Field(),
			Message: e.Description(),
			Code:    strings.ToUpper(e.Type()),
		})
	}
	return &ValidationResult{Valid: false, Errors: errs}
}

// ProducesSchema builds an object schema requiring every produced key and
// merges in an optional step specific schema. Keys present in extra win over
// the generated ones, except that required lists are unioned.
func ProducesSchema(produces []string, extra map[string]interface{}) map[string]interface{} {
	required := make([]interface{}, 0, len(produces))
	seen := make(map[string]bool, len(produces))
	for _, key := range produces {
		if !seen[key] {
			seen[key] = true
			required = append(required, key)
		}
	}

	properties := make(map[string]interface{})
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}

	for k, v := range extra {
		switch k {
		case "properties":
			if props, ok := v.(map[string]interface{}); ok {
				for name, prop := range props {
					properties[name] = prop
				}
			}
		case "required":
			for _, key := range toStrings(v) {
				if !seen[key] {
					seen[key] = true
					required = append(required, key)
				}
			}
		default:
			schema[k] = v
		}
	}

	for _, key := range produces {
		if _, ok := properties[key]; !ok {
			properties[key] = map[string]interface{}{}
		}
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func toStrings(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, val := range vals {
			if s, ok := val.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ==========================
// Struct validation
// ==========================

// StructValidator validates struct tags with go-playground/validator.
type StructValidator struct {
	validate *validator.Validate
}

func NewStructValidator() *StructValidator {
	return &StructValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// ValidateStruct returns a result listing each failed field constraint.
func (s *StructValidator) ValidateStruct(v interface{}) *ValidationResult {
	err := s.validate.Struct(v)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return &ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Field: "(root)", Message: err.Error(), Code: "INVALID"}},
		}
	}

	errs := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fmt.Sprintf("failed '%s' constraint", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed '%s=%s' constraint", fe.Tag(), fe.Param())
		}
		errs = append(errs, ValidationError{
			Field:   fe.Namespace(),
			Message: msg,
			Code:    strings.ToUpper(fe.Tag()),
		})
	}
	return &ValidationResult{Valid: false, Errors: errs}
}
