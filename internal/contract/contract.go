// Package contract enforces typed output contracts on stage results.
//
// A Schema is compiled once at stage registration; malformed schema
// descriptors are configuration errors and never surface during task
// processing. Validation is pure: the same (result, schema) pair always
// yields the same verdict, and every violated field is reported, not just
// the first.
package contract

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// FieldViolation describes a single contract violation.
type FieldViolation struct {
	Field       string `json:"field"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// Result is the outcome of validating a raw stage result.
type Result struct {
	// Value holds the decoded document when validation passed.
	Value map[string]any `json:"value,omitempty"`

	// Violations enumerates every violated field when validation failed.
	Violations []FieldViolation `json:"violations,omitempty"`
}

// Valid reports whether the result passed the contract.
func (r *Result) Valid() bool {
	return len(r.Violations) == 0
}

// Schema is a compiled output contract for one stage capability.
type Schema struct {
	name     string
	compiled *gojsonschema.Schema
}

// Compile parses and compiles a JSON Schema descriptor. A malformed
// descriptor is a configuration error, raised here and never at request
// time.
func Compile(name string, raw []byte) (*Schema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("schema %q: empty descriptor", name)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema %q: malformed descriptor: %w", name, err)
	}
	return &Schema{name: name, compiled: compiled}, nil
}

// Name returns the schema identifier.
func (s *Schema) Name() string {
	return s.name
}

// Validate checks a raw stage result against the contract. It is
// side-effect-free and deterministic. A result that is not valid JSON, or
// not a JSON object, is reported as a document-level violation rather than
// an error.
func (s *Schema) Validate(raw []byte) *Result {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &Result{Violations: []FieldViolation{{
			Field:       "(document)",
			Kind:        "invalid_json",
			Description: fmt.Sprintf("result is not a JSON object: %v", err),
		}}}
	}

	res, err := s.compiled.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		// The loader already parsed above; treat residual load failures as
		// document-level violations to keep validation error-free.
		return &Result{Violations: []FieldViolation{{
			Field:       "(document)",
			Kind:        "unreadable",
			Description: err.Error(),
		}}}
	}

	if !res.Valid() {
		violations := make([]FieldViolation, 0, len(res.Errors()))
		for _, verr := range res.Errors() {
			violations = append(violations, FieldViolation{
				Field:       verr.Field(),
				Kind:        verr.Type(),
				Description: verr.Description(),
			})
		}
		return &Result{Violations: violations}
	}

	return &Result{Value: doc}
}
