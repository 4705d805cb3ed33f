// Package schema provides JSON Schema compilation and document validation
// for service contracts. Validation is structural and total: every document
// is classified as valid or invalid with a located reason, and validating
// the same document against the same schema always yields the same result.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrInvalid reports a schema document that is not itself a
	// well-formed contract. Such schemas are rejected at registration
	// time and never stored.
	ErrInvalid = errors.New("schema: invalid schema document")

	// ErrValidation is the sentinel wrapped by every ValidationError.
	ErrValidation = errors.New("schema: document does not match schema")
)

// ValidationError locates a structural mismatch between a document and a
// schema. Path is a JSON pointer into the document ("" means the root).
type ValidationError struct {
	Path   string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("schema: document invalid: %s", e.Reason)
	}
	return fmt.Sprintf("schema: document invalid at %s: %s", e.Path, e.Reason)
}

// Unwrap lets callers branch on errors.Is(err, ErrValidation).
func (e *ValidationError) Unwrap() error { return ErrValidation }

// Schema is a compiled contract plus the raw document it was compiled from.
type Schema struct {
	compiled *jsonschema.Schema
	raw      json.RawMessage
}

// Compile parses and compiles a schema document, verifying it is a
// well-formed contract. The compiler uses draft 2020-12 for documents that
// do not declare a $schema.
func Compile(doc json.RawMessage) (*Schema, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalid)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	if err := c.AddResource("contract.json", bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	compiled, err := c.Compile("contract.json")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	raw := make(json.RawMessage, len(doc))
	copy(raw, doc)
	return &Schema{compiled: compiled, raw: raw}, nil
}

// Raw returns the schema document this Schema was compiled from.
func (s *Schema) Raw() json.RawMessage { return s.raw }

// Validate checks a JSON document against the schema. It returns nil for a
// valid document and a *ValidationError for a structural mismatch. A
// document that is not valid JSON at all is a decode failure, reported
// separately from validation.
func (s *Schema) Validate(doc json.RawMessage) error {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("schema: decode document: %w", err)
	}
	return s.ValidateValue(v)
}

// ValidateValue checks an already-decoded JSON value against the schema.
func (s *Schema) ValidateValue(v any) error {
	err := s.compiled.Validate(v)
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := leafCause(ve)
		return &ValidationError{
			Path:   leaf.InstanceLocation,
			Reason: leaf.Message,
		}
	}
	// The validator only returns *ValidationError, but classify anything
	// unexpected as a root-level mismatch rather than letting it escape
	// untyped.
	return &ValidationError{Reason: err.Error()}
}

// leafCause walks to the most specific cause of a validation failure.
func leafCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}
