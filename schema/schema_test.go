package schema_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/haldane/conduit/schema"
)

const echoContract = `{
	"type": "object",
	"required": ["msg"],
	"properties": {
		"msg": {"type": "string"}
	}
}`

func mustCompile(t *testing.T, doc string) *schema.Schema {
	t.Helper()
	s, err := schema.Compile(json.RawMessage(doc))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return s
}

func TestCompileRejectsMalformedSchema(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not JSON", `{"type": "object"`},
		{"empty", ``},
		{"bad type keyword", `{"type": "integerish"}`},
		{"bad required", `{"type": "object", "required": "msg"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := schema.Compile(json.RawMessage(tt.doc))
			if !errors.Is(err, schema.ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestValidateTypes(t *testing.T) {
	s := mustCompile(t, `{
		"type": "object",
		"required": ["s", "n", "b", "a", "o", "z"],
		"properties": {
			"s": {"type": "string"},
			"n": {"type": "number"},
			"b": {"type": "boolean"},
			"a": {"type": "array", "items": {"type": "integer"}},
			"o": {"type": "object"},
			"z": {"type": "null"}
		}
	}`)

	valid := `{"s": "x", "n": 1.5, "b": true, "a": [1, 2], "o": {}, "z": null}`
	if err := s.Validate(json.RawMessage(valid)); err != nil {
		t.Fatalf("expected valid document, got %v", err)
	}

	invalid := `{"s": 5, "n": 1.5, "b": true, "a": [1, 2], "o": {}, "z": null}`
	err := s.Validate(json.RawMessage(invalid))
	var ve *schema.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if ve.Path != "/s" {
		t.Errorf("expected path /s, got %q", ve.Path)
	}
}

func TestValidateRequired(t *testing.T) {
	s := mustCompile(t, echoContract)

	err := s.Validate(json.RawMessage(`{}`))
	var ve *schema.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if !errors.Is(err, schema.ErrValidation) {
		t.Error("ValidationError should wrap ErrValidation")
	}
}

func TestValidateNested(t *testing.T) {
	s := mustCompile(t, `{
		"type": "object",
		"required": ["spec"],
		"properties": {
			"spec": {
				"type": "object",
				"required": ["points"],
				"properties": {
					"points": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["x"],
							"properties": {"x": {"type": "number"}}
						}
					}
				}
			}
		}
	}`)

	if err := s.Validate(json.RawMessage(`{"spec": {"points": [{"x": 1}, {"x": 2.5}]}}`)); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}

	err := s.Validate(json.RawMessage(`{"spec": {"points": [{"x": "one"}]}}`))
	var ve *schema.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if ve.Path != "/spec/points/0/x" {
		t.Errorf("expected nested path, got %q", ve.Path)
	}
}

func TestValidateEnum(t *testing.T) {
	s := mustCompile(t, `{
		"type": "object",
		"properties": {
			"mode": {"enum": ["fast", "precise"]}
		}
	}`)

	if err := s.Validate(json.RawMessage(`{"mode": "fast"}`)); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if err := s.Validate(json.RawMessage(`{"mode": "sloppy"}`)); err == nil {
		t.Fatal("expected enum violation")
	}
}

func TestValidateMalformedDocumentIsDecodeFailure(t *testing.T) {
	s := mustCompile(t, echoContract)

	err := s.Validate(json.RawMessage(`{"msg": `))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		t.Fatal("malformed JSON must not be classified as a validation error")
	}
}

func TestValidateDeterministic(t *testing.T) {
	s := mustCompile(t, echoContract)
	doc := json.RawMessage(`{"msg": "hi"}`)

	// A document accepted once is accepted again: validation has no
	// side effects.
	for range 3 {
		if err := s.Validate(doc); err != nil {
			t.Fatalf("expected valid on every pass, got %v", err)
		}
	}

	bad := json.RawMessage(`{"msg": 5}`)
	for range 3 {
		if err := s.Validate(bad); err == nil {
			t.Fatal("expected invalid on every pass")
		}
	}
}

func TestRawRoundTrip(t *testing.T) {
	s := mustCompile(t, echoContract)
	if string(s.Raw()) != echoContract {
		t.Errorf("Raw() should return the original document")
	}
}
