// Package schema provides JSON Schema validation for state addresses,
// so a host application can reject malformed /fader or /bpm writes
// before they ever reach the state store (spec §9 domain-stack item 4).
// Validation is opt-in per address prefix; an address with no
// registered schema always passes.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a compiled JSON Schema bound to one address prefix.
type Schema struct {
	Prefix     string
	Definition json.RawMessage
	compiled   *gojsonschema.Schema
}

// ViolationError reports one field-level schema failure (caller-facing,
// returned wrapped in ErrSchemaViolation by the engine).
type ViolationError struct {
	Field       string
	Description string
}

func (e ViolationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Description)
}

// Result is the outcome of validating a payload against a prefix's schema.
type Result struct {
	Valid      bool
	Violations []ViolationError
}

// Registry maps address prefixes (e.g. "/fader", "/bpm") to schemas.
// The longest matching registered prefix wins.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// RegisterStateSchema compiles definition and binds it to every state
// address starting with prefix (spec §9: per-address-prefix validation).
func (r *Registry) RegisterStateSchema(prefix string, definition []byte) error {
	loader := gojsonschema.NewBytesLoader(definition)
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("schema: invalid definition for %s: %w", prefix, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[prefix] = &Schema{Prefix: prefix, Definition: definition, compiled: compiled}
	return nil
}

// Unregister removes the schema bound to prefix, if any.
func (r *Registry) Unregister(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schemas, prefix)
}

// lookup finds the longest registered prefix matching address. Caller
// must hold r.mu for reading.
func (r *Registry) lookup(address string) (*Schema, bool) {
	var best *Schema
	for prefix, s := range r.schemas {
		if strings.HasPrefix(address, prefix) {
			if best == nil || len(prefix) > len(best.Prefix) {
				best = s
			}
		}
	}
	return best, best != nil
}

// Validate checks payload (already JSON-marshalable, e.g. the decoded
// wire args) against whatever schema matches address. An address with
// no matching schema always validates.
func (r *Registry) Validate(address string, payload any) Result {
	r.mu.RLock()
	s, ok := r.lookup(address)
	r.mu.RUnlock()
	if !ok {
		return Result{Valid: true}
	}

	content, err := json.Marshal(payload)
	if err != nil {
		return Result{Valid: false, Violations: []ViolationError{{
			Field:       address,
			Description: fmt.Sprintf("payload not JSON-representable: %v", err),
		}}}
	}

	documentLoader := gojsonschema.NewBytesLoader(content)
	result, err := s.compiled.Validate(documentLoader)
	if err != nil {
		return Result{Valid: false, Violations: []ViolationError{{
			Field:       address,
			Description: fmt.Sprintf("validation error: %v", err),
		}}}
	}
	if result.Valid() {
		return Result{Valid: true}
	}

	violations := make([]ViolationError, len(result.Errors()))
	for i, e := range result.Errors() {
		violations[i] = ViolationError{Field: e.Field(), Description: e.Description()}
	}
	return Result{Valid: false, Violations: violations}
}

// HasSchema reports whether any prefix matches address.
func (r *Registry) HasSchema(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.lookup(address)
	return ok
}

// BPMSchema constrains /bpm writes to a single positive number within a
// sane tempo range.
var BPMSchema = []byte(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "array",
	"minItems": 1,
	"maxItems": 1,
	"items": [{"type": "number", "minimum": 1, "maximum": 999}]
}`)

// FaderSchema constrains /fader/* writes to a single value in [0, 1].
var FaderSchema = []byte(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "array",
	"minItems": 1,
	"maxItems": 1,
	"items": [{"type": "number", "minimum": 0, "maximum": 1}]
}`)
