// Package schema handles action input payloads: JSON Schema validation,
// canonical hashing, and redaction of schema-marked sensitive fields.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError reports the schema violations found in an input payload.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "input validation failed: " + strings.Join(e.Violations, "; ")
}

// Validator validates inputs against action schemas. Compiled schemas are
// cached by content hash, so repeated previews of the same action do not pay
// compilation again.
type Validator struct {
	compiled sync.Map // schema content hash -> *jsonschema.Schema
}

func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks input against schemaJSON. A *ValidationError is returned for
// input problems; any other error means the schema itself could not be
// compiled and should be treated as an internal failure.
func (v *Validator) Validate(schemaJSON, input []byte, allViolations bool) error {
	sch, err := v.compile(schemaJSON)
	if err != nil {
		return fmt.Errorf("Validate: %w", err)
	}

	var instance any
	if err := json.Unmarshal(input, &instance); err != nil {
		return &ValidationError{Violations: []string{"input is not valid JSON"}}
	}

	err = sch.Validate(instance)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return fmt.Errorf("Validate: %w", err)
	}

	var violations []string
	collectViolations(verr, &violations)
	if len(violations) == 0 {
		violations = append(violations, verr.Error())
	}
	if !allViolations {
		violations = violations[:1]
	}
	return &ValidationError{Violations: violations}
}

func (v *Validator) compile(schemaJSON []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(schemaJSON)
	key := hex.EncodeToString(sum[:])
	if cached, ok := v.compiled.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	sch, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	v.compiled.Store(key, sch)
	return sch, nil
}

// collectViolations walks the cause tree and keeps the leaves, which carry the
// specific keyword failures.
func collectViolations(verr *jsonschema.ValidationError, out *[]string) {
	if len(verr.Causes) == 0 {
		*out = append(*out, verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(cause, out)
	}
}
