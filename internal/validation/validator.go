// Package validation checks tool requests against the embedded versioned
// JSON Schemas before the core ever sees them.
package validation

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mcp-tool-shop-org/nexus-router/schemas"
)

// Schema names (one per tool request).
const (
	SchemaRunRequest     = "nexus-router.run.request.v0.1.json"
	SchemaInspectRequest = "nexus-router.inspect.request.v0.2.json"
	SchemaReplayRequest  = "nexus-router.replay.request.v0.2.json"
)

var schemaFiles = []string{
	SchemaRunRequest,
	SchemaInspectRequest,
	SchemaReplayRequest,
}

// RequestError reports a request that failed schema validation. Nothing is
// persisted when one of these is returned.
type RequestError struct {
	Schema string
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request does not match %s: %v", e.Schema, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Validator holds the compiled schemas.
type Validator struct {
	compiled map[string]*jsonschema.Schema
}

// New compiles all embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	for _, name := range schemaFiles {
		data, err := schemas.FS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}

	v := &Validator{compiled: make(map[string]*jsonschema.Schema, len(schemaFiles))}
	for _, name := range schemaFiles {
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.compiled[name] = schema
	}
	return v, nil
}

// Validate checks instance against the named schema.
func (v *Validator) Validate(schemaName string, instance any) error {
	schema, ok := v.compiled[schemaName]
	if !ok {
		return fmt.Errorf("unknown schema: %s", schemaName)
	}
	if err := schema.Validate(instance); err != nil {
		return &RequestError{Schema: schemaName, Err: err}
	}
	return nil
}

// ValidateJSON unmarshals raw JSON and checks it against the named schema,
// returning the decoded instance.
func (v *Validator) ValidateJSON(schemaName string, raw []byte) (map[string]any, error) {
	var instance map[string]any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, &RequestError{Schema: schemaName, Err: err}
	}
	if err := v.Validate(schemaName, instance); err != nil {
		return nil, err
	}
	return instance, nil
}
