package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const definitionSchemaURL = "https://stepflow.dev/schemas/workflow.json"

// definitionSchemaJSON describes the shape of a WorkflowDefinition.
// Kind-specific params are checked separately by the action registry.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "nodes"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1, "maxLength": 200 },
    "description": { "type": "string" },
    "version": { "type": "integer", "minimum": 0 },
    "user_id": { "type": "string" },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" },
    "triggers": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/trigger" }
    },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "action"],
      "properties": {
        "id": { "type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9_\\-]+$" },
        "name": { "type": "string" },
        "action": { "type": "string", "minLength": 1 },
        "params": { "type": ["object", "null"] },
        "retries": { "type": "integer", "minimum": 0, "maximum": 100 },
        "timeout": { "type": "string", "pattern": "^[0-9]+(ms|s|m|h)$" },
        "type": { "type": "string" },
        "position": {
          "type": "object",
          "properties": { "x": { "type": "number" }, "y": { "type": "number" } }
        }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "condition": { "$ref": "#/$defs/condition" }
      },
      "additionalProperties": false
    },
    "trigger": {
      "type": "object",
      "properties": {
        "event": { "type": "string" },
        "schedule": { "type": "string" },
        "condition": { "$ref": "#/$defs/condition" }
      },
      "anyOf": [
        { "required": ["event"] },
        { "required": ["schedule"] }
      ],
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["op"],
      "properties": {
        "op": { "type": "string", "minLength": 1 },
        "path": { "type": "string" },
        "value": {},
        "conditions": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
        "condition": { "$ref": "#/$defs/condition" }
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator validates documents against JSON Schema Draft 2020-12.
// Compiled schemas are cached; it is safe for concurrent use.
type SchemaValidator struct {
	definition *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator compiles the definition schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	def, err := compile(definitionSchemaURL, definitionSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &SchemaValidator{definition: def, cache: make(map[string]*jsonschema.Schema)}, nil
}

// ValidateDefinition checks the structure of a definition.
func (v *SchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize workflow definition").WithCause(err)
	}
	if err := v.definition.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateDocument validates raw JSON against a schema given as a JSON string.
func (v *SchemaValidator) ValidateDocument(schemaJSON string, raw json.RawMessage) error {
	compiled, err := v.schemaFor(schemaJSON)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "params are not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

func (v *SchemaValidator) schemaFor(schemaJSON string) (*jsonschema.Schema, error) {
	v.mu.RLock()
	s, ok := v.cache[schemaJSON]
	v.mu.RUnlock()
	if ok {
		return s, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[schemaJSON]; ok {
		return s, nil
	}
	s, err := compile(fmt.Sprintf("stepflow://params/%d", len(v.cache)), schemaJSON)
	if err != nil {
		return nil, err
	}
	v.cache[schemaJSON] = s
	return s, nil
}

// compile uses a fresh compiler per schema so resource URLs never collide.
func compile(url, schemaJSON string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue round-trips through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens the error tree into "location: message" leaves.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
