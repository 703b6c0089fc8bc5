package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepflow/pkg/schema"
)

const workflowSchemaURL = "https://stepflow.dev/schemas/workflow.json"

// workflowSchemaJSON is the structural schema of the workflow document.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "variables": {
      "type": "array",
      "items": { "$ref": "#/$defs/variable" }
    },
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "valueSchema": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "enum": ["string", "number", "boolean", "file", "object"] },
        "array": { "type": "boolean" },
        "description": { "type": "string" },
        "fields": {
          "type": "object",
          "additionalProperties": { "$ref": "#/$defs/valueSchema" }
        }
      },
      "additionalProperties": false
    },
    "variable": {
      "type": "object",
      "required": ["name", "schema"],
      "properties": {
        "id": { "type": "string" },
        "name": { "type": "string", "minLength": 1 },
        "schema": { "$ref": "#/$defs/valueSchema" },
        "io_type": { "enum": ["input", "output", "evaluation"] },
        "value": {}
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["step_id", "sequence_number", "type"],
      "properties": {
        "step_id": { "type": "string", "minLength": 1 },
        "sequence_number": { "type": "integer", "minimum": 0 },
        "type": { "enum": ["action", "evaluation"] },
        "label": { "type": "string" },
        "action": { "$ref": "#/$defs/action" },
        "evaluation": { "$ref": "#/$defs/evaluation" }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "action" } } },
          "then": { "required": ["action"], "not": { "required": ["evaluation"] } }
        },
        {
          "if": { "properties": { "type": { "const": "evaluation" } } },
          "then": { "required": ["evaluation"], "not": { "required": ["action"] } }
        }
      ]
    },
    "action": {
      "type": "object",
      "required": ["tool_ref"],
      "properties": {
        "tool_ref": { "type": "string", "minLength": 1 },
        "parameter_mappings": {
          "type": "object",
          "additionalProperties": { "type": "string", "minLength": 1 }
        },
        "output_mappings": {
          "type": "object",
          "additionalProperties": { "type": "string", "minLength": 1 }
        }
      },
      "additionalProperties": false
    },
    "evaluation": {
      "type": "object",
      "required": ["maximum_jumps"],
      "properties": {
        "conditions": {
          "type": "array",
          "items": { "$ref": "#/$defs/condition" }
        },
        "default_action": { "enum": ["continue", "end"] },
        "maximum_jumps": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["condition_id", "variable_path", "operator"],
      "properties": {
        "condition_id": { "type": "string", "minLength": 1 },
        "variable_path": { "type": "string", "minLength": 1 },
        "operator": { "enum": ["equals", "not_equals", "greater_than", "less_than", "contains"] },
        "value": {},
        "target_step_index": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks documents against the workflow JSON Schema and
// against caller-supplied schemas. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{
		workflowSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks a raw workflow document before it is decoded.
func (v *JSONSchemaValidator) ValidateDocument(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow is not valid JSON: %s", err.Error()).WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateWorkflow checks the JSON rendering of wf.
func (v *JSONSchemaValidator) ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	raw, err := json.Marshal(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow").WithCause(err)
	}
	return v.ValidateDocument(raw)
}

// ValidateValue checks value against the JSON Schema in schemaJSON. Compiled
// schemas are cached by their source text. A schema that does not compile is
// a SCHEMA_ERROR.
func (v *JSONSchemaValidator) ValidateValue(value any, schemaJSON []byte) error {
	if len(schemaJSON) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(schemaJSON)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSchema, "invalid JSON Schema: %s", err.Error()).WithCause(err)
	}
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize value").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaJSON []byte) (*jsonschema.Schema, error) {
	key := string(schemaJSON)

	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// A fresh compiler per schema keeps resource URLs from colliding.
	url := fmt.Sprintf("stepflow://value-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as the
// jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// Violations returns the leaf messages recorded in a validation error, or nil.
func Violations(err error) []string {
	fe, ok := err.(*schema.FlowError)
	if !ok || fe.Details == nil {
		return nil
	}
	v, _ := fe.Details["violations"].([]string)
	return v
}

func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens the cause tree into "location: message" lines.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
