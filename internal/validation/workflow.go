// Package validation checks workflow definitions at authoring time: a
// structural JSON Schema pass, a semantic pass against declared variables and
// tool signatures, and a control-flow pass.
package validation

import (
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// WorkflowValidator runs the validation pipeline. Structural errors
// short-circuit the later passes.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	tools      ToolLookup
}

// NewWorkflowValidator creates a WorkflowValidator. lookup may be nil to skip
// tool signature checks.
func NewWorkflowValidator(lookup ToolLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, tools: lookup}, nil
}

// Validate runs every pass over wf and aggregates the issues.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}

	result := structural(wv.jsonSchema.ValidateWorkflow(wf))
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(wf, wv.tools))
	if result.Valid() {
		result.Merge(validateFlow(wf))
	}
	return result
}

// ValidateDocument checks a raw JSON workflow structurally.
func (wv *WorkflowValidator) ValidateDocument(raw []byte) *schema.ValidationResult {
	return structural(wv.jsonSchema.ValidateDocument(raw))
}

// Schemas exposes the underlying JSON Schema validator.
func (wv *WorkflowValidator) Schemas() *JSONSchemaValidator {
	return wv.jsonSchema
}

func structural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}
	if violations := Violations(err); len(violations) > 0 {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	fe := schema.AsFlowError(err, schema.ErrCodeValidation)
	result.AddError("/", fe.Code, fe.Message)
	return result
}

var (
	defaultOnce      sync.Once
	defaultValidator *WorkflowValidator
	defaultErr       error
)

// Validate checks wf without tool signature checks.
func Validate(wf *schema.Workflow) *schema.ValidationResult {
	defaultOnce.Do(func() {
		defaultValidator, defaultErr = NewWorkflowValidator(nil)
	})
	if defaultErr != nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, defaultErr.Error())
		return r
	}
	return defaultValidator.Validate(wf)
}
