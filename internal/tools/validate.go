package tools

import (
	"context"

	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// SchemaTool returns json.validate, which checks an object against a JSON
// Schema document and reports the violations instead of failing.
func SchemaTool() (Tool, error) {
	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Func{
		ToolName: "json.validate",
		Summary:  "Validate an object against a JSON Schema",
		Sig: schema.ToolSignature{
			Parameters: []schema.ToolParameter{
				required("data", anyObject()),
				required("schema", schema.Primitive(schema.TypeString)),
			},
			Outputs: []schema.ToolOutput{
				output("valid", schema.Primitive(schema.TypeBoolean)),
				output("errors", schema.ArrayOf(schema.TypeString)),
			},
		},
		Fn: func(_ context.Context, p map[string]any) (map[string]any, error) {
			err := v.ValidateValue(objectParam(p, "data"), []byte(stringParam(p, "schema", "")))
			if err == nil {
				return map[string]any{"valid": true, "errors": []string{}}, nil
			}
			if schema.IsCode(err, schema.ErrCodeSchema) {
				return nil, err
			}
			violations := validation.Violations(err)
			if len(violations) == 0 {
				violations = []string{schema.AsFlowError(err, schema.ErrCodeValidation).Message}
			}
			return map[string]any{"valid": false, "errors": violations}, nil
		},
	}, nil
}
