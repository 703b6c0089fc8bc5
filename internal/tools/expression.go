package tools

import (
	"context"
	"encoding/json"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/typesys"
	"github.com/rendis/stepflow/pkg/schema"
)

// ExpressionTools returns the tools backed by the jq, expr and CEL engines.
func ExpressionTools() ([]Tool, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	jq := expressions.NewJQEngine()
	ex := expressions.NewExprEngine()

	str := schema.Primitive(schema.TypeString)

	return []Tool{
		&Func{
			ToolName: "json.jq",
			Summary:  "Run a jq query over an object; non-string results are JSON encoded",
			Sig: schema.ToolSignature{
				Parameters: []schema.ToolParameter{
					required("data", anyObject()),
					required("query", str),
				},
				Outputs: []schema.ToolOutput{output("result", str)},
			},
			Fn: func(ctx context.Context, p map[string]any) (map[string]any, error) {
				out, err := jq.Evaluate(ctx, stringParam(p, "query", ""), objectParam(p, "data"))
				if err != nil {
					return nil, err
				}
				if s, ok := out.(string); ok {
					return map[string]any{"result": s}, nil
				}
				raw, err := json.Marshal(out)
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeToolInvocation, "json.jq: encode result: %s", err.Error()).WithCause(err)
				}
				return map[string]any{"result": string(raw)}, nil
			},
		},
		&Func{
			ToolName: "math.expr",
			Summary:  "Evaluate a numeric expr-lang expression over named values",
			Sig: schema.ToolSignature{
				Parameters: []schema.ToolParameter{
					required("expression", str),
					optional("values", anyObject(), map[string]any{}),
				},
				Outputs: []schema.ToolOutput{output("result", schema.Primitive(schema.TypeNumber))},
			},
			Fn: func(ctx context.Context, p map[string]any) (map[string]any, error) {
				expr := stringParam(p, "expression", "")
				out, err := ex.Evaluate(ctx, expr, objectParam(p, "values"))
				if err != nil {
					return nil, err
				}
				n, ok := typesys.ToFloat(out)
				if !ok {
					return nil, schema.NewErrorf(schema.ErrCodeTypeMismatch, "math.expr: %q produced %T, want a number", expr, out)
				}
				return map[string]any{"result": n}, nil
			},
		},
		&Func{
			ToolName: "logic.cel",
			Summary:  "Evaluate a boolean CEL predicate over named values",
			Sig: schema.ToolSignature{
				Parameters: []schema.ToolParameter{
					required("expression", str),
					optional("values", anyObject(), map[string]any{}),
				},
				Outputs: []schema.ToolOutput{output("result", schema.Primitive(schema.TypeBoolean))},
			},
			Fn: func(ctx context.Context, p map[string]any) (map[string]any, error) {
				expr := stringParam(p, "expression", "")
				out, err := cel.Evaluate(ctx, expr, objectParam(p, "values"))
				if err != nil {
					return nil, err
				}
				b, ok := out.(bool)
				if !ok {
					return nil, schema.NewErrorf(schema.ErrCodeTypeMismatch, "logic.cel: %q produced %T, want a boolean", expr, out)
				}
				return map[string]any{"result": b}, nil
			},
		},
	}, nil
}
