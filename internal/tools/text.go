package tools

import (
	"context"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// TextTools returns the string utilities.
func TextTools() []Tool {
	str := schema.Primitive(schema.TypeString)
	strs := schema.ArrayOf(schema.TypeString)

	return []Tool{
		&Func{
			ToolName: "text.uppercase",
			Summary:  "Convert text to upper case",
			Sig: schema.ToolSignature{
				Parameters: []schema.ToolParameter{required("text", str)},
				Outputs:    []schema.ToolOutput{output("result", str)},
			},
			Fn: func(_ context.Context, p map[string]any) (map[string]any, error) {
				return map[string]any{"result": strings.ToUpper(stringParam(p, "text", ""))}, nil
			},
		},
		&Func{
			ToolName: "text.lowercase",
			Summary:  "Convert text to lower case",
			Sig: schema.ToolSignature{
				Parameters: []schema.ToolParameter{required("text", str)},
				Outputs:    []schema.ToolOutput{output("result", str)},
			},
			Fn: func(_ context.Context, p map[string]any) (map[string]any, error) {
				return map[string]any{"result": strings.ToLower(stringParam(p, "text", ""))}, nil
			},
		},
		&Func{
			ToolName: "text.join",
			Summary:  "Join a list of strings with a separator",
			Sig: schema.ToolSignature{
				Parameters: []schema.ToolParameter{
					required("items", strs),
					optional("separator", str, "\n"),
				},
				Outputs: []schema.ToolOutput{output("result", str)},
			},
			Fn: func(_ context.Context, p map[string]any) (map[string]any, error) {
				joined := strings.Join(stringsParam(p, "items"), stringParam(p, "separator", "\n"))
				return map[string]any{"result": joined}, nil
			},
		},
		&Func{
			ToolName: "text.split",
			Summary:  "Split text into a list of non-empty, trimmed parts",
			Sig: schema.ToolSignature{
				Parameters: []schema.ToolParameter{
					required("text", str),
					optional("separator", str, "\n"),
				},
				Outputs: []schema.ToolOutput{
					output("items", strs),
					output("count", schema.Primitive(schema.TypeNumber)),
				},
			},
			Fn: func(_ context.Context, p map[string]any) (map[string]any, error) {
				sep := stringParam(p, "separator", "\n")
				if sep == "" {
					return nil, schema.NewError(schema.ErrCodeValidation, "separator must not be empty")
				}
				items := make([]string, 0)
				for _, part := range strings.Split(stringParam(p, "text", ""), sep) {
					if part = strings.TrimSpace(part); part != "" {
						items = append(items, part)
					}
				}
				return map[string]any{"items": items, "count": len(items)}, nil
			},
		},
		&Func{
			ToolName: "text.contains",
			Summary:  "Report whether text contains a substring",
			Sig: schema.ToolSignature{
				Parameters: []schema.ToolParameter{
					required("text", str),
					required("substring", str),
					optional("ignore_case", schema.Primitive(schema.TypeBoolean), false),
				},
				Outputs: []schema.ToolOutput{output("result", schema.Primitive(schema.TypeBoolean))},
			},
			Fn: func(_ context.Context, p map[string]any) (map[string]any, error) {
				text, sub := stringParam(p, "text", ""), stringParam(p, "substring", "")
				if fold, _ := p["ignore_case"].(bool); fold {
					text, sub = strings.ToLower(text), strings.ToLower(sub)
				}
				return map[string]any{"result": strings.Contains(text, sub)}, nil
			},
		},
	}
}
