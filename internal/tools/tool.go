package tools

import (
	"context"

	"github.com/rendis/stepflow/pkg/schema"
)

// Tool is a typed unit of work an action step can invoke.
type Tool interface {
	Name() string
	Description() string
	Signature() schema.ToolSignature
	Invoke(ctx context.Context, params map[string]any) (map[string]any, error)
}

// Info is a summary of a registered tool for listing.
type Info struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Signature   schema.ToolSignature `json:"signature"`
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName string
	Summary  string
	Sig      schema.ToolSignature
	Fn       func(ctx context.Context, params map[string]any) (map[string]any, error)
}

func (f *Func) Name() string                    { return f.ToolName }
func (f *Func) Description() string             { return f.Summary }
func (f *Func) Signature() schema.ToolSignature { return f.Sig }

func (f *Func) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	return f.Fn(ctx, params)
}

// Param helpers used by the builtin tools. Parameters have already been
// checked against the signature, so a failed assertion means the parameter
// was optional and absent.

func stringParam(m map[string]any, key, defaultVal string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return defaultVal
}

func objectParam(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

func stringsParam(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func required(name string, s schema.ValueSchema) schema.ToolParameter {
	return schema.ToolParameter{Name: name, Schema: s, Required: true}
}

func optional(name string, s schema.ValueSchema, def any) schema.ToolParameter {
	return schema.ToolParameter{Name: name, Schema: s, Default: def}
}

func output(name string, s schema.ValueSchema) schema.ToolOutput {
	return schema.ToolOutput{Name: name, Schema: s}
}

// anyObject accepts any object value.
func anyObject() schema.ValueSchema {
	return schema.Object(map[string]schema.ValueSchema{})
}
