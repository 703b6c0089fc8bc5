package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/stepflow/internal/typesys"
	"github.com/rendis/stepflow/pkg/schema"
)

// Registry is the thread-safe tool catalogue. It satisfies engine.Invoker.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool after checking its signature is well formed.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}
	if err := checkSignature(name, tool.Signature()); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

func checkSignature(name string, sig schema.ToolSignature) error {
	seen := make(map[string]bool, len(sig.Parameters))
	for _, p := range sig.Parameters {
		if p.Name == "" || seen[p.Name] {
			return schema.NewErrorf(schema.ErrCodeValidation, "tool %q: empty or duplicate parameter name %q", name, p.Name)
		}
		seen[p.Name] = true
		if err := typesys.ValidateSchema(p.Schema); err != nil {
			return schema.AsFlowError(err, schema.ErrCodeSchema).WithDetails(map[string]any{"tool": name, "parameter": p.Name})
		}
		if p.Default != nil {
			if err := typesys.CheckValue(p.Schema, p.Default); err != nil {
				return schema.NewErrorf(schema.ErrCodeSchema, "tool %q: default for %q does not match %s", name, p.Name, p.Schema).WithCause(err)
			}
		}
	}
	seen = make(map[string]bool, len(sig.Outputs))
	for _, o := range sig.Outputs {
		if o.Name == "" || seen[o.Name] {
			return schema.NewErrorf(schema.ErrCodeValidation, "tool %q: empty or duplicate output name %q", name, o.Name)
		}
		seen[o.Name] = true
		if err := typesys.ValidateSchema(o.Schema); err != nil {
			return schema.AsFlowError(err, schema.ErrCodeSchema).WithDetails(map[string]any{"tool": name, "output": o.Name})
		}
	}
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "tool %q not registered", name)
	}
	return tool, nil
}

// Signature returns the declared parameters and outputs of toolRef.
func (r *Registry) Signature(toolRef string) (schema.ToolSignature, error) {
	tool, err := r.Get(toolRef)
	if err != nil {
		return schema.ToolSignature{}, err
	}
	return tool.Signature(), nil
}

// Invoke checks params against the tool's signature, fills defaults and runs
// the tool.
func (r *Registry) Invoke(ctx context.Context, toolRef string, params map[string]any) (map[string]any, error) {
	tool, err := r.Get(toolRef)
	if err != nil {
		return nil, err
	}
	args, err := bindParams(toolRef, tool.Signature(), params)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "tool %q not started: %s", toolRef, err.Error()).WithCause(err)
	}
	out, err := tool.Invoke(ctx, args)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func bindParams(toolRef string, sig schema.ToolSignature, params map[string]any) (map[string]any, error) {
	for name := range params {
		if _, ok := sig.Parameter(name); !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "tool %q has no parameter %q", toolRef, name)
		}
	}
	args := make(map[string]any, len(sig.Parameters))
	for _, p := range sig.Parameters {
		v, ok := params[p.Name]
		if !ok || v == nil {
			switch {
			case p.Default != nil:
				args[p.Name] = p.Default
			case p.Required:
				return nil, schema.NewErrorf(schema.ErrCodeMissingInput, "tool %q: parameter %q is required", toolRef, p.Name).
					WithDetails(map[string]any{"parameter": p.Name})
			}
			continue
		}
		if err := typesys.CheckValue(p.Schema, v); err != nil {
			fe := schema.AsFlowError(err, schema.ErrCodeTypeMismatch)
			return nil, schema.NewErrorf(fe.Code, "tool %q: parameter %q: %s", toolRef, p.Name, fe.Message).
				WithCause(err).
				WithDetails(map[string]any{"parameter": p.Name})
		}
		args[p.Name] = v
	}
	return args, nil
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, Info{Name: t.Name(), Description: t.Description(), Signature: t.Signature()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
