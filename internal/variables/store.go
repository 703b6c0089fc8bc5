// Package variables holds the named, typed values shared by the steps of a
// single workflow run.
package variables

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/typesys"
	"github.com/rendis/stepflow/pkg/schema"
)

// Store is the variable store of one run. Reads are safe for concurrent use;
// the engine is the only writer.
type Store struct {
	mu    sync.RWMutex
	vars  map[string]*schema.Variable
	order []string
}

// New creates a store seeded with vars. Seeding goes through Define, so
// duplicate names and ill-typed values are rejected.
func New(vars ...schema.Variable) (*Store, error) {
	s := &Store{vars: make(map[string]*schema.Variable, len(vars))}
	for _, v := range vars {
		if err := s.Define(v); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Define adds a variable. Variables without an ID get a fresh UUID.
func (s *Store) Define(v schema.Variable) error {
	if v.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "variable name is required")
	}
	if err := typesys.ValidateSchema(v.Schema); err != nil {
		return schema.AsFlowError(err, schema.ErrCodeSchema).
			WithDetails(map[string]any{"variable": v.Name})
	}
	if v.Value != nil {
		if err := typesys.CheckValue(v.Schema, v.Value); err != nil {
			return wrapMismatch(v.Name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.vars[v.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "variable %q already defined", v.Name)
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.Value = deepCopyAny(v.Value)
	s.vars[v.Name] = &v
	s.order = append(s.order, v.Name)
	return nil
}

// Get returns a copy of the named variable.
func (s *Store) Get(name string) (schema.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vars[name]
	if !ok {
		return schema.Variable{}, notFound(name)
	}
	out := *v
	out.Value = deepCopyAny(v.Value)
	return out, nil
}

// Has reports whether name is defined.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.vars[name]
	return ok
}

// Set replaces the value of a defined variable. A nil value clears it.
func (s *Store) Set(name string, value any) error {
	s.mu.RLock()
	v, ok := s.vars[name]
	var vs schema.ValueSchema
	if ok {
		vs = v.Schema
	}
	s.mu.RUnlock()

	if !ok {
		return notFound(name)
	}
	if value != nil {
		if err := typesys.CheckValue(vs, value); err != nil {
			return wrapMismatch(name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name].Value = deepCopyAny(value)
	return nil
}

// ResolvePath returns the value addressed by path. It never fails: malformed
// paths, unknown variables and absent values all report found=false.
func (s *Store) ResolvePath(path string) (any, bool) {
	segs, err := ParsePath(path)
	if err != nil {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vars[segs[0].Field]
	if !ok || v.Value == nil {
		return nil, false
	}
	val, found := Traverse(v.Value, segs[1:])
	if !found {
		return nil, false
	}
	return deepCopyAny(val), true
}

// Snapshot returns copies of all variables in definition order.
func (s *Store) Snapshot() []schema.Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]schema.Variable, 0, len(s.order))
	for _, name := range s.order {
		v := *s.vars[name]
		v.Value = deepCopyAny(v.Value)
		out = append(out, v)
	}
	return out
}

// Values returns the produced values keyed by variable name.
func (s *Store) Values() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.vars))
	for name, v := range s.vars {
		if v.Value != nil {
			out[name] = deepCopyAny(v.Value)
		}
	}
	return out
}

// Names returns the defined variable names sorted alphabetically.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.vars))
	for name := range s.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func notFound(name string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "variable %q not found", name).
		WithDetails(map[string]any{"variable": name})
}

func wrapMismatch(name string, err error) *schema.FlowError {
	fe := schema.AsFlowError(err, schema.ErrCodeTypeMismatch)
	out := schema.NewErrorf(fe.Code, "variable %q: %s", name, fe.Message).WithCause(err)
	details := map[string]any{"variable": name}
	for k, v := range fe.Details {
		details[k] = v
	}
	return out.WithDetails(details)
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case []string:
		cp := make([]string, len(val))
		copy(cp, val)
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
