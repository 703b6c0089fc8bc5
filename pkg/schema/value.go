package schema

import "sort"

// BaseType is the scalar vocabulary of a ValueSchema.
type BaseType string

const (
	TypeString  BaseType = "string"
	TypeNumber  BaseType = "number"
	TypeBoolean BaseType = "boolean"
	TypeFile    BaseType = "file"
	TypeObject  BaseType = "object"
)

// Known reports whether t is part of the vocabulary.
func (t BaseType) Known() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeFile, TypeObject:
		return true
	}
	return false
}

// ValueSchema is the static type of a variable, tool parameter or tool output.
// Fields is set iff Type is TypeObject.
type ValueSchema struct {
	Type        BaseType               `json:"type"`
	Array       bool                   `json:"array,omitempty"`
	Description string                 `json:"description,omitempty"`
	Fields      map[string]ValueSchema `json:"fields,omitzero"`
}

// Primitive returns a non-array schema of the given scalar type.
func Primitive(t BaseType) ValueSchema {
	return ValueSchema{Type: t}
}

// ArrayOf returns an array schema whose elements are t.
func ArrayOf(t BaseType) ValueSchema {
	return ValueSchema{Type: t, Array: true}
}

// Object returns a non-array object schema with the given fields.
func Object(fields map[string]ValueSchema) ValueSchema {
	return ValueSchema{Type: TypeObject, Fields: fields}
}

// Element returns the schema of one element of an array schema.
func (s ValueSchema) Element() ValueSchema {
	s.Array = false
	return s
}

// String renders the schema in the short notation used by error messages,
// e.g. "string[]" or "object{name,score}".
func (s ValueSchema) String() string {
	out := string(s.Type)
	if s.Type == TypeObject && len(s.Fields) > 0 {
		out += "{"
		first := true
		for _, name := range sortedKeys(s.Fields) {
			if !first {
				out += ","
			}
			out += name
			first = false
		}
		out += "}"
	}
	if s.Array {
		out += "[]"
	}
	return out
}

// IOType classifies variables by who produces them.
type IOType string

const (
	IOInput      IOType = "input"
	IOOutput     IOType = "output"
	IOEvaluation IOType = "evaluation"
)

// Variable is a named, typed value slot shared across the steps of a run.
// Value is nil until produced.
type Variable struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Schema ValueSchema `json:"schema"`
	IOType IOType      `json:"io_type,omitempty"`
	Value  any         `json:"value,omitempty"`
}

// HasValue reports whether the variable has been produced.
func (v Variable) HasValue() bool {
	return v.Value != nil
}

// FileRef is the canonical shape of a file-typed value.
type FileRef struct {
	FileID   string `json:"file_id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

func sortedKeys(m map[string]ValueSchema) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
