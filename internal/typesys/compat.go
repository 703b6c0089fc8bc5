// Package typesys implements structural typing over schema.ValueSchema.
package typesys

import (
	"github.com/rendis/stepflow/pkg/schema"
)

// MaxDepth bounds recursion over nested object fields. Schemas are built
// top-down and are acyclic, so hitting the bound means a malformed schema.
const MaxDepth = 64

// IsCompatible reports whether a value typed as candidate may be used where
// target is declared. Object compatibility is structural: every field of
// target must exist in candidate with a compatible schema; extra candidate
// fields are ignored. A non-array string target also accepts string[].
//
// Schemas deeper than MaxDepth are reported as incompatible; use Compatible
// to get the SCHEMA_ERROR instead.
func IsCompatible(target, candidate schema.ValueSchema) bool {
	ok, err := compatible(target, candidate, 0)
	return err == nil && ok
}

// Compatible is IsCompatible with an error describing why the schemas do not
// match. It returns a SCHEMA_ERROR when the depth guard trips and a
// TYPE_MISMATCH otherwise.
func Compatible(target, candidate schema.ValueSchema) error {
	ok, err := compatible(target, candidate, 0)
	if err != nil {
		return err
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"expected %s, got %s", target, candidate).
			WithDetails(map[string]any{"expected": target.String(), "actual": candidate.String()})
	}
	return nil
}

func compatible(target, candidate schema.ValueSchema, depth int) (bool, error) {
	if depth > MaxDepth {
		return false, schema.NewErrorf(schema.ErrCodeSchema,
			"schema nesting exceeds %d levels; the field graph is probably cyclic", MaxDepth)
	}

	// Implicit join: a single string parameter takes a list of strings.
	if target.Type == schema.TypeString && !target.Array &&
		candidate.Type == schema.TypeString && candidate.Array {
		return true, nil
	}

	if target.Array != candidate.Array || target.Type != candidate.Type {
		return false, nil
	}

	switch target.Type {
	case schema.TypeObject:
		for name, field := range target.Fields {
			have, ok := candidate.Fields[name]
			if !ok {
				return false, nil
			}
			ok, err := compatible(field, have, depth+1)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case schema.TypeString, schema.TypeNumber, schema.TypeBoolean, schema.TypeFile:
		return true, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeSchema, "unknown base type %q", target.Type)
	}
}

// ValidateSchema checks the structural invariants of s: known base types and
// fields present iff the type is object.
func ValidateSchema(s schema.ValueSchema) error {
	return validateSchema(s, "", 0)
}

func validateSchema(s schema.ValueSchema, path string, depth int) error {
	if depth > MaxDepth {
		return schema.NewErrorf(schema.ErrCodeSchema, "schema nesting exceeds %d levels at %q", MaxDepth, path)
	}
	if !s.Type.Known() {
		return schema.NewErrorf(schema.ErrCodeSchema, "unknown type %q at %q", s.Type, displayPath(path))
	}
	if s.Type != schema.TypeObject {
		if len(s.Fields) > 0 {
			return schema.NewErrorf(schema.ErrCodeSchema, "%s schema at %q must not declare fields", s.Type, displayPath(path))
		}
		return nil
	}
	if s.Fields == nil {
		return schema.NewErrorf(schema.ErrCodeSchema, "object schema at %q must declare fields", displayPath(path))
	}
	for name, f := range s.Fields {
		if name == "" {
			return schema.NewErrorf(schema.ErrCodeSchema, "empty field name in object at %q", displayPath(path))
		}
		if err := validateSchema(f, joinPath(path, name), depth+1); err != nil {
			return err
		}
	}
	return nil
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

func displayPath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
