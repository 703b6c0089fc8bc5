package typesys

import (
	"encoding/json"
	"reflect"
	"strconv"

	"github.com/rendis/stepflow/pkg/schema"
)

// CheckValue reports whether the concrete value v fits s. It applies the same
// rules as IsCompatible to v's runtime shape, plus file references, which
// cannot be inferred from shape alone: a file value is a non-empty file id
// string, a schema.FileRef, or an object carrying a "file_id" string.
func CheckValue(s schema.ValueSchema, v any) error {
	return checkValue(s, v, "", 0)
}

func checkValue(s schema.ValueSchema, v any, path string, depth int) error {
	if depth > MaxDepth {
		return schema.NewErrorf(schema.ErrCodeSchema, "value nesting exceeds %d levels at %q", MaxDepth, displayPath(path))
	}
	if v == nil {
		return mismatch(s, "null", path)
	}

	rv := reflect.ValueOf(v)
	isList := rv.Kind() == reflect.Slice && !isRawJSON(v)

	if s.Type == schema.TypeString && !s.Array && isList {
		// Implicit join: string accepts a list of strings.
		return checkElements(schema.Primitive(schema.TypeString), rv, path, depth)
	}

	if s.Array {
		if !isList {
			return mismatch(s, describe(v), path)
		}
		return checkElements(s.Element(), rv, path, depth)
	}
	if isList {
		return mismatch(s, describe(v), path)
	}

	switch s.Type {
	case schema.TypeString:
		if _, ok := v.(string); !ok {
			return mismatch(s, describe(v), path)
		}
	case schema.TypeNumber:
		if _, ok := ToFloat(v); !ok {
			return mismatch(s, describe(v), path)
		}
	case schema.TypeBoolean:
		if _, ok := v.(bool); !ok {
			return mismatch(s, describe(v), path)
		}
	case schema.TypeFile:
		if !isFileRef(v) {
			return mismatch(s, describe(v), path)
		}
	case schema.TypeObject:
		fields, ok := asObject(v)
		if !ok {
			return mismatch(s, describe(v), path)
		}
		for name, fs := range s.Fields {
			fv, present := fields[name]
			if !present || fv == nil {
				return schema.NewErrorf(schema.ErrCodeTypeMismatch,
					"missing field %q at %q", name, displayPath(path)).
					WithDetails(map[string]any{"field": joinPath(path, name)})
			}
			if err := checkValue(fs, fv, joinPath(path, name), depth+1); err != nil {
				return err
			}
		}
	default:
		return schema.NewErrorf(schema.ErrCodeSchema, "unknown type %q at %q", s.Type, displayPath(path))
	}
	return nil
}

func checkElements(elem schema.ValueSchema, rv reflect.Value, path string, depth int) error {
	for i := 0; i < rv.Len(); i++ {
		if err := checkValue(elem, rv.Index(i).Interface(), indexPath(path, i), depth+1); err != nil {
			return err
		}
	}
	return nil
}

// InferSchema derives the runtime shape of v. Nil map entries are skipped;
// an empty list infers as string[] since no element type is observable.
func InferSchema(v any) (schema.ValueSchema, error) {
	return infer(v, 0)
}

func infer(v any, depth int) (schema.ValueSchema, error) {
	if depth > MaxDepth {
		return schema.ValueSchema{}, schema.NewErrorf(schema.ErrCodeSchema, "value nesting exceeds %d levels", MaxDepth)
	}
	switch val := v.(type) {
	case nil:
		return schema.ValueSchema{}, schema.NewError(schema.ErrCodeTypeMismatch, "cannot infer the type of null")
	case string:
		return schema.Primitive(schema.TypeString), nil
	case bool:
		return schema.Primitive(schema.TypeBoolean), nil
	case schema.FileRef, *schema.FileRef:
		return schema.Primitive(schema.TypeFile), nil
	}
	if _, ok := ToFloat(v); ok {
		return schema.Primitive(schema.TypeNumber), nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && !isRawJSON(v) {
		if rv.Len() == 0 {
			return schema.ArrayOf(schema.TypeString), nil
		}
		first, err := infer(rv.Index(0).Interface(), depth+1)
		if err != nil {
			return schema.ValueSchema{}, err
		}
		if first.Array {
			return schema.ValueSchema{}, schema.NewError(schema.ErrCodeSchema, "nested arrays are not representable")
		}
		for i := 1; i < rv.Len(); i++ {
			if err := checkValue(first, rv.Index(i).Interface(), indexPath("", i), depth+1); err != nil {
				return schema.ValueSchema{}, schema.NewErrorf(schema.ErrCodeTypeMismatch,
					"heterogeneous array: element %d does not match %s", i, first)
			}
		}
		first.Array = true
		return first, nil
	}

	if fields, ok := asObject(v); ok {
		out := schema.Object(make(map[string]schema.ValueSchema, len(fields)))
		for name, fv := range fields {
			if fv == nil {
				continue
			}
			fs, err := infer(fv, depth+1)
			if err != nil {
				return schema.ValueSchema{}, err
			}
			out.Fields[name] = fs
		}
		return out, nil
	}

	return schema.ValueSchema{}, schema.NewErrorf(schema.ErrCodeTypeMismatch, "unsupported value type %T", v)
}

// ToFloat converts any Go numeric kind or json.Number to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asObject(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func isFileRef(v any) bool {
	switch f := v.(type) {
	case string:
		return f != ""
	case schema.FileRef:
		return f.FileID != ""
	case *schema.FileRef:
		return f != nil && f.FileID != ""
	}
	if m, ok := asObject(v); ok {
		id, _ := m["file_id"].(string)
		return id != ""
	}
	return false
}

func isRawJSON(v any) bool {
	_, ok := v.(json.RawMessage)
	return ok
}

func describe(v any) string {
	if s, err := InferSchema(v); err == nil {
		return s.String()
	}
	return reflect.TypeOf(v).String()
}

func mismatch(s schema.ValueSchema, got, path string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeTypeMismatch, "expected %s at %q, got %s", s, displayPath(path), got).
		WithDetails(map[string]any{"expected": s.String(), "actual": got, "path": displayPath(path)})
}

func indexPath(base string, i int) string {
	return base + "[" + strconv.Itoa(i) + "]"
}
