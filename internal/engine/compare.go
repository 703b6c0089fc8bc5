package engine

import (
	"reflect"
	"strings"

	"github.com/rendis/stepflow/internal/typesys"
	"github.com/rendis/stepflow/pkg/schema"
)

// Compare applies op to actual and expected. Supported combinations:
// numbers with all ordering and equality operators, strings with equality and
// contains, booleans with equality, and arrays with contains by element.
// Anything else is UNSUPPORTED_OPERATOR.
func Compare(actual any, op schema.Operator, expected any) (bool, error) {
	if !op.Known() {
		return false, unsupported(actual, op, expected)
	}

	if a, ok := typesys.ToFloat(actual); ok {
		e, ok := typesys.ToFloat(expected)
		if !ok {
			return false, unsupported(actual, op, expected)
		}
		switch op {
		case schema.OpEquals:
			return a == e, nil
		case schema.OpNotEquals:
			return a != e, nil
		case schema.OpGreaterThan:
			return a > e, nil
		case schema.OpLessThan:
			return a < e, nil
		}
		return false, unsupported(actual, op, expected)
	}

	switch a := actual.(type) {
	case string:
		e, ok := expected.(string)
		if !ok {
			return false, unsupported(actual, op, expected)
		}
		switch op {
		case schema.OpEquals:
			return a == e, nil
		case schema.OpNotEquals:
			return a != e, nil
		case schema.OpContains:
			return strings.Contains(a, e), nil
		}
	case bool:
		e, ok := expected.(bool)
		if !ok {
			return false, unsupported(actual, op, expected)
		}
		switch op {
		case schema.OpEquals:
			return a == e, nil
		case schema.OpNotEquals:
			return a != e, nil
		}
	default:
		rv := reflect.ValueOf(actual)
		if actual != nil && rv.Kind() == reflect.Slice && op == schema.OpContains {
			for i := 0; i < rv.Len(); i++ {
				if elementEqual(rv.Index(i).Interface(), expected) {
					return true, nil
				}
			}
			return false, nil
		}
	}
	return false, unsupported(actual, op, expected)
}

func elementEqual(a, b any) bool {
	if af, ok := typesys.ToFloat(a); ok {
		bf, ok := typesys.ToFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func unsupported(actual any, op schema.Operator, expected any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeUnsupportedOperator,
		"operator %q is not supported between %s and %s", op, kindOf(actual), kindOf(expected)).
		WithDetails(map[string]any{"operator": string(op)})
}

func kindOf(v any) string {
	if v == nil {
		return "null"
	}
	if s, err := typesys.InferSchema(v); err == nil {
		return s.String()
	}
	return reflect.TypeOf(v).String()
}
