package runner

import (
	"sort"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// seedVariables applies run inputs to the declared variables of def. Only
// input variables accept values. Input variables left without a value fail
// the run with MISSING_INPUT before any step executes.
func seedVariables(def *schema.Workflow, inputs map[string]any) ([]schema.Variable, error) {
	declared := make(map[string]schema.IOType, len(def.Variables))
	for _, v := range def.Variables {
		declared[v.Name] = v.IOType
	}
	for _, name := range sortedInputNames(inputs) {
		io, ok := declared[name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "input %q is not a declared variable", name).
				WithDetails(map[string]any{"input": name})
		}
		if io != schema.IOInput {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "variable %q is not an input", name).
				WithDetails(map[string]any{"input": name, "io_type": string(io)})
		}
	}

	vars := make([]schema.Variable, len(def.Variables))
	var missing []string
	for i, v := range def.Variables {
		if value, ok := inputs[v.Name]; ok && value != nil {
			v.Value = value
		}
		if v.IOType == schema.IOInput && v.Value == nil {
			missing = append(missing, v.Name)
		}
		vars[i] = v
	}
	if len(missing) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeMissingInput, "missing required inputs: %s", strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing": missing})
	}
	return vars, nil
}

func sortedInputNames(inputs map[string]any) []string {
	names := make([]string, 0, len(inputs))
	for k := range inputs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
