package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/stepflow/internal/typesys"
	"github.com/rendis/stepflow/internal/variables"
	"github.com/rendis/stepflow/pkg/schema"
)

// ToolLookup resolves tool signatures. *tools.Registry satisfies it.
type ToolLookup interface {
	Signature(toolRef string) (schema.ToolSignature, error)
}

type semanticPass struct {
	wf     *schema.Workflow
	tools  ToolLookup
	vars   map[string]schema.Variable
	evals  map[string]bool // variable names written by evaluation steps
	result *schema.ValidationResult
}

// validateSemantic checks what the structural schema cannot: unique names,
// contiguous sequence numbers, mappings against tool signatures and
// variables, condition paths and operators, jump targets.
func validateSemantic(wf *schema.Workflow, lookup ToolLookup) *schema.ValidationResult {
	p := &semanticPass{
		wf:     wf,
		tools:  lookup,
		vars:   make(map[string]schema.Variable, len(wf.Variables)),
		evals:  make(map[string]bool),
		result: &schema.ValidationResult{},
	}
	p.checkVariables()
	p.checkSteps()
	return p.result
}

func (p *semanticPass) checkVariables() {
	for i, v := range p.wf.Variables {
		path := fmt.Sprintf("variables[%d]", i)
		if v.Name == "" {
			p.result.AddError(path+".name", schema.ErrCodeValidation, "variable name is required")
			continue
		}
		if _, dup := p.vars[v.Name]; dup {
			p.result.AddErrorf(path+".name", schema.ErrCodeConflict, "duplicate variable name %q", v.Name)
			continue
		}
		p.vars[v.Name] = v

		if err := typesys.ValidateSchema(v.Schema); err != nil {
			p.result.AddError(path+".schema", schema.ErrCodeSchema, schema.AsFlowError(err, schema.ErrCodeSchema).Message)
			continue
		}
		switch v.IOType {
		case schema.IOInput, schema.IOOutput:
		case schema.IOEvaluation:
			p.result.AddError(path+".io_type", schema.ErrCodeValidation, "evaluation variables are created by the engine and cannot be declared")
		default:
			p.result.AddErrorf(path+".io_type", schema.ErrCodeValidation, "unknown io_type %q", v.IOType)
		}
		if v.Value != nil {
			if err := typesys.CheckValue(v.Schema, v.Value); err != nil {
				p.result.AddError(path+".value", schema.ErrCodeTypeMismatch, schema.AsFlowError(err, schema.ErrCodeTypeMismatch).Message)
			}
		} else if v.IOType == schema.IOInput {
			p.result.AddWarning(path, schema.ErrCodeMissingInput,
				fmt.Sprintf("input %q has no default and must be supplied when the run starts", v.Name))
		}
	}
}

func (p *semanticPass) checkSteps() {
	ids := make(map[string]bool, len(p.wf.Steps))
	seqs := make([]int, 0, len(p.wf.Steps))
	for i, s := range p.wf.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if ids[s.ID] {
			p.result.AddErrorf(path+".step_id", schema.ErrCodeConflict, "duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
		seqs = append(seqs, s.SequenceNumber)
		if s.Type == schema.StepTypeEvaluation {
			name := schema.EvaluationVariableName(s.ID)
			p.evals[name] = true
			if _, clash := p.vars[name]; clash {
				p.result.AddErrorf(path, schema.ErrCodeConflict, "variable %q collides with the evaluation record of step %q", name, s.ID)
			}
		}
	}

	sort.Ints(seqs)
	for i, n := range seqs {
		if n != i {
			p.result.AddErrorf("steps", schema.ErrCodeValidation,
				"sequence numbers must be contiguous from 0; expected %d, found %d", i, n)
			break
		}
	}

	for i, s := range p.wf.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		switch s.Type {
		case schema.StepTypeAction:
			if s.Action == nil || s.Evaluation != nil {
				p.result.AddError(path, schema.ErrCodeValidation, "action step must carry exactly an action payload")
				continue
			}
			p.checkAction(path+".action", s.Action)
		case schema.StepTypeEvaluation:
			if s.Evaluation == nil || s.Action != nil {
				p.result.AddError(path, schema.ErrCodeValidation, "evaluation step must carry exactly an evaluation payload")
				continue
			}
			p.checkEvaluation(path+".evaluation", s.Evaluation)
		default:
			p.result.AddErrorf(path+".type", schema.ErrCodeValidation, "unknown step type %q", s.Type)
		}
	}
}

func (p *semanticPass) checkAction(path string, a *schema.ActionStep) {
	if a.ToolRef == "" {
		p.result.AddError(path+".tool_ref", schema.ErrCodeValidation, "tool_ref is required")
		return
	}
	for _, param := range sortedKeys(a.ParameterMappings) {
		if _, ok := p.vars[a.ParameterMappings[param]]; !ok {
			p.result.AddErrorf(fmt.Sprintf("%s.parameter_mappings.%s", path, param), schema.ErrCodeNotFound,
				"parameter %q maps to undeclared variable %q", param, a.ParameterMappings[param])
		}
	}
	for _, out := range sortedKeys(a.OutputMappings) {
		v, ok := p.vars[a.OutputMappings[out]]
		if !ok {
			p.result.AddErrorf(fmt.Sprintf("%s.output_mappings.%s", path, out), schema.ErrCodeNotFound,
				"output %q maps to undeclared variable %q", out, a.OutputMappings[out])
			continue
		}
		if v.IOType == schema.IOInput {
			p.result.AddWarning(fmt.Sprintf("%s.output_mappings.%s", path, out), schema.ErrCodeValidation,
				fmt.Sprintf("output %q overwrites input variable %q", out, v.Name))
		}
	}

	if p.tools == nil {
		return
	}
	sig, err := p.tools.Signature(a.ToolRef)
	if err != nil {
		p.result.AddErrorf(path+".tool_ref", schema.ErrCodeToolUnavailable, "tool %q is not available", a.ToolRef)
		return
	}
	p.checkParameters(path, a, sig)
	p.checkOutputs(path, a, sig)
}

func (p *semanticPass) checkParameters(path string, a *schema.ActionStep, sig schema.ToolSignature) {
	for _, name := range sortedKeys(a.ParameterMappings) {
		at := fmt.Sprintf("%s.parameter_mappings.%s", path, name)
		param, ok := sig.Parameter(name)
		if !ok {
			p.result.AddErrorf(at, schema.ErrCodeValidation, "tool %q has no parameter %q", a.ToolRef, name)
			continue
		}
		v, ok := p.vars[a.ParameterMappings[name]]
		if !ok {
			continue
		}
		if err := typesys.Compatible(param.Schema, v.Schema); err != nil {
			p.result.AddErrorf(at, schema.CodeOf(err), "parameter %q expects %s but variable %q is %s",
				name, param.Schema, v.Name, v.Schema)
		}
	}
	for _, param := range sig.Parameters {
		if _, mapped := a.ParameterMappings[param.Name]; mapped || !param.Required || param.Default != nil {
			continue
		}
		p.result.AddErrorf(path+".parameter_mappings", schema.ErrCodeMissingInput,
			"required parameter %q of tool %q is not mapped", param.Name, a.ToolRef)
	}
}

func (p *semanticPass) checkOutputs(path string, a *schema.ActionStep, sig schema.ToolSignature) {
	for _, name := range sortedKeys(a.OutputMappings) {
		at := fmt.Sprintf("%s.output_mappings.%s", path, name)
		out, ok := sig.Output(name)
		if !ok {
			p.result.AddErrorf(at, schema.ErrCodeValidation, "tool %q has no output %q", a.ToolRef, name)
			continue
		}
		v, ok := p.vars[a.OutputMappings[name]]
		if !ok {
			continue
		}
		if !typesys.IsCompatible(v.Schema, out.Schema) {
			p.result.AddErrorf(at, schema.ErrCodeTypeMismatch, "output %q is %s but variable %q is %s",
				name, out.Schema, v.Name, v.Schema)
		}
	}
}

func (p *semanticPass) checkEvaluation(path string, ev *schema.EvaluationStep) {
	switch ev.DefaultAction {
	case "", schema.DefaultContinue, schema.DefaultEnd:
	default:
		p.result.AddErrorf(path+".default_action", schema.ErrCodeValidation, "unknown default_action %q", ev.DefaultAction)
	}
	if ev.MaximumJumps < 0 {
		p.result.AddError(path+".maximum_jumps", schema.ErrCodeValidation, "maximum_jumps must not be negative")
	}

	seen := make(map[string]bool, len(ev.Conditions))
	for i, c := range ev.Conditions {
		at := fmt.Sprintf("%s.conditions[%d]", path, i)
		if c.ID == "" {
			p.result.AddError(at+".condition_id", schema.ErrCodeValidation, "condition_id is required")
		} else if seen[c.ID] {
			p.result.AddErrorf(at+".condition_id", schema.ErrCodeConflict, "duplicate condition id %q", c.ID)
		}
		seen[c.ID] = true

		if c.TargetStepIndex != nil {
			if t := *c.TargetStepIndex; t < 0 || t >= len(p.wf.Steps) {
				p.result.AddErrorf(at+".target_step_index", schema.ErrCodeInvalidJump,
					"target step index %d out of range [0, %d)", t, len(p.wf.Steps))
			} else if ev.MaximumJumps == 0 {
				p.result.AddWarning(at+".target_step_index", schema.ErrCodeValidation,
					"maximum_jumps is 0, so this jump is never taken")
			}
		}
		if !c.Operator.Known() {
			p.result.AddErrorf(at+".operator", schema.ErrCodeUnsupportedOperator, "unknown operator %q", c.Operator)
			continue
		}
		p.checkCondition(at, c)
	}
}

// checkCondition resolves the static type at the condition's path and checks
// the operator and operand against it.
func (p *semanticPass) checkCondition(path string, c schema.Condition) {
	segs, err := variables.ParsePath(c.VariablePath)
	if err != nil {
		p.result.AddError(path+".variable_path", schema.ErrCodeValidation, schema.AsFlowError(err, schema.ErrCodeValidation).Message)
		return
	}

	var root schema.ValueSchema
	if v, ok := p.vars[segs[0].Field]; ok {
		root = v.Schema
	} else if p.evals[segs[0].Field] {
		root = schema.EvaluationSchema()
	} else {
		p.result.AddErrorf(path+".variable_path", schema.ErrCodeNotFound, "path %q refers to undeclared variable %q", c.VariablePath, segs[0].Field)
		return
	}

	target, known := schemaAt(root, segs[1:])
	if !known {
		p.result.AddWarning(path+".variable_path", schema.ErrCodeValidation,
			fmt.Sprintf("type at %q is not declared; the condition is checked only at run time", c.VariablePath))
		return
	}
	if msg := operatorProblem(target, c.Operator, c.Value); msg != "" {
		p.result.AddError(path, schema.ErrCodeUnsupportedOperator, msg)
	}
}

// schemaAt walks segs through s. known is false when the path leaves the
// declared shape, for example an undeclared object field.
func schemaAt(s schema.ValueSchema, segs []variables.Segment) (schema.ValueSchema, bool) {
	for _, seg := range segs {
		switch {
		case seg.IsIndex:
			if !s.Array {
				return s, false
			}
			s = s.Element()
		case s.Array:
			return s, false
		case s.Type == schema.TypeObject:
			f, ok := s.Fields[seg.Field]
			if !ok {
				return s, false
			}
			s = f
		case s.Type == schema.TypeFile:
			switch seg.Field {
			case "file_id", "name", "mime_type":
				s = schema.Primitive(schema.TypeString)
			default:
				return s, false
			}
		default:
			return s, false
		}
	}
	return s, true
}

// operatorProblem describes why op cannot compare a value of schema s with
// operand, or returns "".
func operatorProblem(s schema.ValueSchema, op schema.Operator, operand any) string {
	if s.Array {
		if op != schema.OpContains {
			return fmt.Sprintf("operator %q is not supported on %s; use contains", op, s)
		}
		if err := typesys.CheckValue(s.Element(), operand); err != nil {
			return fmt.Sprintf("contains operand %v does not match element type %s", operand, s.Element())
		}
		return ""
	}
	switch s.Type {
	case schema.TypeNumber:
		if op == schema.OpContains {
			return "operator \"contains\" is not supported on numbers"
		}
		if _, ok := typesys.ToFloat(operand); !ok {
			return fmt.Sprintf("operand %v is not a number", operand)
		}
	case schema.TypeString:
		if op == schema.OpGreaterThan || op == schema.OpLessThan {
			return fmt.Sprintf("operator %q is not supported on strings", op)
		}
		if _, ok := operand.(string); !ok {
			return fmt.Sprintf("operand %v is not a string", operand)
		}
	case schema.TypeBoolean:
		if op != schema.OpEquals && op != schema.OpNotEquals {
			return fmt.Sprintf("operator %q is not supported on booleans", op)
		}
		if _, ok := operand.(bool); !ok {
			return fmt.Sprintf("operand %v is not a boolean", operand)
		}
	case schema.TypeObject, schema.TypeFile:
		return fmt.Sprintf("operator %q cannot compare a whole %s; select a field", op, s)
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
