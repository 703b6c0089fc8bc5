package engine

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/typesys"
	"github.com/rendis/stepflow/internal/variables"
	"github.com/rendis/stepflow/pkg/schema"
)

// ExecuteStep runs the step at index against vars and returns its result
// together with the updated state. The returned state carries the step's
// outcome for NextStepIndex. On failure the result is recorded in the state
// and the structured error is returned; variables written by earlier steps
// are left untouched.
func (e *Engine) ExecuteStep(ctx context.Context, g *graph.Graph, vars *variables.Store, state RunState, index int) (StepResult, RunState, error) {
	step, err := g.StepAt(index)
	if err != nil {
		return StepResult{StepIndex: index, Status: schema.StepStatusFailed}, state, err
	}

	ref := RunRef{RunID: state.RunID, WorkflowID: state.WorkflowID}
	ctx = logging.WithStepID(ctx, step.ID)
	log := logging.LogWith(ctx, e.log)

	res := StepResult{
		StepID:    step.ID,
		StepIndex: index,
		Status:    schema.StepStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	e.record(ctx, e.stepFSM.Start(ctx, ref, step.ID, index))
	log.Debug("step started", slog.Int("step_index", index), slog.String("type", string(step.Type)))

	next := state.clone()
	next.CurrentStepIndex = index
	next.ExecutedSteps++

	var (
		outcome Outcome
		output  map[string]any
	)
	switch step.Type {
	case schema.StepTypeAction:
		output, err = e.executeAction(ctx, ref, step, vars)
		outcome = Outcome{Kind: OutcomeNone}
	case schema.StepTypeEvaluation:
		outcome, output, err = e.executeEvaluation(ctx, ref, g, step, index, vars, state)
	default:
		err = schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type)
	}

	completed := time.Now().UTC()
	res.CompletedAt = &completed

	if err != nil {
		fe := schema.AsFlowError(err, schema.ErrCodeToolInvocation)
		if fe.StepID == "" {
			fe.StepID = step.ID
		}
		res.Status = schema.StepStatusFailed
		res.ErrorMessage = fe.Message
		next.StepResults = append(next.StepResults, res)
		e.record(ctx, e.stepFSM.Transition(ctx, ref, step.ID, schema.StepStatusRunning, schema.StepStatusFailed, fe))
		log.Warn("step failed", slog.String("code", fe.Code), slog.String("error", fe.Message))
		return res, next, fe
	}

	res.Status = schema.StepStatusCompleted
	res.OutputData = output
	res.Outcome = &outcome
	next.Outcome = outcome
	next.StepResults = append(next.StepResults, res)
	e.record(ctx, e.stepFSM.Transition(ctx, ref, step.ID, schema.StepStatusRunning, schema.StepStatusCompleted, output))
	log.Debug("step completed", slog.String("outcome", string(outcome.Kind)), slog.Duration("duration", res.Duration()))
	return res, next, nil
}

// --- Action steps ---

func (e *Engine) executeAction(ctx context.Context, ref RunRef, step schema.Step, vars *variables.Store) (map[string]any, error) {
	act := step.Action
	if act == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "action step has no action").WithStep(step.ID)
	}

	sig, err := e.invoker.Signature(act.ToolRef)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeToolUnavailable).WithStep(step.ID)
	}

	params, err := resolveParams(step, sig, vars)
	if err != nil {
		return nil, err
	}

	out, err := e.invoker.Invoke(ctx, act.ToolRef, params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolInvocation, "tool %q failed: %s", act.ToolRef, err.Error()).
			WithStep(step.ID).
			WithCause(err).
			WithDetails(map[string]any{"tool_ref": act.ToolRef})
	}

	writes, err := collectOutputs(step, out, vars)
	if err != nil {
		return nil, err
	}
	for _, w := range writes {
		if err := vars.Set(w.variable, w.value); err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeTypeMismatch).WithStep(step.ID)
		}
		e.record(ctx, emit(ctx, e.appender, ref, step.ID, schema.EventVariableSet,
			map[string]any{"variable": w.variable, "output": w.output}))
	}
	return out, nil
}

// resolveParams builds the tool call arguments from the step's parameter
// mappings and the signature's defaults.
func resolveParams(step schema.Step, sig schema.ToolSignature, vars *variables.Store) (map[string]any, error) {
	mappings := step.Action.ParameterMappings
	for name := range mappings {
		if _, ok := sig.Parameter(name); !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"tool %q has no parameter %q", step.Action.ToolRef, name).WithStep(step.ID)
		}
	}

	params := make(map[string]any, len(sig.Parameters))
	for _, p := range sig.Parameters {
		varName, mapped := mappings[p.Name]
		if !mapped {
			if p.Default != nil {
				params[p.Name] = p.Default
				continue
			}
			if p.Required {
				return nil, missingInput(step, p.Name, fmt.Sprintf("parameter %q is required but not mapped", p.Name))
			}
			continue
		}

		v, err := vars.Get(varName)
		if err != nil {
			return nil, missingInput(step, p.Name, fmt.Sprintf("parameter %q maps to unknown variable %q", p.Name, varName))
		}
		if !v.HasValue() {
			return nil, missingInput(step, p.Name, fmt.Sprintf("parameter %q maps to variable %q which has no value", p.Name, varName))
		}
		if err := typesys.Compatible(p.Schema, v.Schema); err != nil {
			fe := schema.AsFlowError(err, schema.ErrCodeTypeMismatch)
			return nil, schema.NewErrorf(fe.Code, "parameter %q: %s", p.Name, fe.Message).
				WithStep(step.ID).
				WithCause(err).
				WithDetails(map[string]any{"parameter": p.Name, "variable": varName})
		}
		params[p.Name] = coerceParam(p.Schema, v.Value)
	}
	return params, nil
}

// coerceParam joins a list of strings passed to a single string parameter.
func coerceParam(s schema.ValueSchema, value any) any {
	if s.Type != schema.TypeString || s.Array {
		return value
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice {
		return value
	}
	parts := make([]string, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		if str, ok := rv.Index(i).Interface().(string); ok {
			parts = append(parts, str)
		}
	}
	return strings.Join(parts, "\n")
}

type outputWrite struct {
	output   string
	variable string
	value    any
}

// collectOutputs checks every mapped output before anything is written, so a
// bad output leaves all variables untouched.
func collectOutputs(step schema.Step, out map[string]any, vars *variables.Store) ([]outputWrite, error) {
	names := make([]string, 0, len(step.Action.OutputMappings))
	for name := range step.Action.OutputMappings {
		names = append(names, name)
	}
	sort.Strings(names)

	writes := make([]outputWrite, 0, len(names))
	for _, name := range names {
		varName := step.Action.OutputMappings[name]
		val, ok := out[name]
		if !ok || val == nil {
			return nil, schema.NewErrorf(schema.ErrCodeToolInvocation,
				"tool %q did not produce output %q", step.Action.ToolRef, name).
				WithStep(step.ID).
				WithDetails(map[string]any{"output": name})
		}
		v, err := vars.Get(varName)
		if err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeNotFound).WithStep(step.ID)
		}
		if err := typesys.CheckValue(v.Schema, val); err != nil {
			fe := schema.AsFlowError(err, schema.ErrCodeTypeMismatch)
			return nil, schema.NewErrorf(fe.Code, "output %q for variable %q: %s", name, varName, fe.Message).
				WithStep(step.ID).
				WithCause(err).
				WithDetails(map[string]any{"output": name, "variable": varName})
		}
		writes = append(writes, outputWrite{output: name, variable: varName, value: val})
	}
	return writes, nil
}

func missingInput(step schema.Step, param, msg string) *schema.FlowError {
	return schema.NewError(schema.ErrCodeMissingInput, msg).
		WithStep(step.ID).
		WithDetails(map[string]any{"parameter": param, "tool_ref": step.Action.ToolRef})
}

// --- Evaluation steps ---

func (e *Engine) executeEvaluation(ctx context.Context, ref RunRef, g *graph.Graph, step schema.Step, index int, vars *variables.Store, state RunState) (Outcome, map[string]any, error) {
	ev := step.Evaluation
	if ev == nil {
		return Outcome{}, nil, schema.NewError(schema.ErrCodeValidation, "evaluation step has no evaluation").WithStep(step.ID)
	}

	outcome := Outcome{Kind: OutcomeContinue, Reason: "no condition matched"}
	if ev.DefaultAction == schema.DefaultEnd {
		outcome.Kind = OutcomeEnd
	}

	met := schema.ConditionNone
	for _, c := range ev.Conditions {
		actual, found := vars.ResolvePath(c.VariablePath)
		matched := false
		if found {
			var err error
			matched, err = Compare(actual, c.Operator, c.Value)
			if err != nil {
				fe := schema.AsFlowError(err, schema.ErrCodeUnsupportedOperator).WithStep(step.ID)
				return Outcome{}, nil, fe.WithDetails(map[string]any{
					"condition_id": c.ID,
					"operator":     string(c.Operator),
					"path":         c.VariablePath,
				})
			}
		}
		e.record(ctx, emit(ctx, e.appender, ref, step.ID, schema.EventConditionEvaluated, map[string]any{
			"condition_id":  c.ID,
			"variable_path": c.VariablePath,
			"operator":      string(c.Operator),
			"resolved":      found,
			"matched":       matched,
		}))
		if !matched {
			continue
		}
		met = c.ID
		if c.TargetStepIndex != nil {
			outcome = Outcome{Kind: OutcomeJump, Target: *c.TargetStepIndex, ConditionID: c.ID}
		} else {
			outcome = Outcome{Kind: OutcomeContinue, ConditionID: c.ID, Reason: "condition matched without a target"}
		}
		break
	}

	record := map[string]any{
		"condition_met":     met,
		"next_action":       outcome.NextAction(),
		"jump_count":        state.JumpCounts[step.ID],
		"maximum_jumps":     ev.MaximumJumps,
		"max_jumps_reached": false,
	}
	if outcome.Kind == OutcomeJump {
		preview := state
		preview.Outcome = outcome
		p, err := planJump(g, step, index, preview)
		if err != nil {
			return Outcome{}, nil, err
		}
		record["jump_count"] = p.count
		record["target_step_index"] = outcome.Target
		if p.exhausted {
			outcome.Reason = "maximum jumps reached"
			record["next_action"] = "continue"
			record["max_jumps_reached"] = true
		}
	}
	if outcome.Reason != "" {
		record["reason"] = outcome.Reason
	}

	if err := writeEvaluation(vars, step.ID, record); err != nil {
		return Outcome{}, nil, schema.AsFlowError(err, schema.ErrCodeTypeMismatch).WithStep(step.ID)
	}
	return outcome, record, nil
}

func writeEvaluation(vars *variables.Store, stepID string, record map[string]any) error {
	name := schema.EvaluationVariableName(stepID)
	if vars.Has(name) {
		return vars.Set(name, record)
	}
	return vars.Define(schema.Variable{
		Name:   name,
		Schema: schema.EvaluationSchema(),
		IOType: schema.IOEvaluation,
		Value:  record,
	})
}
