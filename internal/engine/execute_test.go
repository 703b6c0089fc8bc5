package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteStep_Action(t *testing.T) {
	inv := newFakeInvoker()
	echoTool(inv, "echo")
	app := &mockAppender{}
	e := newTestEngine(inv, app)

	g := newGraph(t, actionStep("s1", 0, "echo", map[string]string{"text": "in"}, map[string]string{"result": "out"}))
	vars := newVars(t, input("in", strSchema, "hi"), outputVar("out", strSchema))
	state := NewRunState("r", "w")

	res, next, err := e.ExecuteStep(context.Background(), g, vars, state, 0)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, res.Status)
	assert.Equal(t, "s1", res.StepID)
	assert.Equal(t, map[string]any{"result": "hi"}, res.OutputData)
	require.NotNil(t, res.CompletedAt)
	assert.False(t, res.CompletedAt.Before(res.StartedAt))
	assert.Equal(t, OutcomeNone, res.Outcome.Kind)

	assert.Equal(t, 1, next.ExecutedSteps)
	require.Len(t, next.StepResults, 1)
	assert.Empty(t, state.StepResults, "input state must not be modified")

	v, err := vars.Get("out")
	require.NoError(t, err)
	assert.Equal(t, "hi", v.Value)

	assert.Equal(t, []string{schema.EventStepStarted, schema.EventVariableSet, schema.EventStepCompleted}, app.types())
}

func TestExecuteStep_DefaultsAndJoin(t *testing.T) {
	inv := newFakeInvoker()
	inv.add("fmt", schema.ToolSignature{
		Parameters: []schema.ToolParameter{
			{Name: "text", Schema: strSchema, Required: true},
			{Name: "prefix", Schema: strSchema, Default: "> "},
			{Name: "note", Schema: strSchema},
		},
		Outputs: []schema.ToolOutput{{Name: "result", Schema: strSchema}},
	}, func(_ context.Context, p map[string]any) (map[string]any, error) {
		return map[string]any{"result": p["prefix"].(string) + p["text"].(string)}, nil
	})
	e := newTestEngine(inv, nil)

	g := newGraph(t, actionStep("s1", 0, "fmt", map[string]string{"text": "lines"}, map[string]string{"result": "out"}))
	vars := newVars(t, input("lines", schema.ArrayOf(schema.TypeString), []string{"a", "b"}), outputVar("out", strSchema))

	_, _, err := e.ExecuteStep(context.Background(), g, vars, NewRunState("r", "w"), 0)
	require.NoError(t, err)

	require.Len(t, inv.params, 1)
	assert.Equal(t, "a\nb", inv.params[0]["text"])
	assert.NotContains(t, inv.params[0], "note")
	out, _ := vars.ResolvePath("out")
	assert.Equal(t, "> a\nb", out)
}

func TestExecuteStep_MissingInput(t *testing.T) {
	tests := []struct {
		name     string
		params   map[string]string
		vars     []schema.Variable
		wantPart string
	}{
		{"variable without value", map[string]string{"text": "in"}, []schema.Variable{outputVar("in", strSchema)}, "no value"},
		{"unknown variable", map[string]string{"text": "ghost"}, nil, "unknown variable"},
		{"unmapped required", nil, nil, "not mapped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := newFakeInvoker()
			echoTool(inv, "echo")
			e := newTestEngine(inv, nil)
			g := newGraph(t, actionStep("s1", 0, "echo", tt.params, nil))

			res, next, err := e.ExecuteStep(context.Background(), g, newVars(t, tt.vars...), NewRunState("r", "w"), 0)
			fe := requireCode(t, err, schema.ErrCodeMissingInput)
			assert.Contains(t, fe.Message, tt.wantPart)
			assert.Equal(t, "s1", fe.StepID)
			assert.Equal(t, "text", fe.Details["parameter"])
			assert.Equal(t, schema.StepStatusFailed, res.Status)
			assert.Len(t, next.StepResults, 1)
			assert.Zero(t, inv.callCount())
		})
	}
}

func TestExecuteStep_UnknownParameterMapping(t *testing.T) {
	inv := newFakeInvoker()
	echoTool(inv, "echo")
	e := newTestEngine(inv, nil)
	g := newGraph(t, actionStep("s1", 0, "echo", map[string]string{"text": "in", "volume": "in"}, nil))

	_, _, err := e.ExecuteStep(context.Background(), g, newVars(t, input("in", strSchema, "x")), NewRunState("r", "w"), 0)
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestExecuteStep_TypeMismatch(t *testing.T) {
	inv := newFakeInvoker()
	echoTool(inv, "echo")
	e := newTestEngine(inv, nil)
	g := newGraph(t, actionStep("s1", 0, "echo", map[string]string{"text": "n"}, nil))

	_, _, err := e.ExecuteStep(context.Background(), g, newVars(t, input("n", numSchema, 4)), NewRunState("r", "w"), 0)
	fe := requireCode(t, err, schema.ErrCodeTypeMismatch)
	assert.Equal(t, "n", fe.Details["variable"])
	assert.Zero(t, inv.callCount())
}

func TestExecuteStep_ToolUnavailable(t *testing.T) {
	e := newTestEngine(newFakeInvoker(), nil)
	g := newGraph(t, actionStep("s1", 0, "nope", nil, nil))

	_, _, err := e.ExecuteStep(context.Background(), g, newVars(t), NewRunState("r", "w"), 0)
	requireCode(t, err, schema.ErrCodeToolUnavailable)
}

func TestExecuteStep_ToolFailureKeepsOutputs(t *testing.T) {
	inv := newFakeInvoker()
	inv.add("boom", schema.ToolSignature{Outputs: []schema.ToolOutput{{Name: "result", Schema: strSchema}}},
		func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("upstream timeout")
		})
	e := newTestEngine(inv, nil)
	g := newGraph(t, actionStep("s1", 0, "boom", nil, map[string]string{"result": "out"}))
	vars := newVars(t, schema.Variable{Name: "out", Schema: strSchema, IOType: schema.IOOutput, Value: "previous"})

	res, _, err := e.ExecuteStep(context.Background(), g, vars, NewRunState("r", "w"), 0)
	fe := requireCode(t, err, schema.ErrCodeToolInvocation)
	assert.Contains(t, fe.Message, "upstream timeout")
	assert.Equal(t, "boom", fe.Details["tool_ref"])
	assert.Contains(t, res.ErrorMessage, "upstream timeout")

	v, _ := vars.Get("out")
	assert.Equal(t, "previous", v.Value)
}

func TestExecuteStep_OutputsValidatedBeforeWrite(t *testing.T) {
	inv := newFakeInvoker()
	inv.add("pair", schema.ToolSignature{Outputs: []schema.ToolOutput{
		{Name: "a", Schema: strSchema},
		{Name: "b", Schema: numSchema},
	}}, func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"a": "fine", "b": "not a number"}, nil
	})
	e := newTestEngine(inv, nil)
	g := newGraph(t, actionStep("s1", 0, "pair", nil, map[string]string{"a": "va", "b": "vb"}))
	vars := newVars(t, outputVar("va", strSchema), outputVar("vb", numSchema))

	_, _, err := e.ExecuteStep(context.Background(), g, vars, NewRunState("r", "w"), 0)
	requireCode(t, err, schema.ErrCodeTypeMismatch)

	va, _ := vars.Get("va")
	assert.False(t, va.HasValue(), "no output may be written when one is invalid")
}

func TestExecuteStep_MissingOutput(t *testing.T) {
	inv := newFakeInvoker()
	inv.add("quiet", schema.ToolSignature{Outputs: []schema.ToolOutput{{Name: "result", Schema: strSchema}}},
		func(context.Context, map[string]any) (map[string]any, error) { return map[string]any{}, nil })
	e := newTestEngine(inv, nil)
	g := newGraph(t, actionStep("s1", 0, "quiet", nil, map[string]string{"result": "out"}))

	_, _, err := e.ExecuteStep(context.Background(), g, newVars(t, outputVar("out", strSchema)), NewRunState("r", "w"), 0)
	fe := requireCode(t, err, schema.ErrCodeToolInvocation)
	assert.Equal(t, "result", fe.Details["output"])
}

func TestExecuteStep_EvaluationFirstMatchWins(t *testing.T) {
	e := newTestEngine(newFakeInvoker(), &mockAppender{})
	g := newGraph(t,
		actionStep("a", 0, "t", nil, nil),
		actionStep("b", 1, "t", nil, nil),
		evalStep("check", 2, 3, schema.DefaultContinue,
			cond("c1", "score", schema.OpGreaterThan, 10, intPtr(1)),
			cond("c2", "score", schema.OpGreaterThan, 1, intPtr(0)),
			cond("c3", "score", schema.OpGreaterThan, 0, intPtr(1)),
		),
	)
	vars := newVars(t, input("score", numSchema, 5))

	res, next, err := e.ExecuteStep(context.Background(), g, vars, NewRunState("r", "w"), 2)
	require.NoError(t, err)
	assert.Equal(t, Outcome{Kind: OutcomeJump, Target: 0, ConditionID: "c2"}, next.Outcome)
	assert.Equal(t, OutcomeJump, res.Outcome.Kind)

	ev, err := vars.Get(schema.EvaluationVariableName("check"))
	require.NoError(t, err)
	assert.Equal(t, schema.IOEvaluation, ev.IOType)
	rec := ev.Value.(map[string]any)
	assert.Equal(t, "c2", rec["condition_met"])
	assert.Equal(t, "jump", rec["next_action"])
	assert.Equal(t, 0, rec["target_step_index"])
	assert.Equal(t, 1, rec["jump_count"])
	assert.Equal(t, 3, rec["maximum_jumps"])
	assert.Equal(t, false, rec["max_jumps_reached"])
}

func TestExecuteStep_EvaluationDefaults(t *testing.T) {
	tests := []struct {
		name string
		def  schema.DefaultAction
		want OutcomeKind
	}{
		{"continue", schema.DefaultContinue, OutcomeContinue},
		{"empty means continue", "", OutcomeContinue},
		{"end", schema.DefaultEnd, OutcomeEnd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(newFakeInvoker(), nil)
			g := newGraph(t, evalStep("check", 0, 1, tt.def,
				cond("c1", "flag", schema.OpEquals, true, intPtr(0)),
				cond("c2", "missing.path[2]", schema.OpEquals, 1, intPtr(0)),
			))
			vars := newVars(t, input("flag", boolSchema, false))

			_, next, err := e.ExecuteStep(context.Background(), g, vars, NewRunState("r", "w"), 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, next.Outcome.Kind)

			rec, _ := vars.ResolvePath(schema.EvaluationVariableName("check"))
			assert.Equal(t, schema.ConditionNone, rec.(map[string]any)["condition_met"])
			assert.Equal(t, string(tt.want), rec.(map[string]any)["next_action"])
		})
	}
}

func TestExecuteStep_EvaluationMatchWithoutTarget(t *testing.T) {
	e := newTestEngine(newFakeInvoker(), nil)
	g := newGraph(t, evalStep("check", 0, 1, schema.DefaultEnd, cond("c1", "tags", schema.OpContains, "x", nil)))
	vars := newVars(t, input("tags", schema.ArrayOf(schema.TypeString), []any{"x"}))

	_, next, err := e.ExecuteStep(context.Background(), g, vars, NewRunState("r", "w"), 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeContinue, next.Outcome.Kind)
	assert.Equal(t, "c1", next.Outcome.ConditionID)

	met, _ := vars.ResolvePath(schema.EvaluationVariableName("check") + ".condition_met")
	assert.Equal(t, "c1", met)
	action, _ := vars.ResolvePath(schema.EvaluationVariableName("check") + ".next_action")
	assert.Equal(t, "continue", action)
}

func TestExecuteStep_EvaluationUnsupportedOperator(t *testing.T) {
	e := newTestEngine(newFakeInvoker(), nil)
	g := newGraph(t, evalStep("check", 0, 1, schema.DefaultContinue, cond("c1", "name", schema.OpGreaterThan, "m", intPtr(0))))
	vars := newVars(t, input("name", strSchema, "zed"))

	_, _, err := e.ExecuteStep(context.Background(), g, vars, NewRunState("r", "w"), 0)
	fe := requireCode(t, err, schema.ErrCodeUnsupportedOperator)
	assert.Equal(t, "c1", fe.Details["condition_id"])
	assert.Equal(t, "name", fe.Details["path"])
	assert.Equal(t, "check", fe.StepID)
}

func TestExecuteStep_EvaluationRewritesVariable(t *testing.T) {
	e := newTestEngine(newFakeInvoker(), nil)
	g := newGraph(t, evalStep("check", 0, 5, schema.DefaultContinue, cond("c1", "n", schema.OpLessThan, 3, intPtr(0))))
	vars := newVars(t, input("n", numSchema, 1))

	_, state, err := e.ExecuteStep(context.Background(), g, vars, NewRunState("r", "w"), 0)
	require.NoError(t, err)
	_, state, err = NextStepIndex(g, 0, state)
	require.NoError(t, err)

	require.NoError(t, vars.Set("n", 7))
	_, _, err = e.ExecuteStep(context.Background(), g, vars, state, 0)
	require.NoError(t, err)

	rec, _ := vars.ResolvePath(schema.EvaluationVariableName("check") + ".condition_met")
	assert.Equal(t, schema.ConditionNone, rec)
	count, _ := vars.ResolvePath(schema.EvaluationVariableName("check") + ".jump_count")
	assert.Equal(t, 1, count)
}
