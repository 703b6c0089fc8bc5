package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/tools"
	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_UppercaseWorkflow(t *testing.T) {
	reg, err := tools.NewBuiltinRegistry(tools.Config{})
	require.NoError(t, err)
	app := &mockAppender{}
	e := newTestEngine(reg, app)

	g := newGraph(t,
		actionStep("upper", 0, "text.uppercase", map[string]string{"text": "text"}, map[string]string{"result": "shout"}),
		evalStep("check", 1, 0, schema.DefaultContinue,
			cond("is-upper", "shout", schema.OpEquals, "HELLO", intPtr(0))),
	)
	vars := newVars(t, input("text", strSchema, "hello"), outputVar("shout", strSchema))

	state, err := e.Run(context.Background(), RunRequest{RunID: "run-1", WorkflowID: "wf-1", Source: graph.Static(g), Variables: vars})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, state.Status)
	assert.Equal(t, 2, state.ExecutedSteps)
	assert.Equal(t, 2, state.CurrentStepIndex)
	assert.Nil(t, state.Error)

	shout, _ := vars.ResolvePath("shout")
	assert.Equal(t, "HELLO", shout)
	reached, _ := vars.ResolvePath("eval_check.max_jumps_reached")
	assert.Equal(t, true, reached)
	met, _ := vars.ResolvePath("eval_check.condition_met")
	assert.Equal(t, "is-upper", met)
	action, _ := vars.ResolvePath("eval_check.next_action")
	assert.Equal(t, "continue", action)

	types := app.types()
	assert.Equal(t, schema.EventRunStarted, types[0])
	assert.Equal(t, schema.EventRunCompleted, types[len(types)-1])
	assert.Equal(t, 1, app.count(schema.EventMaxJumpsReached))
	assert.Zero(t, app.count(schema.EventJumpTaken))
}

func TestRun_JumpTwiceThenFallThrough(t *testing.T) {
	inv := newFakeInvoker()
	counterTool(inv, "count")
	echoTool(inv, "echo")
	app := &mockAppender{}
	e := newTestEngine(inv, app)

	g := newGraph(t,
		actionStep("tick", 0, "count", nil, map[string]string{"n": "n"}),
		evalStep("loop", 1, 2, schema.DefaultContinue, cond("always", "flag", schema.OpEquals, true, intPtr(0))),
		actionStep("done", 2, "echo", map[string]string{"text": "msg"}, map[string]string{"result": "final"}),
	)
	vars := newVars(t,
		input("flag", boolSchema, true),
		input("msg", strSchema, "bye"),
		outputVar("n", numSchema),
		outputVar("final", strSchema),
	)

	state, err := e.Run(context.Background(), RunRequest{RunID: "r", WorkflowID: "w", Source: graph.Static(g), Variables: vars})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, state.Status)
	assert.Equal(t, 7, state.ExecutedSteps)
	assert.Equal(t, 3, state.JumpCounts["loop"])
	assert.Equal(t, 3, state.JumpCount)

	n, _ := vars.ResolvePath("n")
	assert.Equal(t, 3, n)
	final, _ := vars.ResolvePath("final")
	assert.Equal(t, "bye", final)
	reached, _ := vars.ResolvePath("eval_loop.max_jumps_reached")
	assert.Equal(t, true, reached)

	assert.Equal(t, 2, app.count(schema.EventJumpTaken))
	assert.Equal(t, 1, app.count(schema.EventMaxJumpsReached))
	assert.Equal(t, 7, app.count(schema.EventStepCompleted))
}

func TestRun_DefaultEndStopsEarly(t *testing.T) {
	inv := newFakeInvoker()
	counterTool(inv, "count")
	e := newTestEngine(inv, nil)

	g := newGraph(t,
		evalStep("gate", 0, 1, schema.DefaultEnd, cond("c", "flag", schema.OpEquals, true, intPtr(1))),
		actionStep("never", 1, "count", nil, map[string]string{"n": "n"}),
	)
	vars := newVars(t, input("flag", boolSchema, false), outputVar("n", numSchema))

	state, err := e.Run(context.Background(), RunRequest{RunID: "r", WorkflowID: "w", Source: graph.Static(g), Variables: vars})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, state.Status)
	assert.Equal(t, 1, state.ExecutedSteps)
	assert.Zero(t, inv.callCount())
}

func TestRun_EmptyWorkflowCompletes(t *testing.T) {
	e := newTestEngine(newFakeInvoker(), nil)
	g := newGraph(t)
	state, err := e.Run(context.Background(), RunRequest{RunID: "r", WorkflowID: "w", Source: graph.Static(g), Variables: newVars(t)})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, state.Status)
	assert.Zero(t, state.ExecutedSteps)
}

func TestRun_StuckExecution(t *testing.T) {
	e := New(newFakeInvoker(), Config{MaxStepExecutions: 5, Logger: quietLogger()})
	g := newGraph(t, evalStep("spin", 0, 1000, schema.DefaultContinue, cond("c", "flag", schema.OpEquals, true, intPtr(0))))
	vars := newVars(t, input("flag", boolSchema, true))

	state, err := e.Run(context.Background(), RunRequest{RunID: "r", WorkflowID: "w", Source: graph.Static(g), Variables: vars})
	fe := requireCode(t, err, schema.ErrCodeStuckExecution)
	assert.Equal(t, 5, fe.Details["max_step_executions"])
	assert.Equal(t, schema.RunStatusFailed, state.Status)
	assert.Equal(t, 5, state.ExecutedSteps)
	assert.Equal(t, fe, state.Error)
}

func TestRun_DefaultCeiling(t *testing.T) {
	e := newTestEngine(newFakeInvoker(), nil)
	assert.Equal(t, DefaultMaxStepExecutions, e.cfg.MaxStepExecutions)
}

func TestRun_InvalidJumpFails(t *testing.T) {
	e := newTestEngine(newFakeInvoker(), nil)
	g := newGraph(t, evalStep("bad", 0, 3, schema.DefaultContinue, cond("c", "flag", schema.OpEquals, true, intPtr(9))))
	vars := newVars(t, input("flag", boolSchema, true))

	state, err := e.Run(context.Background(), RunRequest{RunID: "r", WorkflowID: "w", Source: graph.Static(g), Variables: vars})
	requireCode(t, err, schema.ErrCodeInvalidJump)
	assert.Equal(t, schema.RunStatusFailed, state.Status)
}

func TestRun_ToolFailurePreservesEarlierOutputs(t *testing.T) {
	inv := newFakeInvoker()
	echoTool(inv, "echo")
	inv.add("boom", schema.ToolSignature{}, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("quota exceeded")
	})
	app := &mockAppender{}
	cp := &recordingCheckpointer{}
	e := newTestEngine(inv, app)

	g := newGraph(t,
		actionStep("first", 0, "echo", map[string]string{"text": "in"}, map[string]string{"result": "out"}),
		actionStep("second", 1, "boom", nil, nil),
		actionStep("third", 2, "echo", map[string]string{"text": "in"}, nil),
	)
	vars := newVars(t, input("in", strSchema, "kept"), outputVar("out", strSchema))

	state, err := e.Run(context.Background(), RunRequest{RunID: "r", WorkflowID: "w", Source: graph.Static(g), Variables: vars, Checkpointer: cp})
	fe := requireCode(t, err, schema.ErrCodeToolInvocation)
	assert.Equal(t, "second", fe.StepID)
	assert.Equal(t, schema.RunStatusFailed, state.Status)
	assert.Equal(t, 1, state.CurrentStepIndex)
	require.Len(t, state.StepResults, 2)
	assert.Equal(t, schema.StepStatusCompleted, state.StepResults[0].Status)
	assert.Equal(t, schema.StepStatusFailed, state.StepResults[1].Status)

	out, _ := vars.ResolvePath("out")
	assert.Equal(t, "kept", out)
	assert.Equal(t, 2, inv.callCount())

	require.Len(t, cp.cps, 2)
	last := cp.cps[1]
	assert.Equal(t, schema.RunStatusFailed, last.State.Status)
	assert.Equal(t, "second", last.Result.StepID)
	assert.Len(t, last.Variables, 2)
	assert.Equal(t, schema.EventRunFailed, app.types()[len(app.types())-1])
}

func TestRun_CancelBeforeStart(t *testing.T) {
	inv := newFakeInvoker()
	counterTool(inv, "count")
	e := newTestEngine(inv, nil)
	g := newGraph(t, actionStep("a", 0, "count", nil, nil))

	flag := &CancelFlag{}
	flag.Cancel("user abort")
	flag.Cancel("second reason")

	state, err := e.Run(context.Background(), RunRequest{RunID: "r", WorkflowID: "w", Source: graph.Static(g), Variables: newVars(t), Cancel: flag})
	fe := requireCode(t, err, schema.ErrCodeCancelled)
	assert.Equal(t, "cancelled", fe.Message)
	assert.Equal(t, "user abort", fe.Details["reason"])
	assert.Equal(t, schema.RunStatusFailed, state.Status)
	assert.Zero(t, inv.callCount())
}

func TestRun_CancelBetweenSteps(t *testing.T) {
	flag := &CancelFlag{}
	inv := newFakeInvoker()
	inv.add("stop", schema.ToolSignature{}, func(context.Context, map[string]any) (map[string]any, error) {
		flag.Cancel("enough")
		return map[string]any{}, nil
	})
	counterTool(inv, "count")
	e := newTestEngine(inv, nil)
	g := newGraph(t, actionStep("a", 0, "stop", nil, nil), actionStep("b", 1, "count", nil, nil))

	state, err := e.Run(context.Background(), RunRequest{RunID: "r", WorkflowID: "w", Source: graph.Static(g), Variables: newVars(t), Cancel: flag})
	requireCode(t, err, schema.ErrCodeCancelled)
	assert.Equal(t, 1, state.ExecutedSteps)
	assert.Equal(t, 1, state.CurrentStepIndex)
	assert.Equal(t, []string{"stop"}, inv.calls)
}

func TestRun_ContextCancelled(t *testing.T) {
	e := newTestEngine(newFakeInvoker(), nil)
	g := newGraph(t, actionStep("a", 0, "count", nil, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, RunRequest{RunID: "r", WorkflowID: "w", Source: graph.Static(g), Variables: newVars(t)})
	requireCode(t, err, schema.ErrCodeCancelled)
}

func TestRun_RefetchesGraphEveryStep(t *testing.T) {
	inv := newFakeInvoker()
	counterTool(inv, "count")
	e := newTestEngine(inv, nil)

	g1 := newGraph(t, actionStep("a", 0, "count", nil, map[string]string{"n": "n"}))
	g2 := newGraph(t,
		actionStep("a", 0, "count", nil, map[string]string{"n": "n"}),
		actionStep("b", 1, "count", nil, map[string]string{"n": "n"}),
	)
	var fetches atomic.Int32
	src := graph.SourceFunc(func(context.Context) (*graph.Graph, error) {
		if fetches.Add(1) == 1 {
			return g1, nil
		}
		return g2, nil
	})

	state, err := e.Run(context.Background(), RunRequest{RunID: "r", WorkflowID: "w", Source: src, Variables: newVars(t, outputVar("n", numSchema))})
	require.NoError(t, err)
	assert.Equal(t, 2, state.ExecutedSteps, "step added between fetches must run")
	assert.Equal(t, int32(3), fetches.Load())
}

func TestRun_SourceError(t *testing.T) {
	e := newTestEngine(newFakeInvoker(), nil)
	src := graph.SourceFunc(func(context.Context) (*graph.Graph, error) {
		return nil, errors.New("db offline")
	})
	state, err := e.Run(context.Background(), RunRequest{RunID: "r", WorkflowID: "w", Source: src, Variables: newVars(t)})
	requireCode(t, err, schema.ErrCodeStore)
	assert.Equal(t, schema.RunStatusFailed, state.Status)
}

func TestRun_CheckpointsEveryStep(t *testing.T) {
	inv := newFakeInvoker()
	counterTool(inv, "count")
	cp := &recordingCheckpointer{}
	e := newTestEngine(inv, nil)
	g := newGraph(t,
		actionStep("a", 0, "count", nil, map[string]string{"n": "n"}),
		actionStep("b", 1, "count", nil, map[string]string{"n": "n"}),
	)

	_, err := e.Run(context.Background(), RunRequest{RunID: "r", WorkflowID: "w", Source: graph.Static(g), Variables: newVars(t, outputVar("n", numSchema)), Checkpointer: cp})
	require.NoError(t, err)
	require.Len(t, cp.cps, 2)
	assert.Equal(t, 1, cp.cps[0].State.CurrentStepIndex)
	assert.Equal(t, 2, cp.cps[1].State.CurrentStepIndex)
	assert.Equal(t, 1, cp.cps[0].Variables[0].Value)
	assert.Equal(t, 2, cp.cps[1].Variables[0].Value)
}

func TestRun_ResumeFromState(t *testing.T) {
	inv := newFakeInvoker()
	counterTool(inv, "count")
	e := newTestEngine(inv, nil)
	g := newGraph(t,
		actionStep("a", 0, "count", nil, nil),
		actionStep("b", 1, "count", nil, nil),
	)
	resume := NewRunState("old", "old")
	resume.Status = schema.RunStatusRunning
	resume.CurrentStepIndex = 1
	resume.ExecutedSteps = 1

	state, err := e.Run(context.Background(), RunRequest{RunID: "r", WorkflowID: "w", Source: graph.Static(g), Variables: newVars(t), State: &resume})
	require.NoError(t, err)
	assert.Equal(t, "r", state.RunID)
	assert.Equal(t, 2, state.ExecutedSteps)
	assert.Equal(t, 1, inv.callCount())
	assert.Equal(t, 1, resume.CurrentStepIndex, "resume state must not be modified")

	done := state
	_, err = e.Run(context.Background(), RunRequest{RunID: "r", WorkflowID: "w", Source: graph.Static(g), Variables: newVars(t), State: &done})
	requireCode(t, err, schema.ErrCodeInvalidTransition)
}

func TestRun_RequiresSourceAndVariables(t *testing.T) {
	e := newTestEngine(newFakeInvoker(), nil)
	_, err := e.Run(context.Background(), RunRequest{RunID: "r"})
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestRun_EventFailuresDoNotFailSteps(t *testing.T) {
	inv := newFakeInvoker()
	counterTool(inv, "count")
	e := New(inv, Config{Events: failAppender{}, Logger: quietLogger()})
	g := newGraph(t, actionStep("a", 0, "count", nil, nil))

	// The run_started transition itself cannot be recorded.
	_, err := e.Run(context.Background(), RunRequest{RunID: "r", WorkflowID: "w", Source: graph.Static(g), Variables: newVars(t)})
	requireCode(t, err, schema.ErrCodeStore)

	// Step-level events are best-effort.
	res, _, err := e.ExecuteStep(context.Background(), g, newVars(t), NewRunState("r", "w"), 0)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, res.Status)
}

func TestRun_IndependentRunsConcurrently(t *testing.T) {
	inv := newFakeInvoker()
	echoTool(inv, "echo")
	e := newTestEngine(inv, nil)
	g := newGraph(t, actionStep("a", 0, "echo", map[string]string{"text": "in"}, map[string]string{"result": "out"}))

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			vars, err := newVarsNoT(input("in", strSchema, "x"), outputVar("out", strSchema))
			if err != nil {
				errs <- err
				return
			}
			_, err = e.Run(context.Background(), RunRequest{RunID: "r", WorkflowID: "w", Source: graph.Static(g), Variables: vars})
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestCancelFlag_NilSafe(t *testing.T) {
	var flag *CancelFlag
	assert.False(t, flag.Cancelled())
}
