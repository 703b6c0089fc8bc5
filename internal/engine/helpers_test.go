package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/variables"
	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/require"
)

// --- Tool invoker ---

type fakeTool struct {
	sig schema.ToolSignature
	fn  func(ctx context.Context, params map[string]any) (map[string]any, error)
}

type fakeInvoker struct {
	mu     sync.Mutex
	tools  map[string]fakeTool
	calls  []string
	params []map[string]any
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{tools: map[string]fakeTool{}}
}

func (f *fakeInvoker) add(name string, sig schema.ToolSignature, fn func(context.Context, map[string]any) (map[string]any, error)) {
	f.tools[name] = fakeTool{sig: sig, fn: fn}
}

func (f *fakeInvoker) Signature(toolRef string) (schema.ToolSignature, error) {
	t, ok := f.tools[toolRef]
	if !ok {
		return schema.ToolSignature{}, schema.NewErrorf(schema.ErrCodeToolUnavailable, "tool %q not registered", toolRef)
	}
	return t.sig, nil
}

func (f *fakeInvoker) Invoke(ctx context.Context, toolRef string, params map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, toolRef)
	f.params = append(f.params, params)
	f.mu.Unlock()
	return f.tools[toolRef].fn(ctx, params)
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// --- Event appenders ---

type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func (m *mockAppender) count(eventType string) int {
	n := 0
	for _, t := range m.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

type failAppender struct{}

func (failAppender) AppendEvent(context.Context, *store.Event) error {
	return errors.New("disk full")
}

// --- Checkpointer ---

type recordingCheckpointer struct {
	mu  sync.Mutex
	cps []Checkpoint
}

func (r *recordingCheckpointer) Checkpoint(_ context.Context, cp Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cps = append(r.cps, cp)
	return nil
}

// --- Builders ---

var (
	strSchema  = schema.Primitive(schema.TypeString)
	numSchema  = schema.Primitive(schema.TypeNumber)
	boolSchema = schema.Primitive(schema.TypeBoolean)
)

func intPtr(i int) *int { return &i }

func actionStep(id string, seq int, tool string, params, outputs map[string]string) schema.Step {
	return schema.Step{
		ID:             id,
		SequenceNumber: seq,
		Type:           schema.StepTypeAction,
		Action:         &schema.ActionStep{ToolRef: tool, ParameterMappings: params, OutputMappings: outputs},
	}
}

func evalStep(id string, seq, maxJumps int, def schema.DefaultAction, conds ...schema.Condition) schema.Step {
	return schema.Step{
		ID:             id,
		SequenceNumber: seq,
		Type:           schema.StepTypeEvaluation,
		Evaluation:     &schema.EvaluationStep{Conditions: conds, DefaultAction: def, MaximumJumps: maxJumps},
	}
}

func cond(id, path string, op schema.Operator, value any, target *int) schema.Condition {
	return schema.Condition{ID: id, VariablePath: path, Operator: op, Value: value, TargetStepIndex: target}
}

func input(name string, s schema.ValueSchema, value any) schema.Variable {
	return schema.Variable{Name: name, Schema: s, IOType: schema.IOInput, Value: value}
}

func outputVar(name string, s schema.ValueSchema) schema.Variable {
	return schema.Variable{Name: name, Schema: s, IOType: schema.IOOutput}
}

func newGraph(t *testing.T, steps ...schema.Step) *graph.Graph {
	t.Helper()
	g, err := graph.New(steps)
	require.NoError(t, err)
	return g
}

func newVars(t *testing.T, vars ...schema.Variable) *variables.Store {
	t.Helper()
	s, err := variables.New(vars...)
	require.NoError(t, err)
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(inv Invoker, appender EventAppender) *Engine {
	return New(inv, Config{Events: appender, Logger: quietLogger()})
}

func requireCode(t *testing.T, err error, code string) *schema.FlowError {
	t.Helper()
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe), "expected FlowError, got %T: %v", err, err)
	require.Equal(t, code, fe.Code, fe.Message)
	return fe
}

// counterTool produces an increasing number on output "n".
func counterTool(inv *fakeInvoker, name string) {
	var mu sync.Mutex
	n := 0
	inv.add(name, schema.ToolSignature{Outputs: []schema.ToolOutput{{Name: "n", Schema: numSchema}}},
		func(context.Context, map[string]any) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()
			n++
			return map[string]any{"n": n}, nil
		})
}

// echoTool copies its text parameter to output "result".
func echoTool(inv *fakeInvoker, name string) {
	inv.add(name, schema.ToolSignature{
		Parameters: []schema.ToolParameter{{Name: "text", Schema: strSchema, Required: true}},
		Outputs:    []schema.ToolOutput{{Name: "result", Schema: strSchema}},
	}, func(_ context.Context, p map[string]any) (map[string]any, error) {
		return map[string]any{"result": p["text"]}, nil
	})
}

func newVarsNoT(vars ...schema.Variable) (*variables.Store, error) {
	return variables.New(vars...)
}
