// Package engine executes workflows step by step: it resolves typed variables
// into tool parameters, invokes tools, writes outputs back and decides the
// next step while bounding loops.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/variables"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultMaxStepExecutions bounds the total step executions of one run.
const DefaultMaxStepExecutions = 1000

// Invoker is the tool-invocation collaborator. Invoke may block and should
// honor ctx.
type Invoker interface {
	Signature(toolRef string) (schema.ToolSignature, error)
	Invoke(ctx context.Context, toolRef string, params map[string]any) (map[string]any, error)
}

// Checkpoint is the state handed to a Checkpointer after every step.
type Checkpoint struct {
	State     RunState
	Result    StepResult
	Variables []schema.Variable
}

// Checkpointer persists run progress between steps.
type Checkpointer interface {
	Checkpoint(ctx context.Context, cp Checkpoint) error
}

// Config holds configuration for the engine.
type Config struct {
	MaxStepExecutions int          // step ceiling per run; 0 = DefaultMaxStepExecutions
	Events            EventAppender // optional event sink
	Logger            *slog.Logger  // nil = slog.Default()
}

// Engine runs workflows. It keeps no per-run state, so one Engine serves any
// number of concurrent runs.
type Engine struct {
	invoker  Invoker
	cfg      Config
	appender EventAppender
	runFSM   *RunFSM
	stepFSM  *StepFSM
	log      *slog.Logger
}

// New creates an Engine that invokes tools through inv.
func New(inv Invoker, cfg Config) *Engine {
	if cfg.MaxStepExecutions <= 0 {
		cfg.MaxStepExecutions = DefaultMaxStepExecutions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appender := cfg.Events
	if appender == nil {
		appender = nopAppender{}
	}
	return &Engine{
		invoker:  inv,
		cfg:      cfg,
		appender: appender,
		runFSM:   NewRunFSM(appender),
		stepFSM:  NewStepFSM(appender),
		log:      logger,
	}
}

// CancelFlag is a cooperative cancellation signal checked between steps.
// In-flight tool calls are not interrupted.
type CancelFlag struct {
	set    atomic.Bool
	mu     sync.Mutex
	reason string
}

// Cancel raises the flag. The first reason wins.
func (c *CancelFlag) Cancel(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set.Load() {
		return
	}
	c.reason = reason
	c.set.Store(true)
}

// Cancelled reports whether the flag is raised.
func (c *CancelFlag) Cancelled() bool {
	return c != nil && c.set.Load()
}

// Reason returns the reason given to Cancel.
func (c *CancelFlag) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// RunRequest describes one run.
type RunRequest struct {
	RunID        string
	WorkflowID   string
	Source       graph.Source
	Variables    *variables.Store
	Cancel       *CancelFlag  // optional
	Checkpointer Checkpointer // optional
	State        *RunState    // resume from this state instead of starting fresh
}

// Run drives a workflow from its current step until the step index runs past
// the last step or a step fails. The graph is re-fetched from the source
// before every step. A failed run returns its final state together with the
// structured error.
func (e *Engine) Run(ctx context.Context, req RunRequest) (RunState, error) {
	state := NewRunState(req.RunID, req.WorkflowID)
	if req.State != nil {
		state = req.State.clone()
		state.RunID, state.WorkflowID = req.RunID, req.WorkflowID
	}
	if req.Source == nil || req.Variables == nil {
		return state, schema.NewError(schema.ErrCodeValidation, "run requires a graph source and a variable store")
	}

	ctx = logging.WithRunID(logging.WithWorkflowID(ctx, req.WorkflowID), req.RunID)
	log := logging.LogWith(ctx, e.log)
	ref := RunRef{RunID: req.RunID, WorkflowID: req.WorkflowID}

	if state.Status.Terminal() {
		return state, schema.NewErrorf(schema.ErrCodeInvalidTransition, "run is already %s", state.Status)
	}
	if state.Status == schema.RunStatusPending || state.Status == "" {
		if err := e.runFSM.Transition(ctx, ref, schema.RunStatusPending, schema.RunStatusRunning, nil); err != nil {
			return state, err
		}
		state.Status = schema.RunStatusRunning
	}
	started := time.Now()
	log.Info("run started", slog.Int("step_index", state.CurrentStepIndex))

	for {
		g, err := req.Source.Graph(ctx)
		if err != nil {
			return e.fail(ctx, ref, req, state, StepResult{}, schema.AsFlowError(err, schema.ErrCodeStore))
		}
		if state.CurrentStepIndex >= g.StepCount() {
			break
		}

		if req.Cancel.Cancelled() || ctx.Err() != nil {
			reason := "cancelled"
			if req.Cancel.Cancelled() && req.Cancel.Reason() != "" {
				reason = req.Cancel.Reason()
			}
			return e.fail(ctx, ref, req, state, StepResult{}, schema.NewError(schema.ErrCodeCancelled, "cancelled").
				WithDetails(map[string]any{"reason": reason}))
		}

		if state.ExecutedSteps >= e.cfg.MaxStepExecutions {
			return e.fail(ctx, ref, req, state, StepResult{}, schema.NewErrorf(schema.ErrCodeStuckExecution,
				"run exceeded %d step executions", e.cfg.MaxStepExecutions).
				WithDetails(map[string]any{"max_step_executions": e.cfg.MaxStepExecutions, "step_index": state.CurrentStepIndex}))
		}

		current := state.CurrentStepIndex
		res, next, err := e.ExecuteStep(ctx, g, req.Variables, state, current)
		state = next
		if err != nil {
			return e.fail(ctx, ref, req, state, res, schema.AsFlowError(err, schema.ErrCodeToolInvocation))
		}

		_, next, err = NextStepIndex(g, current, state)
		if err != nil {
			return e.fail(ctx, ref, req, state, res, schema.AsFlowError(err, schema.ErrCodeInvalidJump))
		}
		e.recordJump(ctx, ref, g, current, state, next)
		state = next
		e.checkpoint(ctx, req, state, res)
	}

	if err := e.runFSM.Transition(ctx, ref, state.Status, schema.RunStatusCompleted,
		map[string]any{"executed_steps": state.ExecutedSteps, "jump_count": state.JumpCount}); err != nil {
		return state, err
	}
	state.Status = schema.RunStatusCompleted
	log.Info("run completed",
		slog.Int("executed_steps", state.ExecutedSteps),
		slog.Int("jump_count", state.JumpCount),
		slog.Duration("duration", time.Since(started)))
	return state, nil
}

// recordJump emits the jump decision taken by NextStepIndex.
func (e *Engine) recordJump(ctx context.Context, ref RunRef, g *graph.Graph, current int, before, after RunState) {
	if before.Outcome.Kind != OutcomeJump {
		return
	}
	step, err := g.StepAt(current)
	if err != nil || step.Evaluation == nil {
		return
	}
	count := after.JumpCounts[step.ID]
	payload := map[string]any{
		"from":          current,
		"target":        before.Outcome.Target,
		"jump_count":    count,
		"maximum_jumps": step.Evaluation.MaximumJumps,
	}
	eventType := schema.EventJumpTaken
	if count > step.Evaluation.MaximumJumps {
		eventType = schema.EventMaxJumpsReached
	}
	e.record(ctx, emit(ctx, e.appender, ref, step.ID, eventType, payload))
}

// fail moves the run to failed, checkpoints it with the failing step result
// (zero when no step was executed) and returns the structured error.
func (e *Engine) fail(ctx context.Context, ref RunRef, req RunRequest, state RunState, res StepResult, fe *schema.FlowError) (RunState, error) {
	from := state.Status
	state.Status = schema.RunStatusFailed
	state.Error = fe
	if err := e.runFSM.Transition(ctx, ref, from, schema.RunStatusFailed, fe); err != nil {
		logging.LogWith(ctx, e.log).Warn("failed to record run failure", slog.String("error", err.Error()))
	}
	e.checkpoint(ctx, req, state, res)
	logging.LogWith(ctx, e.log).Warn("run failed",
		slog.String("code", fe.Code),
		slog.String("error", fe.Message),
		slog.Int("step_index", state.CurrentStepIndex))
	return state, fe
}

func (e *Engine) checkpoint(ctx context.Context, req RunRequest, state RunState, res StepResult) {
	if req.Checkpointer == nil {
		return
	}
	cp := Checkpoint{State: state, Result: res, Variables: req.Variables.Snapshot()}
	if err := req.Checkpointer.Checkpoint(ctx, cp); err != nil {
		logging.LogWith(ctx, e.log).Warn("checkpoint failed", slog.String("error", err.Error()))
	}
}

// record logs an event emission failure. Step-level events are best-effort.
func (e *Engine) record(ctx context.Context, err error) {
	if err != nil {
		logging.LogWith(ctx, e.log).Warn("event not recorded", slog.String("error", err.Error()))
	}
}
