// Package runner embeds the engine in an application. It stores workflow
// definitions, starts runs of stored workflows with caller inputs, persists
// their progress between steps and cancels them on request.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/internal/variables"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultConcurrency is the number of background runs executed at once.
const DefaultConcurrency = 4

// Config holds configuration for the Runner.
type Config struct {
	Concurrency       int                // background runs; 0 = DefaultConcurrency
	MaxStepExecutions int                // step ceiling per run; 0 = engine default
	Hub               streaming.EventHub // optional; receives every recorded event
	Logger            *slog.Logger
}

// Report is the observable state of a run.
type Report struct {
	Run    *store.Run          `json:"run"`
	Steps  []*store.StepRecord `json:"steps,omitempty"`
	Active bool                `json:"active"`
}

type activeRun struct {
	workflowID string
	flag       *engine.CancelFlag
}

// Runner drives engine runs of stored workflows. It is safe for concurrent use.
type Runner struct {
	store     store.Store
	events    streaming.Appender
	engine    *engine.Engine
	validator *validation.WorkflowValidator
	pool      *Pool
	log       *slog.Logger

	mu     sync.Mutex
	active map[string]activeRun
}

// New creates a Runner persisting to s and invoking tools through inv. The
// store also receives the run event log, which is mirrored to cfg.Hub when
// set.
func New(s store.Store, inv engine.Invoker, cfg Config) (*Runner, error) {
	if s == nil || inv == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "runner requires a store and a tool invoker")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	validator, err := validation.NewWorkflowValidator(inv)
	if err != nil {
		return nil, fmt.Errorf("create workflow validator: %w", err)
	}
	var events streaming.Appender = s
	if cfg.Hub != nil {
		events = streaming.Tee(s, cfg.Hub)
	}
	return &Runner{
		store:  s,
		events: events,
		engine: engine.New(inv, engine.Config{
			MaxStepExecutions: cfg.MaxStepExecutions,
			Events:            events,
			Logger:            logger,
		}),
		validator: validator,
		pool:      NewPool(cfg.Concurrency),
		log:       logger,
		active:    make(map[string]activeRun),
	}, nil
}

// Validate checks def against the registered tools without storing it.
func (r *Runner) Validate(def *schema.Workflow) *schema.ValidationResult {
	return r.validator.Validate(def)
}

// Define validates def and stores it, replacing an existing workflow with the
// same id. A definition without an id gets a fresh one. Invalid definitions
// are rejected with VALIDATION_ERROR and the full result.
func (r *Runner) Define(ctx context.Context, def schema.Workflow) (*store.Workflow, *schema.ValidationResult, error) {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	result := r.validator.Validate(&def)
	if err := result.ToError(); err != nil {
		return nil, result, err
	}

	rec := &store.Workflow{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Definition:  def,
	}
	existing, err := r.store.GetWorkflow(ctx, def.ID)
	switch {
	case err == nil:
		rec.CreatedAt = existing.CreatedAt
		if err := r.store.UpdateWorkflow(ctx, rec); err != nil {
			return nil, result, storeErr("update workflow", err)
		}
	case schema.IsCode(err, schema.ErrCodeNotFound):
		if err := r.store.CreateWorkflow(ctx, rec); err != nil {
			return nil, result, storeErr("create workflow", err)
		}
	default:
		return nil, result, storeErr("get workflow", err)
	}

	r.log.Info("workflow defined",
		slog.String("workflow_id", rec.ID),
		slog.String("name", rec.Name),
		slog.Int("steps", len(def.Steps)),
		slog.Int("warnings", len(result.Warnings)))
	return rec, result, nil
}

// Workflow returns a stored workflow.
func (r *Runner) Workflow(ctx context.Context, id string) (*store.Workflow, error) {
	wf, err := r.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, storeErr("get workflow", err)
	}
	return wf, nil
}

// Workflows lists stored workflows.
func (r *Runner) Workflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	wfs, err := r.store.ListWorkflows(ctx, filter)
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	return wfs, nil
}

// DeleteWorkflow removes a stored workflow. Runs in flight fail at their next
// step because their graph can no longer be fetched.
func (r *Runner) DeleteWorkflow(ctx context.Context, id string) error {
	if err := r.store.DeleteWorkflow(ctx, id); err != nil {
		return storeErr("delete workflow", err)
	}
	r.log.Info("workflow deleted", slog.String("workflow_id", id))
	return nil
}

// Start creates a run of the stored workflow and executes it in the
// background. The returned record is pending; poll Status for progress.
func (r *Runner) Start(ctx context.Context, workflowID string, inputs map[string]any) (*store.Run, error) {
	vars, err := r.prepare(ctx, workflowID, inputs)
	if err != nil {
		return nil, err
	}
	run, err := r.createRun(ctx, workflowID, inputs)
	if err != nil {
		return nil, err
	}
	flag, err := r.tryTrack(run)
	if err != nil {
		return nil, err
	}

	err = r.pool.Submit(ctx, func(ctx context.Context) error {
		_, err := r.execute(ctx, run, vars, flag, nil)
		return err
	})
	if err != nil {
		r.untrack(run.ID)
		fe := schema.NewError(schema.ErrCodeCancelled, "run could not be scheduled").WithCause(err)
		r.finish(ctx, run, engine.RunState{Status: schema.RunStatusFailed, Error: fe}, vars, time.Now().UTC(), fe)
		return nil, fe
	}
	return run, nil
}

// Run creates a run of the stored workflow and executes it to completion. It
// returns the final run record together with the run's structured error, if
// any.
func (r *Runner) Run(ctx context.Context, workflowID string, inputs map[string]any) (*store.Run, error) {
	vars, err := r.prepare(ctx, workflowID, inputs)
	if err != nil {
		return nil, err
	}
	run, err := r.createRun(ctx, workflowID, inputs)
	if err != nil {
		return nil, err
	}
	flag, err := r.tryTrack(run)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, run, vars, flag, nil)
}

// Status reports the persisted state of a run and its executed steps.
func (r *Runner) Status(ctx context.Context, runID string) (*Report, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, storeErr("get run", err)
	}
	steps, err := r.store.ListStepResults(ctx, runID)
	if err != nil {
		return nil, storeErr("list step results", err)
	}
	r.mu.Lock()
	_, active := r.active[runID]
	r.mu.Unlock()
	return &Report{Run: run, Steps: steps, Active: active}, nil
}

// Runs lists run records.
func (r *Runner) Runs(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	runs, err := r.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	return runs, nil
}

// Cancel asks an active run to stop before its next step. A step already
// executing is not interrupted.
func (r *Runner) Cancel(ctx context.Context, runID, reason string) error {
	r.mu.Lock()
	ar, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		run, err := r.store.GetRun(ctx, runID)
		if err != nil {
			return storeErr("get run", err)
		}
		if run.Status.Terminal() {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %q is already %s", runID, run.Status)
		}
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q is not executing in this process", runID)
	}

	if reason == "" {
		reason = "cancelled by request"
	}
	ar.flag.Cancel(reason)

	payload, _ := json.Marshal(map[string]any{"reason": reason})
	if err := r.events.AppendEvent(ctx, &store.Event{
		RunID:      runID,
		WorkflowID: ar.workflowID,
		Type:       schema.EventRunCancelRequested,
		Payload:    payload,
	}); err != nil {
		r.log.Warn("event not recorded",
			slog.String("run_id", runID),
			slog.String("event", schema.EventRunCancelRequested),
			slog.String("error", err.Error()))
	}
	r.log.Info("run cancel requested", slog.String("run_id", runID), slog.String("reason", reason))
	return nil
}

// Resume continues a run that was interrupted while running, from its last
// checkpoint. Runs that never started begin from the first step. A run that
// is already executing in this process is rejected with CONFLICT.
func (r *Runner) Resume(ctx context.Context, runID string) (*store.Run, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, storeErr("get run", err)
	}
	if run.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %q is already %s", runID, run.Status)
	}
	flag, err := r.tryTrack(run)
	if err != nil {
		return nil, err
	}

	// Re-read under the claim: another caller may have finished the run
	// between the first read and tryTrack.
	run, err = r.store.GetRun(ctx, runID)
	if err != nil {
		r.untrack(runID)
		return nil, storeErr("get run", err)
	}
	if run.Status.Terminal() {
		r.untrack(runID)
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %q is already %s", runID, run.Status)
	}

	vars, state, err := r.restore(ctx, run)
	if err != nil {
		r.untrack(runID)
		return nil, err
	}
	return r.execute(ctx, run, vars, flag, state)
}

// restore rebuilds the variables and engine state of a run from its last
// checkpoint, or seeds them from the inputs when it never checkpointed.
func (r *Runner) restore(ctx context.Context, run *store.Run) (*variables.Store, *engine.RunState, error) {
	if len(run.State) == 0 || len(run.Variables) == 0 {
		vars, err := r.prepare(ctx, run.WorkflowID, run.Inputs)
		return vars, nil, err
	}

	var state engine.RunState
	if err := json.Unmarshal(run.State, &state); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeStore, "run state is corrupt").WithCause(err)
	}
	var snapshot []schema.Variable
	if err := json.Unmarshal(run.Variables, &snapshot); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeStore, "run variables are corrupt").WithCause(err)
	}
	vars, err := variables.New(snapshot...)
	if err != nil {
		return nil, nil, err
	}
	return vars, &state, nil
}

// RecoverInterrupted resumes in the background every run left running by a
// previous process and returns how many were picked up.
func (r *Runner) RecoverInterrupted(ctx context.Context) (int, error) {
	running := schema.RunStatusRunning
	runs, err := r.store.ListRuns(ctx, store.RunFilter{Status: &running})
	if err != nil {
		return 0, storeErr("list runs", err)
	}
	recovered := 0
	for _, run := range runs {
		runID := run.ID
		err := r.pool.Submit(ctx, func(ctx context.Context) error {
			_, err := r.Resume(ctx, runID)
			return err
		})
		if err != nil {
			r.log.Error("failed to recover run", slog.String("run_id", runID), slog.String("error", err.Error()))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		r.log.Info("recovered interrupted runs", slog.Int("count", recovered))
	}
	return recovered, nil
}

// Wait blocks until every background run has returned.
func (r *Runner) Wait() {
	r.pool.Wait()
}

// Shutdown stops accepting background runs and waits for active ones.
func (r *Runner) Shutdown() {
	r.pool.Shutdown()
}

// Metrics reports the background pool counters.
func (r *Runner) Metrics() PoolMetrics {
	return r.pool.Metrics()
}

// prepare loads the workflow and seeds its variable store from inputs.
func (r *Runner) prepare(ctx context.Context, workflowID string, inputs map[string]any) (*variables.Store, error) {
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, storeErr("get workflow", err)
	}
	seeded, err := seedVariables(&wf.Definition, inputs)
	if err != nil {
		return nil, err
	}
	return variables.New(seeded...)
}

func (r *Runner) createRun(ctx context.Context, workflowID string, inputs map[string]any) (*store.Run, error) {
	run := &store.Run{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     schema.RunStatusPending,
		Inputs:     inputs,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, storeErr("create run", err)
	}
	return run, nil
}

// execute drives the engine and writes the terminal record.
func (r *Runner) execute(ctx context.Context, run *store.Run, vars *variables.Store, flag *engine.CancelFlag, state *engine.RunState) (*store.Run, error) {
	defer r.untrack(run.ID)

	started := time.Now().UTC()
	if run.StartedAt != nil {
		started = *run.StartedAt
	} else if err := r.store.UpdateRun(ctx, run.ID, store.RunUpdate{StartedAt: &started}); err != nil {
		r.log.Warn("failed to record run start", slog.String("run_id", run.ID), slog.String("error", err.Error()))
	}

	final, runErr := r.engine.Run(ctx, engine.RunRequest{
		RunID:        run.ID,
		WorkflowID:   run.WorkflowID,
		Source:       r.source(run.WorkflowID),
		Variables:    vars,
		Cancel:       flag,
		Checkpointer: &checkpointer{store: r.store, runID: run.ID},
		State:        state,
	})
	r.finish(ctx, run, final, vars, started, runErr)

	rec, err := r.store.GetRun(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		return nil, storeErr("get run", err)
	}
	return rec, runErr
}

// finish writes the terminal status, error and duration of a run.
func (r *Runner) finish(ctx context.Context, run *store.Run, final engine.RunState, vars *variables.Store, started time.Time, runErr error) {
	ctx = logging.WithRunID(logging.WithWorkflowID(context.WithoutCancel(ctx), run.WorkflowID), run.ID)

	status := final.Status
	if runErr != nil {
		status = schema.RunStatusFailed
	}
	now := time.Now().UTC()
	duration := now.Sub(started).Milliseconds()
	idx := final.CurrentStepIndex
	update := store.RunUpdate{
		Status:           &status,
		CurrentStepIndex: &idx,
		DurationMs:       &duration,
		CompletedAt:      &now,
	}
	if state, err := json.Marshal(final); err == nil {
		update.State = state
	}
	if snapshot, err := json.Marshal(vars.Snapshot()); err == nil {
		update.Variables = snapshot
	}
	if runErr != nil {
		fe := schema.AsFlowError(runErr, schema.ErrCodeToolInvocation)
		if raw, err := json.Marshal(fe); err == nil {
			update.Error = raw
		}
		msg := fe.Message
		update.ErrorMessage = &msg
	}
	if err := r.store.UpdateRun(ctx, run.ID, update); err != nil {
		logging.LogWith(ctx, r.log).Error("failed to record run result", slog.String("error", err.Error()))
	}
}

// source re-reads the workflow on every call so definition edits reach runs
// already in flight.
func (r *Runner) source(workflowID string) graph.Source {
	return graph.SourceFunc(func(ctx context.Context) (*graph.Graph, error) {
		wf, err := r.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return nil, storeErr("get workflow", err)
		}
		return graph.FromWorkflow(&wf.Definition)
	})
}

// tryTrack claims run for this process. It fails with CONFLICT when the run
// is already executing.
func (r *Runner) tryTrack(run *store.Run) (*engine.CancelFlag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[run.ID]; busy {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %q is already executing", run.ID)
	}
	flag := &engine.CancelFlag{}
	r.active[run.ID] = activeRun{workflowID: run.WorkflowID, flag: flag}
	return flag, nil
}

func (r *Runner) untrack(runID string) {
	r.mu.Lock()
	delete(r.active, runID)
	r.mu.Unlock()
}

// storeErr keeps structured store errors and wraps the rest as STORE_ERROR.
func storeErr(op string, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
