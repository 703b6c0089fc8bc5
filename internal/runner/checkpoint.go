package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
)

// checkpointer persists run progress after every step: the run row carries
// the latest state and variables, and every executed step is appended to the
// step results.
type checkpointer struct {
	store store.Store
	runID string
}

func (c *checkpointer) Checkpoint(ctx context.Context, cp engine.Checkpoint) error {
	// Progress of a cancelled run is still worth keeping.
	ctx = context.WithoutCancel(ctx)

	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	vars, err := json.Marshal(cp.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	status := cp.State.Status
	idx := cp.State.CurrentStepIndex
	if err := c.store.UpdateRun(ctx, c.runID, store.RunUpdate{
		Status:           &status,
		State:            state,
		Variables:        vars,
		CurrentStepIndex: &idx,
	}); err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	if cp.Result.StepID == "" {
		return nil
	}
	rec, err := stepRecord(c.runID, cp.State.ExecutedSteps, cp.Result)
	if err != nil {
		return err
	}
	if err := c.store.AppendStepResult(ctx, rec); err != nil {
		return fmt.Errorf("append step result: %w", err)
	}
	return nil
}

func stepRecord(runID string, execution int, res engine.StepResult) (*store.StepRecord, error) {
	rec := &store.StepRecord{
		RunID:        runID,
		Execution:    execution,
		StepID:       res.StepID,
		StepIndex:    res.StepIndex,
		Status:       res.Status,
		ErrorMessage: res.ErrorMessage,
		StartedAt:    res.StartedAt,
		CompletedAt:  res.CompletedAt,
		DurationMs:   res.Duration().Milliseconds(),
	}
	if res.OutputData != nil {
		out, err := json.Marshal(res.OutputData)
		if err != nil {
			return nil, fmt.Errorf("marshal step output: %w", err)
		}
		rec.Output = out
	}
	if res.Outcome != nil {
		outcome, err := json.Marshal(res.Outcome)
		if err != nil {
			return nil, fmt.Errorf("marshal step outcome: %w", err)
		}
		rec.Outcome = outcome
	}
	return rec, nil
}
