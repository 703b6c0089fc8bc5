package engine

import (
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// OutcomeKind tags the Outcome variant.
type OutcomeKind string

const (
	// OutcomeNone is the outcome of an action step.
	OutcomeNone OutcomeKind = "none"
	// OutcomeJump moves to Outcome.Target, subject to the step's jump budget.
	OutcomeJump OutcomeKind = "jump"
	// OutcomeContinue moves to the next step.
	OutcomeContinue OutcomeKind = "continue"
	// OutcomeEnd completes the run.
	OutcomeEnd OutcomeKind = "end"
)

// Outcome is the branching decision of the last executed step.
// Target is meaningful only for OutcomeJump.
type Outcome struct {
	Kind        OutcomeKind `json:"kind"`
	Target      int         `json:"target,omitempty"`
	ConditionID string      `json:"condition_id,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// NextAction is the next_action rendering of o in the evaluation variable.
func (o Outcome) NextAction() string {
	switch o.Kind {
	case OutcomeJump:
		return "jump"
	case OutcomeEnd:
		return "end"
	default:
		return "continue"
	}
}

// StepResult records one step execution.
type StepResult struct {
	StepID       string            `json:"step_id"`
	StepIndex    int               `json:"step_index"`
	Status       schema.StepStatus `json:"status"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	OutputData   map[string]any    `json:"output_data,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Outcome      *Outcome          `json:"outcome,omitempty"`
}

// Duration is the wall time of the execution, zero while running.
func (r StepResult) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunState is the explicit state of a run threaded through the engine.
// Engine functions never mutate the state they receive; they return an
// updated copy.
type RunState struct {
	RunID            string            `json:"run_id,omitempty"`
	WorkflowID       string            `json:"workflow_id,omitempty"`
	Status           schema.RunStatus  `json:"status"`
	CurrentStepIndex int               `json:"current_step_index"`
	JumpCount        int               `json:"jump_count"`
	JumpCounts       map[string]int    `json:"jump_counts,omitempty"`
	ExecutedSteps    int               `json:"executed_steps"`
	Outcome          Outcome           `json:"outcome"`
	StepResults      []StepResult      `json:"step_results,omitempty"`
	Error            *schema.FlowError `json:"error,omitempty"`
}

// NewRunState returns a pending state positioned at the first step.
func NewRunState(runID, workflowID string) RunState {
	return RunState{
		RunID:      runID,
		WorkflowID: workflowID,
		Status:     schema.RunStatusPending,
		JumpCounts: map[string]int{},
		Outcome:    Outcome{Kind: OutcomeNone},
	}
}

// clone copies the reference-typed fields so the copy can be updated freely.
func (s RunState) clone() RunState {
	counts := make(map[string]int, len(s.JumpCounts))
	for k, v := range s.JumpCounts {
		counts[k] = v
	}
	s.JumpCounts = counts
	results := make([]StepResult, len(s.StepResults))
	copy(results, s.StepResults)
	s.StepResults = results
	return s
}

// LastResult returns the most recent step result.
func (s RunState) LastResult() (StepResult, bool) {
	if len(s.StepResults) == 0 {
		return StepResult{}, false
	}
	return s.StepResults[len(s.StepResults)-1], true
}
