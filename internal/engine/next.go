package engine

import (
	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/pkg/schema"
)

// jumpPlan is the resolution of a jump outcome against the step's budget.
type jumpPlan struct {
	next      int
	count     int
	limit     int
	exhausted bool
}

// planJump charges one jump to step and decides where the run goes. Once the
// step's counter exceeds its maximum_jumps the jump is ignored and the run
// falls through to current+1.
func planJump(g *graph.Graph, step schema.Step, current int, state RunState) (jumpPlan, error) {
	limit := 0
	if step.Evaluation != nil {
		limit = step.Evaluation.MaximumJumps
	}
	p := jumpPlan{count: state.JumpCounts[step.ID] + 1, limit: limit}
	if p.count > limit {
		p.exhausted = true
		p.next = current + 1
		return p, nil
	}

	target := state.Outcome.Target
	if target < 0 || target >= g.StepCount() {
		return p, schema.NewErrorf(schema.ErrCodeInvalidJump,
			"jump target %d out of range [0, %d)", target, g.StepCount()).
			WithStep(step.ID).
			WithDetails(map[string]any{"target_step_index": target, "step_count": g.StepCount()})
	}
	p.next = target
	return p, nil
}

// NextStepIndex decides the step that follows current given the outcome
// recorded in state. It is pure: the input state is not modified and the
// same inputs always yield the same outputs. An index >= g.StepCount() means
// the run is complete.
func NextStepIndex(g *graph.Graph, current int, state RunState) (int, RunState, error) {
	step, err := g.StepAt(current)
	if err != nil {
		return current, state, err
	}

	next := state.clone()
	switch state.Outcome.Kind {
	case OutcomeJump:
		p, err := planJump(g, step, current, state)
		if err != nil {
			return current, state, err
		}
		next.JumpCounts[step.ID] = p.count
		next.JumpCount++
		next.CurrentStepIndex = p.next
	case OutcomeEnd:
		next.CurrentStepIndex = g.StepCount()
	case OutcomeNone, OutcomeContinue, "":
		next.CurrentStepIndex = current + 1
	default:
		return current, state, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown outcome %q", state.Outcome.Kind).WithStep(step.ID)
	}
	return next.CurrentStepIndex, next, nil
}
