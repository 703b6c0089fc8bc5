package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/stepflow/pkg/schema"
)

// validateFlow walks the possible control flow from the first step and warns
// about steps no run can reach. Steps are taken in sequence order.
func validateFlow(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	n := len(wf.Steps)
	if n == 0 {
		result.AddWarning("steps", schema.ErrCodeValidation, "workflow has no steps and completes immediately")
		return result
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return wf.Steps[order[a]].SequenceNumber < wf.Steps[order[b]].SequenceNumber
	})

	reachable := make([]bool, n)
	reachable[0] = true
	queue := []int{0}
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		for _, next := range successors(wf.Steps[order[idx]], idx, n) {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for idx, ok := range reachable {
		if ok {
			continue
		}
		s := wf.Steps[order[idx]]
		result.AddWarning(fmt.Sprintf("steps[%d]", order[idx]), schema.ErrCodeValidation,
			fmt.Sprintf("step %q is unreachable", s.ID))
	}
	return result
}

// successors lists the in-range step indexes that may follow the step at idx.
func successors(s schema.Step, idx, n int) []int {
	var out []int
	add := func(i int) {
		if i >= 0 && i < n {
			out = append(out, i)
		}
	}
	if s.Type != schema.StepTypeEvaluation || s.Evaluation == nil {
		add(idx + 1)
		return out
	}

	// A matched jump whose budget is exhausted falls through as well.
	ev := s.Evaluation
	fallsThrough := ev.DefaultAction != schema.DefaultEnd || len(ev.Conditions) > 0
	for _, c := range ev.Conditions {
		if c.TargetStepIndex != nil && ev.MaximumJumps > 0 {
			add(*c.TargetStepIndex)
		}
	}
	if fallsThrough {
		add(idx + 1)
	}
	return out
}
