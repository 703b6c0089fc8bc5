// Package graph provides the ordered step view of a workflow consumed by the
// engine.
package graph

import (
	"context"
	"sort"

	"github.com/rendis/stepflow/pkg/schema"
)

// Graph is an immutable, index-addressable sequence of steps ordered by
// sequence number.
type Graph struct {
	steps []schema.Step
	index map[string]int
}

// New orders steps by SequenceNumber. Step IDs must be unique.
func New(steps []schema.Step) (*Graph, error) {
	sorted := make([]schema.Step, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SequenceNumber < sorted[j].SequenceNumber
	})

	idx := make(map[string]int, len(sorted))
	for i, s := range sorted {
		if s.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at position %d has no step_id", i)
		}
		if _, dup := idx[s.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "duplicate step_id %q", s.ID)
		}
		idx[s.ID] = i
	}
	return &Graph{steps: sorted, index: idx}, nil
}

// FromWorkflow builds the graph of wf's steps.
func FromWorkflow(wf *schema.Workflow) (*Graph, error) {
	return New(wf.Steps)
}

// StepCount returns the number of steps.
func (g *Graph) StepCount() int {
	return len(g.steps)
}

// StepAt returns the step at index i.
func (g *Graph) StepAt(i int) (schema.Step, error) {
	if i < 0 || i >= len(g.steps) {
		return schema.Step{}, schema.NewErrorf(schema.ErrCodeInvalidJump,
			"step index %d out of range [0, %d)", i, len(g.steps)).
			WithDetails(map[string]any{"index": i, "step_count": len(g.steps)})
	}
	return g.steps[i], nil
}

// IndexOf returns the index of the step with the given ID.
func (g *Graph) IndexOf(stepID string) (int, bool) {
	i, ok := g.index[stepID]
	return i, ok
}

// Steps returns a copy of the ordered steps.
func (g *Graph) Steps() []schema.Step {
	out := make([]schema.Step, len(g.steps))
	copy(out, g.steps)
	return out
}

// Source yields the current graph of a run. The run loop asks for it before
// every step so edits made while a run is in flight are picked up.
type Source interface {
	Graph(ctx context.Context) (*Graph, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*Graph, error)

// Graph calls f.
func (f SourceFunc) Graph(ctx context.Context) (*Graph, error) {
	return f(ctx)
}

type staticSource struct {
	g *Graph
}

func (s staticSource) Graph(context.Context) (*Graph, error) {
	return s.g, nil
}

// Static returns a Source that always yields g.
func Static(g *Graph) Source {
	return staticSource{g: g}
}
