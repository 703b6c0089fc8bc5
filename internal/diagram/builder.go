package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Build constructs a DiagramModel from a workflow and optional step records.
// Steps are laid out in sequence order; evaluation steps fan out to their
// jump targets.
func Build(wf *schema.Workflow, records []*store.StepRecord) (*DiagramModel, error) {
	g, err := graph.FromWorkflow(wf)
	if err != nil {
		return nil, fmt.Errorf("diagram: order steps: %w", err)
	}
	steps := g.Steps()

	nodes := make([]*Node, 0, len(steps)+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	overlays := latestRecords(records)
	for _, step := range steps {
		node := stepToNode(step)
		node.Status = overlays[step.ID]
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title: titleFromWorkflow(wf),
		Nodes: nodes,
		Edges: buildEdges(steps),
	}, nil
}

// stepToNode maps a step to a diagram Node.
func stepToNode(step schema.Step) *Node {
	node := &Node{ID: step.ID, Label: step.ID, Kind: NodeKindAction}
	switch {
	case step.Type == schema.StepTypeEvaluation:
		node.Kind = NodeKindEvaluation
		node.Label = step.ID + "\n(evaluation)"
	case step.Action != nil:
		node.Label = fmt.Sprintf("%s\n(%s)", step.ID, step.Action.ToolRef)
	}
	if step.Label != "" {
		node.Label += "\n" + step.Label
	}
	return node
}

// latestRecords keeps the most recent execution of each step and counts the
// executions.
func latestRecords(records []*store.StepRecord) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	latest := make(map[string]int)
	for _, rec := range records {
		ov, ok := out[rec.StepID]
		if !ok {
			ov = &StatusOverlay{}
			out[rec.StepID] = ov
		}
		ov.Executions++
		if ok && rec.Execution < latest[rec.StepID] {
			continue
		}
		latest[rec.StepID] = rec.Execution
		ov.Status = string(rec.Status)
		ov.DurationMs = rec.DurationMs
		ov.Error = rec.ErrorMessage
	}
	return out
}

// buildEdges lists the transitions out of every step. Parallel transitions
// between the same pair of nodes are merged with their labels joined.
func buildEdges(steps []schema.Step) []Edge {
	var edges []Edge
	seen := make(map[[2]string]int)
	add := func(from, to, label string) {
		key := [2]string{from, to}
		if i, ok := seen[key]; ok {
			if label != "" && !strings.Contains(edges[i].Label, label) {
				if edges[i].Label != "" {
					edges[i].Label += ", "
				}
				edges[i].Label += label
			}
			return
		}
		seen[key] = len(edges)
		edges = append(edges, Edge{From: from, To: to, Label: label})
	}
	target := func(i int) string {
		if i >= 0 && i < len(steps) {
			return steps[i].ID
		}
		return EndID
	}

	if len(steps) == 0 {
		add(StartID, EndID, "")
		return edges
	}
	add(StartID, steps[0].ID, "")

	for i, step := range steps {
		ev := step.Evaluation
		if step.Type != schema.StepTypeEvaluation || ev == nil {
			add(step.ID, target(i+1), "")
			continue
		}
		for ci, c := range ev.Conditions {
			label := c.ID
			if label == "" {
				label = fmt.Sprintf("condition %d", ci)
			}
			if c.TargetStepIndex != nil {
				add(step.ID, target(*c.TargetStepIndex), label)
			} else {
				add(step.ID, target(i+1), label)
			}
		}
		if ev.DefaultAction == schema.DefaultEnd {
			add(step.ID, EndID, "no match")
		} else {
			add(step.ID, target(i+1), "no match")
		}
	}
	return edges
}

// titleFromWorkflow picks the diagram title.
func titleFromWorkflow(wf *schema.Workflow) string {
	if wf.Name != "" {
		return wf.Name
	}
	return "Workflow"
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// findNode looks up a node by ID in the model's node list.
func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
