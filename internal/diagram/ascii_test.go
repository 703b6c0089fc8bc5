package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderASCIILinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)

	assert.Contains(t, output, "=== ETL Pipeline ===")
	assert.Contains(t, output, "┌")
	assert.Contains(t, output, "┘")
	assert.Contains(t, output, "│ fetch")
	assert.Contains(t, output, "(http.fetch)")
	assert.Contains(t, output, "▼")
	assert.NotContains(t, output, "↳")

	assert.Less(t, strings.Index(output, "fetch"), strings.Index(output, "transform"))
	assert.Less(t, strings.Index(output, "transform"), strings.Index(output, "│ store"))
	assert.Less(t, strings.Index(output, "│ store"), strings.Index(output, "End"))
}

func TestRenderASCIIEvaluation(t *testing.T) {
	model, err := Build(loopWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "(evaluation)")
	assert.Contains(t, output, "↳ not_ok, empty → fetch")
	assert.Contains(t, output, "↳ ok → report")
	assert.Contains(t, output, "↳ no match → End")
}

func TestRenderASCIIWithStatus(t *testing.T) {
	model := &DiagramModel{
		Title: "Test",
		Nodes: []*Node{
			{ID: StartID, Label: "Start", Kind: NodeKindStart},
			{ID: "a", Label: "a", Kind: NodeKindAction, Status: &StatusOverlay{Status: "completed", DurationMs: 42}},
			{ID: "b", Label: "b", Kind: NodeKindAction, Status: &StatusOverlay{Status: "failed", Executions: 3}},
			{ID: EndID, Label: "End", Kind: NodeKindEnd},
		},
		Edges: []Edge{
			{From: StartID, To: "a"},
			{From: "a", To: "b"},
			{From: "b", To: EndID},
		},
	}

	output := RenderASCII(model)
	assert.Contains(t, output, "[OK] 42ms")
	assert.Contains(t, output, "[FAIL] x3")
}

func TestMakeBoxWidth(t *testing.T) {
	lines := makeBox(&Node{ID: "n", Label: "short\nlonger line"})
	require.Len(t, lines, 4)
	for _, l := range lines[1:] {
		assert.Equal(t, len([]rune(lines[0])), len([]rune(l)))
	}
}
