package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

func TestRenderImagePNG(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model, FormatPNG)
	require.NoError(t, err)
	require.True(t, len(png) > 8, "PNG should be larger than header")

	// PNG magic bytes: 0x89 P N G.
	assert.Equal(t, byte(0x89), png[0])
	assert.Equal(t, byte('P'), png[1])
	assert.Equal(t, byte('N'), png[2])
	assert.Equal(t, byte('G'), png[3])
}

func TestRenderImageSVGWithStatus(t *testing.T) {
	records := []*store.StepRecord{
		{StepID: "fetch", Execution: 1, Status: schema.StepStatusCompleted, DurationMs: 100},
		{StepID: "check", Execution: 2, Status: schema.StepStatusFailed},
	}
	model, err := Build(loopWorkflow(), records)
	require.NoError(t, err)

	svg, err := RenderImage(context.Background(), model, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "#8b1a1a")
}

func TestRenderImageDOT(t *testing.T) {
	model, err := Build(loopWorkflow(), nil)
	require.NoError(t, err)

	dot, err := RenderImage(context.Background(), model, FormatDOT)
	require.NoError(t, err)
	assert.Contains(t, string(dot), "digraph")
	assert.Contains(t, string(dot), "not_ok, empty")
	assert.NotContains(t, string(dot), "_draw_", "plain DOT carries no xdot drawing operations")
}
