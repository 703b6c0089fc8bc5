package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exampleFiles(t *testing.T) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join("..", "..", "examples", "*.json"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	return files
}

func TestExamplesValidate(t *testing.T) {
	for _, path := range exampleFiles(t) {
		t.Run(filepath.Base(path), func(t *testing.T) {
			out, _, err := execute(t, "validate", path)
			require.NoError(t, err, out)
			assert.NotContains(t, out, ": error ")
		})
	}
}

func TestExamplesDiagram(t *testing.T) {
	for _, path := range exampleFiles(t) {
		t.Run(filepath.Base(path), func(t *testing.T) {
			out, _, err := execute(t, "diagram", path, "--format", "text")
			require.NoError(t, err)
			assert.Contains(t, out, "Start")
			assert.Contains(t, out, "End")
		})
	}
}

func TestExampleTagCheck(t *testing.T) {
	path := filepath.Join("..", "..", "examples", "tag-check.json")

	out, _, err := execute(t, "run", path, "-i", "text=ship it #urgent", "-i", "tag=#urgent")
	require.NoError(t, err)
	assert.Contains(t, out, "SHIP IT #URGENT")

	out, _, err = execute(t, "run", path, "-i", "text=whenever", "-i", "tag=#urgent")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "completed"`)
	assert.NotContains(t, out, "WHENEVER")
}
