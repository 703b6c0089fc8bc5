package expressions

import (
	"context"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Engine evaluates an expression against a map of named values.
// Implementations back the builtin expression tools; the workflow engine's own
// branching never goes through them.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoizes compiled programs keyed by expression source.
// Safe for concurrent use.
type programCache[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

func newProgramCache[T any]() *programCache[T] {
	return &programCache[T]{entries: make(map[string]T)}
}

func (c *programCache[T]) get(expression string, compile func(string) (T, error)) (T, error) {
	c.mu.RLock()
	prg, ok := c.entries[expression]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have compiled it while we waited.
	if prg, ok := c.entries[expression]; ok {
		return prg, nil
	}

	prg, err := compile(expression)
	if err != nil {
		return prg, err
	}
	c.entries[expression] = prg
	return prg, nil
}

func (c *programCache[T]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func compileError(engine, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func evalError(engine, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeToolInvocation, "%s: evaluating %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func emptyExpression(engine string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: empty expression", engine)
}
