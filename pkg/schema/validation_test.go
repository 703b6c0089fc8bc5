package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_Valid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())

	r.AddWarning("steps[1].evaluation.maximum_jumps", ErrCodeValidation, "zero jumps disables every condition")
	assert.True(t, r.Valid(), "warnings alone keep the result valid")

	r.AddError("steps[0].action.tool_ref", ErrCodeToolUnavailable, `tool "search" not registered`)
	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
	assert.Equal(t, ErrCodeToolUnavailable, r.Errors[0].Code)
}

func TestValidationResult_Merge(t *testing.T) {
	a := &ValidationResult{}
	a.AddError("variables[0].name", ErrCodeValidation, "empty name")

	b := &ValidationResult{}
	b.AddError("steps[2].evaluation.conditions[0].target_step_index", ErrCodeInvalidJump, "out of range")
	b.AddWarning("steps[2]", ErrCodeValidation, "unreachable")

	a.Merge(b)
	a.Merge(nil)

	assert.Len(t, a.Errors, 2)
	assert.Len(t, a.Warnings, 1)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	assert.Nil(t, r.ToError())

	r.AddError("steps", ErrCodeValidation, "workflow must have at least one step")
	err := r.ToError()
	require.Error(t, err)

	var fe *FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "workflow must have at least one step", fe.Message)
	assert.Equal(t, 1, fe.Details["error_count"])

	r.AddError("steps[0]", ErrCodeValidation, "second")
	fe = r.ToError().(*FlowError)
	assert.Contains(t, fe.Message, "2 errors")
}

func TestFlowError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeMissingInput, "parameter %q has no value", "query").WithStep("s1")
	assert.Equal(t, `[MISSING_INPUT] step s1: parameter "query" has no value`, err.Error())

	plain := NewError(ErrCodeCancelled, "cancelled")
	assert.Equal(t, "[CANCELLED] cancelled", plain.Error())
}

func TestFlowError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError(ErrCodeToolInvocation, "search failed").WithCause(cause)

	wrapped := fmt.Errorf("run: %w", err)
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, ErrCodeToolInvocation, CodeOf(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodeToolInvocation))
	assert.Equal(t, "", CodeOf(cause))
}

func TestAsFlowError(t *testing.T) {
	assert.Nil(t, AsFlowError(nil, ErrCodeStore))

	fe := NewError(ErrCodeInvalidJump, "bad")
	assert.Same(t, fe, AsFlowError(fmt.Errorf("x: %w", fe), ErrCodeStore))

	converted := AsFlowError(errors.New("disk full"), ErrCodeStore)
	assert.Equal(t, ErrCodeStore, converted.Code)
	assert.Equal(t, "disk full", converted.Message)
}
