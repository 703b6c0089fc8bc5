package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func TestEventLog_AppendEvent_MonotonicSequence(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := &Event{RunID: "run-1", WorkflowID: "wf-1", StepID: "s1", Type: schema.EventStepStarted}
		require.NoError(t, el.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
	}
}

func TestEventLog_ConcurrentAppends(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, el.AppendEvent(ctx, &Event{RunID: "run-1", WorkflowID: "wf-1", Type: schema.EventVariableSet}))
		}()
	}
	wg.Wait()

	events, err := el.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestEventLog_GetEventsSince(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	for _, et := range []string{schema.EventRunStarted, schema.EventStepStarted, schema.EventStepCompleted} {
		require.NoError(t, el.AppendEvent(ctx, &Event{RunID: "run-1", WorkflowID: "wf-1", StepID: "s1", Type: et}))
	}

	events, err := el.GetEvents(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)

	started, err := el.GetEventsByType(ctx, schema.EventStepStarted, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	assert.Len(t, started, 1)
}

func TestEventLog_ReplayEvents(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	appendAll := func(events ...*Event) {
		for _, e := range events {
			e.RunID = "run-1"
			e.WorkflowID = "wf-1"
			require.NoError(t, el.AppendEvent(ctx, e))
		}
	}
	appendAll(
		&Event{Type: schema.EventRunStarted},
		&Event{StepID: "act", Type: schema.EventStepStarted},
		&Event{StepID: "act", Type: schema.EventStepCompleted, Payload: json.RawMessage(`{"result":"A"}`)},
		&Event{StepID: "eval", Type: schema.EventStepStarted},
		&Event{StepID: "eval", Type: schema.EventJumpTaken},
		&Event{StepID: "eval", Type: schema.EventStepCompleted},
		&Event{StepID: "act", Type: schema.EventStepStarted},
		&Event{StepID: "act", Type: schema.EventStepFailed, Payload: json.RawMessage(`{"code":"TOOL_INVOCATION"}`)},
	)

	states, err := el.ReplayEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, states, 2)

	act := states["act"]
	assert.Equal(t, schema.StepStatusFailed, act.Status)
	assert.Equal(t, 2, act.Executions)
	assert.JSONEq(t, `{"result":"A"}`, string(act.LastOutput))
	assert.JSONEq(t, `{"code":"TOOL_INVOCATION"}`, string(act.LastError))

	eval := states["eval"]
	assert.Equal(t, schema.StepStatusCompleted, eval.Status)
	assert.Equal(t, 1, eval.Jumps)
}

func TestEventLog_ReplayEvents_Empty(t *testing.T) {
	el, _ := newTestEventLog(t)

	states, err := el.ReplayEvents(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestEventLog_ReplayEvents_SequenceGap(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	require.NoError(t, el.AppendEvent(ctx, &Event{RunID: "run-1", WorkflowID: "wf-1", StepID: "s1", Type: schema.EventStepStarted}))
	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO events (run_id, workflow_id, step_id, event_type, timestamp, sequence) VALUES ('run-1', 'wf-1', 's1', 'step_completed', CURRENT_TIMESTAMP, 5)`)
	require.NoError(t, err)

	_, err = el.ReplayEvents(ctx, "run-1")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}
