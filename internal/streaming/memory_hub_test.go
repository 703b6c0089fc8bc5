package streaming

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

func receive(t *testing.T, ch <-chan *store.Event) *store.Event {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNothing(t *testing.T, ch <-chan *store.Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := &store.Event{
		RunID:      "run-1",
		WorkflowID: "wf-1",
		StepID:     "step-1",
		Type:       schema.EventStepCompleted,
		Sequence:   3,
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := receive(t, ch)
	assert.Equal(t, *event, *got)
	assert.NotSame(t, event, got, "subscribers get a copy")
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter EventFilter
		event  store.Event
		want   bool
	}{
		{"empty filter", EventFilter{}, store.Event{WorkflowID: "wf-1", Type: "x"}, true},
		{"workflow match", EventFilter{WorkflowID: "wf-1"}, store.Event{WorkflowID: "wf-1"}, true},
		{"workflow mismatch", EventFilter{WorkflowID: "wf-1"}, store.Event{WorkflowID: "wf-2"}, false},
		{"run match", EventFilter{RunID: "r"}, store.Event{RunID: "r"}, true},
		{"run mismatch", EventFilter{RunID: "r"}, store.Event{RunID: "q"}, false},
		{"type listed", EventFilter{EventTypes: []string{schema.EventRunStarted, schema.EventRunFailed}}, store.Event{Type: schema.EventRunFailed}, true},
		{"type not listed", EventFilter{EventTypes: []string{schema.EventRunStarted}}, store.Event{Type: schema.EventStepCompleted}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Matches(&tc.event))
		})
	}
}

func TestFilteredSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1", EventTypes: []string{schema.EventRunCompleted}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, &store.Event{RunID: "run-1", Type: schema.EventRunStarted}))
	require.NoError(t, hub.Publish(ctx, &store.Event{RunID: "run-2", Type: schema.EventRunCompleted}))
	require.NoError(t, hub.Publish(ctx, &store.Event{RunID: "run-1", Type: schema.EventRunCompleted}))

	got := receive(t, ch)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, schema.EventRunCompleted, got.Type)
	assertNothing(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, &store.Event{RunID: "run-1", Type: "tick"}))

	assert.Equal(t, "run-1", receive(t, ch1).RunID)
	assert.Equal(t, "run-1", receive(t, ch2).RunID)
	assert.Equal(t, 2, hub.Subscribers())
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	require.NoError(t, hub.Publish(ctx, &store.Event{RunID: "run-1", Type: "tick"}))

	_, open := <-ch
	assert.False(t, open, "channel is closed on cancel")
	assert.Zero(t, hub.Subscribers())
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// Fill the channel buffer then publish more. None of these should block.
	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, &store.Event{RunID: "run-1", Type: "tick", Sequence: int64(i)}))
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
			continue
		default:
		}
		break
	}
	assert.Equal(t, defaultChannelBuffer, drained)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20
	const eventsPerGoroutine = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				_ = hub.Publish(ctx, &store.Event{RunID: "run-concurrent", Type: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Publish(ctx, &store.Event{RunID: "run-1", Type: "tick"})
	assert.ErrorIs(t, err, context.Canceled)

	_, _, err = hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

type recordingAppender struct {
	events []*store.Event
	err    error
}

func (r *recordingAppender) AppendEvent(_ context.Context, e *store.Event) error {
	if r.err != nil {
		return r.err
	}
	e.Sequence = int64(len(r.events) + 1)
	r.events = append(r.events, e)
	return nil
}

func TestTee(t *testing.T) {
	hub := NewMemoryHub()
	next := &recordingAppender{}
	app := Tee(next, hub)

	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, app.AppendEvent(context.Background(), &store.Event{RunID: "run-1", Type: schema.EventRunStarted}))
	require.Len(t, next.events, 1)

	got := receive(t, ch)
	assert.Equal(t, int64(1), got.Sequence, "published after the store assigned the sequence")

	// Publishing survives a cancelled caller context once the event is stored.
	ctx, cancelCtx := context.WithCancel(context.Background())
	cancelCtx()
	require.NoError(t, app.AppendEvent(ctx, &store.Event{RunID: "run-1", Type: schema.EventRunCompleted}))
	assert.Equal(t, schema.EventRunCompleted, receive(t, ch).Type)

	next.err = errors.New("disk full")
	assert.Error(t, app.AppendEvent(context.Background(), &store.Event{RunID: "run-1", Type: "x"}))
	assertNothing(t, ch)
}
