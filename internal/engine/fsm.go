package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type nopAppender struct{}

func (nopAppender) AppendEvent(context.Context, *store.Event) error { return nil }

// RunRef identifies the run an event belongs to.
type RunRef struct {
	RunID      string
	WorkflowID string
}

// --- Run FSM ---

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
// A nil appender discards events.
func NewRunFSM(appender EventAppender) *RunFSM {
	if appender == nil {
		appender = nopAppender{}
	}
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a run state transition and emits the corresponding
// event with payload attached. The caller persists the new state.
func (f *RunFSM) Transition(ctx context.Context, ref RunRef, from, to schema.RunStatus, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": ref.RunID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := runEventType(to); eventType != "" {
		if err := emit(ctx, f.appender, ref, "", eventType, payload); err != nil {
			return err
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	default:
		return ""
	}
}

// --- Step FSM ---

// StepFSM validates step execution transitions and emits step events.
type StepFSM struct {
	appender EventAppender
}

// NewStepFSM creates a StepFSM. A nil appender discards events.
func NewStepFSM(appender EventAppender) *StepFSM {
	if appender == nil {
		appender = nopAppender{}
	}
	return &StepFSM{appender: appender}
}

// Start records the beginning of a step execution.
func (f *StepFSM) Start(ctx context.Context, ref RunRef, stepID string, index int) error {
	return emit(ctx, f.appender, ref, stepID, schema.EventStepStarted, map[string]any{"step_index": index})
}

// Transition validates from -> to and emits the matching step event.
func (f *StepFSM) Transition(ctx context.Context, ref RunRef, stepID string, from, to schema.StepStatus, payload any) error {
	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"run_id": ref.RunID, "from": string(from), "to": string(to)})
	}
	return emit(ctx, f.appender, ref, stepID, stepEventType(to), payload)
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	default:
		return schema.EventStepStarted
	}
}

func emit(ctx context.Context, appender EventAppender, ref RunRef, stepID, eventType string, payload any) error {
	event := &store.Event{
		RunID:      ref.RunID,
		WorkflowID: ref.WorkflowID,
		StepID:     stepID,
		Type:       eventType,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal %s payload: %s", eventType, err.Error()).WithCause(err)
		}
		event.Payload = raw
	}
	if err := appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit %s event: %s", eventType, err.Error()).
			WithStep(stepID).WithCause(err)
	}
	return nil
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusFailed},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
}

// ValidStepTransitions defines the allowed state transitions for step executions.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
}
