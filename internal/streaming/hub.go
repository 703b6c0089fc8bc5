// Package streaming fans run events out to in-process subscribers as they
// are recorded.
package streaming

import (
	"context"
	"slices"

	"github.com/rendis/stepflow/internal/store"
)

// EventFilter specifies which events a subscriber wants to receive. Empty
// fields match everything.
type EventFilter struct {
	WorkflowID string   `json:"workflow_id,omitempty"`
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e *store.Event) bool {
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.Type)
}

// EventHub provides pub/sub for run events.
type EventHub interface {
	Publish(ctx context.Context, event *store.Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan *store.Event, func(), error)
}
