package streaming

import (
	"context"

	"github.com/rendis/stepflow/internal/store"
)

// Appender records an event. store.Store satisfies it.
type Appender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Tee returns an Appender that records events in next and then publishes
// them on hub, so subscribers see the stored sequence numbers. Events next
// rejects are not published.
func Tee(next Appender, hub EventHub) Appender {
	return &teeAppender{next: next, hub: hub}
}

type teeAppender struct {
	next Appender
	hub  EventHub
}

func (t *teeAppender) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := t.next.AppendEvent(ctx, event); err != nil {
		return err
	}
	return t.hub.Publish(context.WithoutCancel(ctx), event)
}
