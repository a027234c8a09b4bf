package sqlbatch

import (
	"context"
	"log/slog"
	"time"
)

// EventType names a job lifecycle event.
type EventType string

const (
	EventRunning   EventType = "running"
	EventDone      EventType = "done"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
	// EventError reports a transition whose store write failed.
	EventError EventType = "error"
)

// Event is emitted by the job backend after every transition attempt.
type Event struct {
	Type EventType
	Job  *Job  // Job passed to the transition
	Err  error // Set only for EventError
	At   time.Time
}

// EventHandler reacts to lifecycle events read by ObserveEvents.
type EventHandler interface {
	HandleEvent(ctx context.Context, evt Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, evt Event)

// HandleEvent calls f(ctx, evt).
func (f EventHandlerFunc) HandleEvent(ctx context.Context, evt Event) {
	f(ctx, evt)
}

// ObserveEvents reads events until ctx is done or events is closed, logging
// each one and passing it to every handler in order. Error events are logged
// at error level so dropped transition writes surface in monitoring.
func ObserveEvents(ctx context.Context, events <-chan Event, logger *slog.Logger, handlers ...EventHandler) {
	logger = loggerOrDefault(logger)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			logEvent(logger, evt)
			for _, h := range handlers {
				h.HandleEvent(ctx, evt)
			}
		}
	}
}

func logEvent(logger *slog.Logger, evt Event) {
	var jobID string
	if evt.Job != nil {
		jobID = evt.Job.ID
	}
	if evt.Type == EventError {
		logger.Error("job transition failed", "jobID", jobID, "error", evt.Err)
		return
	}
	logger.Info("job transition", "event", string(evt.Type), "jobID", jobID)
}
