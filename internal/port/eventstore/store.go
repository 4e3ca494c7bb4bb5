// Package eventstore defines the port interface for the append-only event store.
package eventstore

import (
	"context"

	"github.com/Halwright/AgentFlow/internal/domain/event"
)

// Store is the port interface for appending and loading lifecycle events.
type Store interface {
	// Append persists a new event to the store.
	Append(ctx context.Context, ev *event.Event) error

	// LoadByTask returns all events for the given task, oldest first.
	LoadByTask(ctx context.Context, taskID string) ([]event.Event, error)

	// LoadByRun returns all events for the given run, oldest first.
	LoadByRun(ctx context.Context, runID string) ([]event.Event, error)
}
