package memstore

import (
	"context"
	"sync"

	"github.com/Halwright/AgentFlow/internal/domain/event"
)

// EventStore implements eventstore.Store as an append-only slice.
type EventStore struct {
	mu     sync.RWMutex
	events []event.Event
}

// NewEventStore creates an empty in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{}
}

// Append persists a new event.
func (s *EventStore) Append(_ context.Context, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

// LoadByTask returns all events for the given task, oldest first.
func (s *EventStore) LoadByTask(_ context.Context, taskID string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.Event
	for _, ev := range s.events {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// LoadByRun returns all events for the given run, oldest first.
func (s *EventStore) LoadByRun(_ context.Context, runID string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.Event
	for _, ev := range s.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}
