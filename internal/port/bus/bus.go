// Package bus defines the pub/sub signal bus port used to propagate task
// lifecycle notifications between the queue, workers, and the engine.
package bus

import "context"

// Handler processes a message received from the bus.
type Handler func(ctx context.Context, subject string, data []byte) error

// Bus is the port interface for publishing and subscribing to signals.
// Delivery wakes waiting components; durability lives in the task store,
// so a missed signal is recovered by the bounded-poll fallback.
type Bus interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Close shuts down the bus connection.
	Close() error
}

// Subject constants for bus signals.
const (
	SubjectTaskEnqueued = "tasks.enqueued" // queue -> workers: a pending task is claimable
	SubjectTaskTerminal = "tasks.terminal" // queue -> engine: a task reached a terminal state
	SubjectRunStatus    = "runs.status"    // engine -> observers: a run changed status
)
