// Package broadcast defines the port for pushing run and task status
// transitions to connected observers.
package broadcast

import "context"

// Broadcaster sends real-time status events to all connected clients.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all connected clients.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
