package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages. The payload for run events
// is the run itself; step events carry a compact status snapshot.
const (
	EventRunStarted    = "run.started"
	EventRunStep       = "run.step"
	EventRunCompleted  = "run.completed"
	EventRunCancelled  = "run.cancelled"
	EventSessionStatus = "session.status"
)

// StepStatusEvent is broadcast when a step in a run changes status.
type StepStatusEvent struct {
	RunID  string `json:"run_id"`
	Step   string `json:"step"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SessionStatusEvent is broadcast when a collaboration session transitions.
type SessionStatusEvent struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// BroadcastEvent marshals a typed event and broadcasts it to all clients.
// It implements the broadcast port.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
