// Package event defines the lifecycle event entity for the append-only
// orchestration log.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of lifecycle event.
type Type string

const (
	TypeTaskEnqueued  Type = "task.enqueued"
	TypeTaskClaimed   Type = "task.claimed"
	TypeTaskSucceeded Type = "task.succeeded"
	TypeTaskRetried   Type = "task.retried"
	TypeTaskFailed    Type = "task.failed"
	TypeTaskCancelled Type = "task.cancelled"
	TypeTaskReclaimed Type = "task.reclaimed"

	TypeRunStarted   Type = "run.started"
	TypeRunStep      Type = "run.step"
	TypeRunCompleted Type = "run.completed"
	TypeRunCancelled Type = "run.cancelled"

	TypeSessionStarted   Type = "session.started"
	TypeSessionCompleted Type = "session.completed"
)

// Event represents a single immutable entry in the orchestration log.
// TaskID, RunID, and SessionID are set when the event concerns a task,
// a workflow run, or a collaboration session.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
