// Package task defines the Task domain entity — the queued, trackable
// execution unit behind one workflow step or one ad-hoc capability call.
package task

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the task is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task represents one unit of capability work owned by the task queue.
// The workflow engine references tasks by ID but never mutates them directly.
type Task struct {
	ID         string          `json:"id"`
	Capability string          `json:"capability"`
	Input      json.RawMessage `json:"input"`
	Status     Status          `json:"status"`
	Idempotent bool            `json:"idempotent"`
	Attempts   int             `json:"attempts"`

	// RunID and StepName tie the task back to at most one workflow run.
	// Both are empty for ad-hoc capability calls.
	RunID    string `json:"run_id,omitempty"`
	StepName string `json:"step_name,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// NotBefore gates retried tasks: a pending task is not claimable
	// until this instant has passed.
	NotBefore time.Time `json:"not_before,omitempty"`

	// LeaseExpiry is the deadline by which a claimed task must reach a
	// terminal state before the sweeper returns it to pending.
	LeaseExpiry time.Time `json:"lease_expiry,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Claimable reports whether the task can be handed to a poller at now.
func (t *Task) Claimable(now time.Time) bool {
	return t.Status == StatusPending && !now.Before(t.NotBefore)
}

// MaxAttempts returns the total number of executions allowed for the task.
// Non-idempotent capabilities are retried at most once; idempotent ones get
// the configured bounded retry count.
func (t *Task) MaxAttempts(idempotentRetries int) int {
	if !t.Idempotent {
		return 2
	}
	return 1 + idempotentRetries
}
