// Package collab defines the Collaboration Session domain entity: one goal
// split into sub-goals, each backed by its own workflow run.
package collab

import (
	"time"

	"github.com/Halwright/AgentFlow/internal/domain/workflow"
)

// Status represents the aggregate state of a collaboration session,
// derived from its member runs.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Session tracks one collaborate() invocation.
type Session struct {
	ID        string            `json:"id"`
	Goal      string            `json:"goal"`
	SubGoals  []string          `json:"sub_goals"`
	Runs      map[string]string `json:"runs"` // sub-goal -> run ID
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewSession builds a pending session for the given goal.
func NewSession(id, goal string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		Goal:      goal,
		Runs:      make(map[string]string),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Derive computes the aggregate status from member run statuses: succeeded
// only if all member runs succeeded, partial if at least one produced
// output, failed otherwise.
func Derive(statuses []workflow.Status) Status {
	if len(statuses) == 0 {
		return StatusFailed
	}
	succeeded, usable := 0, 0
	for _, s := range statuses {
		switch s {
		case workflow.StatusSucceeded:
			succeeded++
			usable++
		case workflow.StatusPartiallyFailed:
			usable++
		}
	}
	switch {
	case succeeded == len(statuses):
		return StatusSucceeded
	case usable > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}
