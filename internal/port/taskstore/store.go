// Package taskstore defines the persistence port backing the task queue.
package taskstore

import (
	"context"
	"time"

	"github.com/Halwright/AgentFlow/internal/domain"
	"github.com/Halwright/AgentFlow/internal/domain/task"
)

// ErrNotFound is returned when the referenced task does not exist.
var ErrNotFound = domain.ErrNotFound

// Store is the port interface for durable task state. Claim is the only
// operation that requires atomicity across concurrent callers; every other
// mutation targets a single task owned by its caller.
type Store interface {
	// Create persists a new task.
	Create(ctx context.Context, t *task.Task) error

	// Get returns the task by ID.
	Get(ctx context.Context, id string) (*task.Task, error)

	// Claim atomically selects one claimable pending task (status pending,
	// NotBefore passed), transitions it to running with the given lease
	// expiry, increments its attempt count, and returns it. Returns
	// (nil, nil) when no task is claimable. No two concurrent callers may
	// claim the same task.
	Claim(ctx context.Context, now time.Time, leaseExpiry time.Time) (*task.Task, error)

	// Update persists the task's mutable fields (status, result, error,
	// NotBefore, LeaseExpiry, UpdatedAt).
	Update(ctx context.Context, t *task.Task) error

	// ExpiredLeases returns running tasks whose lease expired before now.
	ExpiredLeases(ctx context.Context, now time.Time) ([]task.Task, error)
}
