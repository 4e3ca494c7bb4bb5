// Package memstore implements the persistence ports in process memory.
// It backs unit tests and single-node deployments without Postgres.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/Halwright/AgentFlow/internal/domain/task"
	"github.com/Halwright/AgentFlow/internal/port/taskstore"
)

// TaskStore implements taskstore.Store with a mutex-guarded map. Claim
// holds the lock for the whole select-and-transition, which gives the
// atomicity the port requires.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
	order []string // creation order, for FIFO claiming
}

// NewTaskStore creates an empty in-memory task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*task.Task)}
}

// Create persists a new task.
func (s *TaskStore) Create(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.tasks[t.ID] = &cp
	s.order = append(s.order, t.ID)
	return nil
}

// Get returns a copy of the task by ID.
func (s *TaskStore) Get(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, taskstore.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// Claim atomically hands out the oldest claimable pending task.
func (s *TaskStore) Claim(_ context.Context, now, leaseExpiry time.Time) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		t := s.tasks[id]
		if !t.Claimable(now) {
			continue
		}
		t.Status = task.StatusRunning
		t.Attempts++
		t.LeaseExpiry = leaseExpiry
		t.UpdatedAt = now
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

// Update persists the task's mutable fields.
func (s *TaskStore) Update(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.ID]; !ok {
		return taskstore.ErrNotFound
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

// ExpiredLeases returns running tasks whose lease expired before now.
func (s *TaskStore) ExpiredLeases(_ context.Context, now time.Time) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []task.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status == task.StatusRunning && t.LeaseExpiry.Before(now) {
			expired = append(expired, *t)
		}
	}
	return expired, nil
}
