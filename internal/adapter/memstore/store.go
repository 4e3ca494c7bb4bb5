package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/Halwright/AgentFlow/internal/domain/collab"
	"github.com/Halwright/AgentFlow/internal/domain/workflow"
	"github.com/Halwright/AgentFlow/internal/port/database"
)

// Store implements database.Store in process memory.
type Store struct {
	mu       sync.RWMutex
	defs     map[string]workflow.Definition
	defOrder []string
	runs     map[string]*workflow.Run
	sessions map[string]*collab.Session
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		defs:     make(map[string]workflow.Definition),
		runs:     make(map[string]*workflow.Run),
		sessions: make(map[string]*collab.Session),
	}
}

// ListDefinitions returns all stored definitions in insertion order.
func (s *Store) ListDefinitions(_ context.Context) ([]workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]workflow.Definition, 0, len(s.defOrder))
	for _, name := range s.defOrder {
		defs = append(defs, s.defs[name])
	}
	return defs, nil
}

// GetDefinition returns the definition by name.
func (s *Store) GetDefinition(_ context.Context, name string) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.defs[name]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &d, nil
}

// PutDefinition stores or replaces a definition under its name.
func (s *Store) PutDefinition(_ context.Context, def *workflow.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.defs[def.Name]; !exists {
		s.defOrder = append(s.defOrder, def.Name)
	}
	s.defs[def.Name] = *def
	return nil
}

// ListRuns returns a copy of every stored run, most recent first.
func (s *Store) ListRuns(_ context.Context) ([]workflow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]workflow.Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, *copyRun(r))
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, nil
}

// CreateRun persists a new run.
func (s *Store) CreateRun(_ context.Context, r *workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = copyRun(r)
	return nil
}

// GetRun returns a copy of the run by ID.
func (s *Store) GetRun(_ context.Context, id string) (*workflow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return copyRun(r), nil
}

// UpdateRun persists the run's current state.
func (s *Store) UpdateRun(_ context.Context, r *workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.ID]; !ok {
		return database.ErrNotFound
	}
	s.runs[r.ID] = copyRun(r)
	return nil
}

// DeleteRun purges a run.
func (s *Store) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[id]; !ok {
		return database.ErrNotFound
	}
	delete(s.runs, id)
	return nil
}

// CreateSession persists a new collaboration session.
func (s *Store) CreateSession(_ context.Context, sess *collab.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

// GetSession returns a copy of the session by ID.
func (s *Store) GetSession(_ context.Context, id string) (*collab.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return copySession(sess), nil
}

// UpdateSession persists the session's current state.
func (s *Store) UpdateSession(_ context.Context, sess *collab.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return database.ErrNotFound
	}
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

func copyRun(r *workflow.Run) *workflow.Run {
	cp := *r
	cp.Steps = make(map[string]workflow.StepState, len(r.Steps))
	for k, v := range r.Steps {
		cp.Steps[k] = v
	}
	return &cp
}

func copySession(s *collab.Session) *collab.Session {
	cp := *s
	cp.SubGoals = append([]string(nil), s.SubGoals...)
	cp.Runs = make(map[string]string, len(s.Runs))
	for k, v := range s.Runs {
		cp.Runs[k] = v
	}
	return &cp
}
