package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Halwright/AgentFlow/internal/domain/collab"
	"github.com/Halwright/AgentFlow/internal/domain/workflow"
	"github.com/Halwright/AgentFlow/internal/port/database"
)

// Store implements database.Store using PostgreSQL. Definitions, runs, and
// sessions are stored as JSONB documents; status and timestamps are lifted
// into columns for indexing.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ database.Store = (*Store)(nil)

// ---------------------------------------------------------------------------
// Workflow definitions
// ---------------------------------------------------------------------------

// ListDefinitions returns all stored workflow definitions ordered by name.
func (s *Store) ListDefinitions(ctx context.Context) ([]workflow.Definition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT spec FROM workflow_definitions ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []workflow.Definition
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		var def workflow.Definition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("decode definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// GetDefinition returns the named workflow definition.
func (s *Store) GetDefinition(ctx context.Context, name string) (*workflow.Definition, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT spec FROM workflow_definitions WHERE name = $1`, name).Scan(&raw)
	if err != nil {
		return nil, notFoundWrap(err, database.ErrNotFound, "get definition %s", name)
	}
	var def workflow.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode definition %s: %w", name, err)
	}
	return &def, nil
}

// PutDefinition inserts or replaces a workflow definition by name.
func (s *Store) PutDefinition(ctx context.Context, def *workflow.Definition) error {
	spec, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode definition %s: %w", def.Name, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_definitions (name, spec, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET spec = EXCLUDED.spec, updated_at = now()`,
		def.Name, spec)
	if err != nil {
		return fmt.Errorf("put definition %s: %w", def.Name, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Workflow runs
// ---------------------------------------------------------------------------

// ListRuns returns all runs, most recent first.
func (s *Store) ListRuns(ctx context.Context) ([]workflow.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM workflow_runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []workflow.Run
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var r workflow.Run
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, r *workflow.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", r.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_runs (id, workflow, status, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.Definition.Name, string(r.Status), data, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun returns the run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM workflow_runs WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		return nil, notFoundWrap(err, database.ErrNotFound, "get run %s", id)
	}
	var r workflow.Run
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &r, nil
}

// UpdateRun replaces the stored run state.
func (s *Store) UpdateRun(ctx context.Context, r *workflow.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", r.ID, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_runs SET status = $2, data = $3, updated_at = $4 WHERE id = $1`,
		r.ID, string(r.Status), data, r.UpdatedAt)
	return execExpectOne(tag, err, database.ErrNotFound, "update run %s", r.ID)
}

// DeleteRun removes a run.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_runs WHERE id = $1`, id)
	return execExpectOne(tag, err, database.ErrNotFound, "delete run %s", id)
}

// ---------------------------------------------------------------------------
// Collaboration sessions
// ---------------------------------------------------------------------------

// CreateSession persists a new collaboration session.
func (s *Store) CreateSession(ctx context.Context, session *collab.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO collab_sessions (id, status, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		session.ID, string(session.Status), data, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession returns the session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*collab.Session, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM collab_sessions WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		return nil, notFoundWrap(err, database.ErrNotFound, "get session %s", id)
	}
	var session collab.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &session, nil
}

// UpdateSession replaces the stored session state.
func (s *Store) UpdateSession(ctx context.Context, session *collab.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE collab_sessions SET status = $2, data = $3, updated_at = $4 WHERE id = $1`,
		session.ID, string(session.Status), data, session.UpdatedAt)
	return execExpectOne(tag, err, database.ErrNotFound, "update session %s", session.ID)
}
