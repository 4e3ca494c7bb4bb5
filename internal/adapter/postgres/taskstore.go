package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Halwright/AgentFlow/internal/domain/task"
	"github.com/Halwright/AgentFlow/internal/port/taskstore"
)

// TaskStore implements taskstore.Store using PostgreSQL. Claim relies on
// FOR UPDATE SKIP LOCKED so concurrent pollers never hand out the same
// task twice.
type TaskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore creates a TaskStore backed by the given connection pool.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

var _ taskstore.Store = (*TaskStore)(nil)

const taskColumns = `id, capability, input, status, idempotent, attempts,
	COALESCE(run_id, ''), COALESCE(step_name, ''), result, COALESCE(error, ''),
	not_before, lease_expiry, created_at, updated_at`

func scanTask(scanner interface{ Scan(dest ...any) error }, t *task.Task) error {
	var notBefore, leaseExpiry *time.Time
	err := scanner.Scan(
		&t.ID, &t.Capability, &t.Input, &t.Status, &t.Idempotent, &t.Attempts,
		&t.RunID, &t.StepName, &t.Result, &t.Error,
		&notBefore, &leaseExpiry, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return err
	}
	t.NotBefore = timeOrZero(notBefore)
	t.LeaseExpiry = timeOrZero(leaseExpiry)
	return nil
}

// Create persists a new task.
func (s *TaskStore) Create(ctx context.Context, t *task.Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, capability, input, status, idempotent, attempts, run_id, step_name, result, error, not_before, lease_expiry, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12, $13, $14)`,
		t.ID, t.Capability, t.Input, string(t.Status), t.Idempotent, t.Attempts,
		t.RunID, t.StepName, t.Result, t.Error,
		nullTime(t.NotBefore), nullTime(t.LeaseExpiry), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// Get returns the task by ID.
func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	err := scanTask(s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM tasks WHERE id = $1`, taskColumns), id), &t)
	if err != nil {
		return nil, notFoundWrap(err, taskstore.ErrNotFound, "get task %s", id)
	}
	return &t, nil
}

// Claim atomically selects the oldest claimable pending task and moves it
// to running. The inner SELECT takes a row lock; SKIP LOCKED makes
// concurrent claimers pass over rows already being claimed.
func (s *TaskStore) Claim(ctx context.Context, now, leaseExpiry time.Time) (*task.Task, error) {
	var t task.Task
	err := scanTask(s.pool.QueryRow(ctx, fmt.Sprintf(
		`UPDATE tasks SET status = 'running', attempts = attempts + 1, lease_expiry = $2, updated_at = $1
		 WHERE id = (
		     SELECT id FROM tasks
		     WHERE status = 'pending' AND (not_before IS NULL OR not_before <= $1)
		     ORDER BY created_at ASC
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING %s`, taskColumns), now, leaseExpiry), &t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return &t, nil
}

// Update persists the task's mutable fields.
func (s *TaskStore) Update(ctx context.Context, t *task.Task) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, attempts = $3, result = $4, error = $5, not_before = $6, lease_expiry = $7, updated_at = $8
		 WHERE id = $1`,
		t.ID, string(t.Status), t.Attempts, t.Result, t.Error,
		nullTime(t.NotBefore), nullTime(t.LeaseExpiry), t.UpdatedAt)
	return execExpectOne(tag, err, taskstore.ErrNotFound, "update task %s", t.ID)
}

// ExpiredLeases returns running tasks whose lease expired before now.
func (s *TaskStore) ExpiredLeases(ctx context.Context, now time.Time) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM tasks WHERE status = 'running' AND lease_expiry < $1`, taskColumns), now)
	if err != nil {
		return nil, fmt.Errorf("expired leases: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		var t task.Task
		if err := scanTask(rows, &t); err != nil {
			return nil, fmt.Errorf("scan expired task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
