package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Halwright/AgentFlow/internal/domain/event"
	"github.com/Halwright/AgentFlow/internal/port/eventstore"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

var _ eventstore.Store = (*EventStore)(nil)

const eventColumns = `id, type, COALESCE(task_id, ''), COALESCE(run_id, ''), COALESCE(session_id, ''), payload, created_at`

func scanEvent(scanner interface{ Scan(dest ...any) error }, ev *event.Event) error {
	return scanner.Scan(&ev.ID, &ev.Type, &ev.TaskID, &ev.RunID, &ev.SessionID, &ev.Payload, &ev.CreatedAt)
}

// Append inserts a new event.
func (s *EventStore) Append(ctx context.Context, ev *event.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, type, task_id, run_id, session_id, payload, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7)`,
		ev.ID, string(ev.Type), ev.TaskID, ev.RunID, ev.SessionID, ev.Payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// LoadByTask returns all events for the given task, oldest first.
func (s *EventStore) LoadByTask(ctx context.Context, taskID string) ([]event.Event, error) {
	return s.load(ctx, "task_id", taskID)
}

// LoadByRun returns all events for the given run, oldest first.
func (s *EventStore) LoadByRun(ctx context.Context, runID string) ([]event.Event, error) {
	return s.load(ctx, "run_id", runID)
}

func (s *EventStore) load(ctx context.Context, column, id string) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM events WHERE %s = $1 ORDER BY created_at ASC, id ASC`, eventColumns, column), id)
	if err != nil {
		return nil, fmt.Errorf("load events by %s %s: %w", column, id, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
