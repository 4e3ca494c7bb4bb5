// Package queue implements the durable, at-least-once task queue on top of
// the taskstore port. Claiming is delegated to the store's atomic Claim;
// the queue layers lease expiry, idempotency-aware retries, and terminal
// notifications on the bus.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/Halwright/AgentFlow/internal/domain"
	"github.com/Halwright/AgentFlow/internal/domain/event"
	"github.com/Halwright/AgentFlow/internal/domain/task"
	"github.com/Halwright/AgentFlow/internal/port/bus"
	"github.com/Halwright/AgentFlow/internal/port/eventstore"
	"github.com/Halwright/AgentFlow/internal/port/taskstore"
	"github.com/Halwright/AgentFlow/internal/resilience"
)

// ErrUnavailable is returned when the persistence backend cannot be
// reached. Callers apply their own retry policy; the queue never swallows it.
var ErrUnavailable = fmt.Errorf("task queue %w", domain.ErrUnavailable)

// ErrNotFound is returned when the referenced task does not exist.
var ErrNotFound = taskstore.ErrNotFound

// Config holds queue tuning knobs.
type Config struct {
	// Lease is the window a claimed task may run before the sweeper
	// returns it to pending.
	Lease time.Duration

	// IdempotentRetries bounds automatic retries for idempotent
	// capabilities. Non-idempotent tasks are always retried at most once.
	IdempotentRetries int

	// RetryBaseDelay and RetryMaxDelay shape the exponential backoff
	// applied between retry attempts.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// SweepInterval is how often expired leases are reclaimed.
	SweepInterval time.Duration
}

// DefaultConfig returns queue settings suitable for local development.
func DefaultConfig() Config {
	return Config{
		Lease:             2 * time.Minute,
		IdempotentRetries: 3,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     30 * time.Second,
		SweepInterval:     5 * time.Second,
	}
}

// EnqueueOptions carries the optional attributes of a submitted task.
type EnqueueOptions struct {
	Idempotent bool
	RunID      string
	StepName   string
}

// Queue is the durable task queue. Multiple workers may Poll concurrently;
// the store's Claim guarantees no task is handed out twice.
type Queue struct {
	store   taskstore.Store
	signals bus.Bus
	events  eventstore.Store
	breaker *resilience.Breaker
	cfg     Config
	now     func() time.Time
}

// New creates a Queue over the given store and signal bus. events may be
// nil to skip lifecycle logging.
func New(store taskstore.Store, signals bus.Bus, events eventstore.Store, breaker *resilience.Breaker, cfg Config) *Queue {
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultConfig().Lease
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultConfig().RetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultConfig().RetryMaxDelay
	}
	return &Queue{
		store:   store,
		signals: signals,
		events:  events,
		breaker: breaker,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Enqueue persists a new pending task and signals waiting workers.
func (q *Queue) Enqueue(ctx context.Context, capability string, input json.RawMessage, opts EnqueueOptions) (string, error) {
	now := q.now().UTC()
	t := &task.Task{
		ID:         uuid.NewString(),
		Capability: capability,
		Input:      input,
		Status:     task.StatusPending,
		Idempotent: opts.Idempotent,
		RunID:      opts.RunID,
		StepName:   opts.StepName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := q.guard(func() error { return q.store.Create(ctx, t) }); err != nil {
		return "", err
	}

	q.appendEvent(ctx, event.TypeTaskEnqueued, t)
	q.signal(ctx, bus.SubjectTaskEnqueued, t)

	slog.Debug("task enqueued", "task_id", t.ID, "capability", capability, "run_id", opts.RunID)
	return t.ID, nil
}

// Poll claims one pending task, transitioning it to running under a lease.
// Returns (nil, nil) when nothing is claimable.
func (q *Queue) Poll(ctx context.Context) (*task.Task, error) {
	now := q.now().UTC()

	var claimed *task.Task
	err := q.guard(func() error {
		var err error
		claimed, err = q.store.Claim(ctx, now, now.Add(q.cfg.Lease))
		return err
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, nil
	}

	q.appendEvent(ctx, event.TypeTaskClaimed, claimed)
	return claimed, nil
}

// Get returns the task by ID.
func (q *Queue) Get(ctx context.Context, id string) (*task.Task, error) {
	var t *task.Task
	err := q.guard(func() error {
		var err error
		t, err = q.store.Get(ctx, id)
		return err
	})
	return t, err
}

// Complete records a successful result. Completing a task that already
// reached a terminal state is a no-op, which absorbs late workers whose
// lease was reclaimed.
func (q *Queue) Complete(ctx context.Context, id string, result json.RawMessage) error {
	t, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return nil
	}

	t.Status = task.StatusSucceeded
	t.Result = result
	t.Error = ""
	t.UpdatedAt = q.now().UTC()

	if err := q.guard(func() error { return q.store.Update(ctx, t) }); err != nil {
		return err
	}

	q.appendEvent(ctx, event.TypeTaskSucceeded, t)
	q.signal(ctx, bus.SubjectTaskTerminal, t)
	return nil
}

// Fail records a failed attempt. The task returns to pending with backoff
// while attempts remain under the idempotency-aware budget; once the budget
// is exhausted it transitions to failed permanently and the error surfaces
// to whoever awaits it.
func (q *Queue) Fail(ctx context.Context, id, detail string) error {
	t, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return nil
	}

	now := q.now().UTC()
	t.Error = detail
	t.UpdatedAt = now

	if t.Attempts < t.MaxAttempts(q.cfg.IdempotentRetries) {
		t.Status = task.StatusPending
		t.NotBefore = now.Add(q.retryDelay(t.Attempts))
		if err := q.guard(func() error { return q.store.Update(ctx, t) }); err != nil {
			return err
		}
		q.appendEvent(ctx, event.TypeTaskRetried, t)
		q.signal(ctx, bus.SubjectTaskEnqueued, t)
		slog.Info("task retry scheduled", "task_id", t.ID, "attempts", t.Attempts, "not_before", t.NotBefore)
		return nil
	}

	t.Status = task.StatusFailed
	if err := q.guard(func() error { return q.store.Update(ctx, t) }); err != nil {
		return err
	}
	q.appendEvent(ctx, event.TypeTaskFailed, t)
	q.signal(ctx, bus.SubjectTaskTerminal, t)
	slog.Warn("task failed permanently", "task_id", t.ID, "capability", t.Capability, "attempts", t.Attempts, "error", detail)
	return nil
}

// Cancel transitions a non-terminal task to cancelled. Cancelling a
// terminal task is a no-op.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	t, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return nil
	}

	t.Status = task.StatusCancelled
	t.UpdatedAt = q.now().UTC()
	if err := q.guard(func() error { return q.store.Update(ctx, t) }); err != nil {
		return err
	}

	q.appendEvent(ctx, event.TypeTaskCancelled, t)
	q.signal(ctx, bus.SubjectTaskTerminal, t)
	return nil
}

// StartSweeper launches the lease sweeper and returns a cancel function.
// Expired claims count as failed attempts: the task either returns to
// pending for a retry or fails permanently.
func (q *Queue) StartSweeper(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(q.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.sweep(ctx)
			}
		}
	}()
	return cancel
}

func (q *Queue) sweep(ctx context.Context) {
	now := q.now().UTC()

	var expired []task.Task
	err := q.guard(func() error {
		var err error
		expired, err = q.store.ExpiredLeases(ctx, now)
		return err
	})
	if err != nil {
		slog.Error("lease sweep failed", "error", err)
		return
	}

	for i := range expired {
		t := expired[i]
		t.UpdatedAt = now

		if t.Attempts < t.MaxAttempts(q.cfg.IdempotentRetries) {
			t.Status = task.StatusPending
			t.NotBefore = now.Add(q.retryDelay(t.Attempts))
			if err := q.guard(func() error { return q.store.Update(ctx, &t) }); err != nil {
				slog.Error("reclaim update failed", "task_id", t.ID, "error", err)
				continue
			}
			q.appendEvent(ctx, event.TypeTaskReclaimed, &t)
			q.signal(ctx, bus.SubjectTaskEnqueued, &t)
			slog.Warn("lease expired, task reclaimed", "task_id", t.ID, "attempts", t.Attempts)
			continue
		}

		t.Status = task.StatusFailed
		if t.Error == "" {
			t.Error = "lease expired"
		}
		if err := q.guard(func() error { return q.store.Update(ctx, &t) }); err != nil {
			slog.Error("reclaim update failed", "task_id", t.ID, "error", err)
			continue
		}
		q.appendEvent(ctx, event.TypeTaskFailed, &t)
		q.signal(ctx, bus.SubjectTaskTerminal, &t)
		slog.Warn("lease expired, retries exhausted", "task_id", t.ID, "attempts", t.Attempts)
	}
}

// SubscribeTerminal invokes fn for every task that reaches a terminal
// state. The returned function cancels the subscription.
func (q *Queue) SubscribeTerminal(ctx context.Context, fn func(task.Task)) (func(), error) {
	return q.signals.Subscribe(ctx, bus.SubjectTaskTerminal, func(_ context.Context, _ string, data []byte) error {
		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("decode terminal task: %w", err)
		}
		fn(t)
		return nil
	})
}

// Await blocks until the task reaches a terminal state or ctx expires.
// Terminal signals wake it early; a bounded poll covers missed signals.
func (q *Queue) Await(ctx context.Context, id string) (*task.Task, error) {
	wake := make(chan struct{}, 1)
	cancel, err := q.signals.Subscribe(ctx, bus.SubjectTaskTerminal, func(_ context.Context, _ string, data []byte) error {
		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if t.ID == id {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer cancel()

	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		t, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status.IsTerminal() {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

// retryDelay computes the backoff before the next attempt after the given
// number of completed attempts.
func (q *Queue) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.RetryBaseDelay
	b.MaxInterval = q.cfg.RetryMaxDelay
	b.RandomizationFactor = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop {
		d = q.cfg.RetryMaxDelay
	}
	return d
}

// guard runs fn through the circuit breaker, mapping failures to
// ErrUnavailable.
func (q *Queue) guard(fn func() error) error {
	if q.breaker == nil {
		if err := fn(); err != nil {
			if errors.Is(err, taskstore.ErrNotFound) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	}

	// A missing task is a caller mistake, not backend trouble; it must not
	// trip the breaker.
	var notFound bool
	err := q.breaker.Execute(func() error {
		if err := fn(); err != nil {
			if errors.Is(err, taskstore.ErrNotFound) {
				notFound = true
				return nil
			}
			return err
		}
		return nil
	})
	switch {
	case notFound:
		return taskstore.ErrNotFound
	case err == nil:
		return nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func (q *Queue) signal(ctx context.Context, subject string, t *task.Task) {
	data, err := json.Marshal(t)
	if err != nil {
		slog.Error("marshal task signal", "task_id", t.ID, "error", err)
		return
	}
	if err := q.signals.Publish(ctx, subject, data); err != nil {
		slog.Error("publish task signal", "subject", subject, "task_id", t.ID, "error", err)
	}
}

func (q *Queue) appendEvent(ctx context.Context, typ event.Type, t *task.Task) {
	if q.events == nil {
		return
	}
	ev := &event.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		TaskID:    t.ID,
		RunID:     t.RunID,
		CreatedAt: q.now().UTC(),
	}
	if err := q.events.Append(ctx, ev); err != nil {
		slog.Error("append task event", "task_id", t.ID, "type", typ, "error", err)
	}
}
