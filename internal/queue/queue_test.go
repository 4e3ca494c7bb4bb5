package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Halwright/AgentFlow/internal/adapter/inproc"
	"github.com/Halwright/AgentFlow/internal/adapter/memstore"
	"github.com/Halwright/AgentFlow/internal/domain"
	"github.com/Halwright/AgentFlow/internal/domain/task"
	"github.com/Halwright/AgentFlow/internal/port/taskstore"
	"github.com/Halwright/AgentFlow/internal/resilience"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	b := inproc.NewBus()
	t.Cleanup(func() { _ = b.Close() })

	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	return New(memstore.NewTaskStore(), b, memstore.NewEventStore(), nil, cfg)
}

func TestEnqueuePollComplete(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "echo", json.RawMessage(`{"msg":"hi"}`), EnqueueOptions{Idempotent: true})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, err := q.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if claimed == nil || claimed.ID != id {
		t.Fatalf("expected claimed task %s, got %+v", id, claimed)
	}
	if claimed.Status != task.StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("expected running/attempt 1, got %s/%d", claimed.Status, claimed.Attempts)
	}

	if err := q.Complete(ctx, id, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
	if string(got.Result) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", got.Result)
	}
}

func TestPollEmpty(t *testing.T) {
	q := testQueue(t)
	claimed, err := q.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected nil on empty queue, got %+v", claimed)
	}
}

// No two concurrent pollers may observe the same pending task as claimable.
func TestClaimAtomicityUnderStress(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	const tasks = 50
	const pollers = 16

	for i := 0; i < tasks; i++ {
		if _, err := q.Enqueue(ctx, "noop", nil, EnqueueOptions{Idempotent: true}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := q.Poll(ctx)
				if err != nil {
					t.Errorf("Poll: %v", err)
					return
				}
				if claimed == nil {
					return
				}
				mu.Lock()
				seen[claimed.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != tasks {
		t.Fatalf("expected %d distinct claims, got %d", tasks, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("task %s claimed %d times", id, n)
		}
	}
}

func TestNonIdempotentRetriedAtMostOnce(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "send", nil, EnqueueOptions{Idempotent: false})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	attempts := 0
	for {
		// Retried tasks carry a short NotBefore gate.
		time.Sleep(3 * time.Millisecond)
		claimed, err := q.Poll(ctx)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if claimed == nil {
			break
		}
		attempts++
		if err := q.Fail(ctx, claimed.ID, "boom"); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	}

	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts for non-idempotent task, got %d", attempts)
	}

	got, _ := q.Get(ctx, id)
	if got.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Error != "boom" {
		t.Fatalf("expected error detail preserved, got %q", got.Error)
	}
}

func TestIdempotentRetriedUpToBound(t *testing.T) {
	b := inproc.NewBus()
	t.Cleanup(func() { _ = b.Close() })

	cfg := DefaultConfig()
	cfg.IdempotentRetries = 2
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	q := New(memstore.NewTaskStore(), b, nil, nil, cfg)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "fetch", nil, EnqueueOptions{Idempotent: true}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	attempts := 0
	for {
		time.Sleep(3 * time.Millisecond)
		claimed, err := q.Poll(ctx)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if claimed == nil {
			break
		}
		attempts++
		_ = q.Fail(ctx, claimed.ID, "transient")
	}

	if attempts != 3 { // initial + 2 retries
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestLeaseExpiryReclaims(t *testing.T) {
	b := inproc.NewBus()
	t.Cleanup(func() { _ = b.Close() })

	cfg := DefaultConfig()
	cfg.Lease = 10 * time.Millisecond
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = time.Millisecond
	q := New(memstore.NewTaskStore(), b, nil, nil, cfg)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "crash", nil, EnqueueOptions{Idempotent: true})

	claimed, err := q.Poll(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("Poll: %v %v", claimed, err)
	}

	// Simulate a worker crash: never complete, let the lease lapse.
	time.Sleep(15 * time.Millisecond)
	q.sweep(ctx)

	got, _ := q.Get(ctx, id)
	if got.Status != task.StatusPending {
		t.Fatalf("expected pending after reclaim, got %s", got.Status)
	}

	// The reclaimed task is claimable again after its backoff gate.
	time.Sleep(3 * time.Millisecond)
	again, err := q.Poll(ctx)
	if err != nil || again == nil || again.ID != id {
		t.Fatalf("expected to reclaim %s, got %+v (%v)", id, again, err)
	}
	if again.Attempts != 2 {
		t.Fatalf("expected attempt 2 on reclaim, got %d", again.Attempts)
	}
}

func TestReclaimedIdempotentTaskSideEffectOnce(t *testing.T) {
	b := inproc.NewBus()
	t.Cleanup(func() { _ = b.Close() })

	cfg := DefaultConfig()
	cfg.Lease = 10 * time.Millisecond
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = time.Millisecond
	q := New(memstore.NewTaskStore(), b, nil, nil, cfg)
	ctx := context.Background()

	// An idempotent handler dedupes its side effect by task ID, the way a
	// real one would key on an external idempotency token.
	effects := make(map[string]int)
	handle := func(t *task.Task) {
		if effects[t.ID] == 0 {
			effects[t.ID]++
		}
	}

	id, _ := q.Enqueue(ctx, "send", nil, EnqueueOptions{Idempotent: true})

	// First execution: the side effect lands, but the worker crashes
	// before recording completion.
	first, err := q.Poll(ctx)
	if err != nil || first == nil {
		t.Fatalf("Poll: %v %v", first, err)
	}
	handle(first)

	time.Sleep(15 * time.Millisecond)
	q.sweep(ctx)
	time.Sleep(3 * time.Millisecond)

	// Second execution after reclaim runs the handler again and completes.
	second, err := q.Poll(ctx)
	if err != nil || second == nil || second.ID != id {
		t.Fatalf("expected to reclaim %s, got %+v (%v)", id, second, err)
	}
	handle(second)
	if err := q.Complete(ctx, id, json.RawMessage(`"sent"`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, _ := q.Get(ctx, id)
	if got.Status != task.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
	if got.Attempts != 2 {
		t.Fatalf("expected two executions, got %d", got.Attempts)
	}
	if effects[id] != 1 {
		t.Fatalf("expected exactly one side effect despite two executions, got %d", effects[id])
	}
}

func TestCompleteAfterTerminalIsNoop(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "noop", nil, EnqueueOptions{Idempotent: true})
	claimed, _ := q.Poll(ctx)
	_ = q.Cancel(ctx, claimed.ID)

	if err := q.Complete(ctx, id, json.RawMessage(`"late"`)); err != nil {
		t.Fatalf("Complete after cancel: %v", err)
	}

	got, _ := q.Get(ctx, id)
	if got.Status != task.StatusCancelled {
		t.Fatalf("late completion overwrote terminal state: %s", got.Status)
	}
	if got.Result != nil {
		t.Fatalf("late result recorded: %s", got.Result)
	}
}

func TestAwaitReturnsOnCompletion(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "noop", nil, EnqueueOptions{Idempotent: true})

	go func() {
		claimed, _ := q.Poll(ctx)
		if claimed != nil {
			_ = q.Complete(ctx, claimed.ID, json.RawMessage(`"done"`))
		}
	}()

	awaitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	got, err := q.Await(awaitCtx, id)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got.Status != task.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
}

func TestGetUnknownTask(t *testing.T) {
	q := testQueue(t)
	_, err := q.Get(context.Background(), "missing")
	if !errors.Is(err, taskstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// The port sentinel is the shared domain one, so callers can classify
	// misses without importing the port.
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected domain.ErrNotFound, got %v", err)
	}
}

// failingStore simulates an unreachable persistence backend.
type failingStore struct{}

func (failingStore) Create(context.Context, *task.Task) error { return errors.New("conn refused") }
func (failingStore) Get(context.Context, string) (*task.Task, error) {
	return nil, errors.New("conn refused")
}
func (failingStore) Claim(context.Context, time.Time, time.Time) (*task.Task, error) {
	return nil, errors.New("conn refused")
}
func (failingStore) Update(context.Context, *task.Task) error { return errors.New("conn refused") }
func (failingStore) ExpiredLeases(context.Context, time.Time) ([]task.Task, error) {
	return nil, errors.New("conn refused")
}

func TestUnavailableBackendSurfaces(t *testing.T) {
	b := inproc.NewBus()
	t.Cleanup(func() { _ = b.Close() })

	breaker := resilience.NewBreaker(2, time.Minute)
	q := New(failingStore{}, b, nil, breaker, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, "x", nil, EnqueueOptions{}); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	}

	// Breaker is now open: failure is reported without touching the store,
	// and classifies as the shared domain sentinel.
	_, err := q.Poll(ctx)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable while open, got %v", err)
	}
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected domain.ErrUnavailable, got %v", err)
	}
}
