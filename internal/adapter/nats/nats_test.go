package nats

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Bus {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	b, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return b
}

// uniqueSubject returns a test subject under the "tasks." prefix which the
// AGENTFLOW stream captures (tasks.>).
func uniqueSubject(t *testing.T) string {
	t.Helper()
	// Use test name to avoid collisions between parallel tests.
	return "tasks.test." + t.Name()
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := testConnect(t)
	subject := uniqueSubject(t)

	type payload struct {
		Msg string `json:"msg"`
	}
	want := payload{Msg: "hello-nats"}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var (
		mu       sync.Mutex
		received *payload
		done     = make(chan struct{})
		once     sync.Once
	)

	stop, err := b.Subscribe(context.Background(), subject, func(_ context.Context, _ string, d []byte) error {
		var got payload
		if err := json.Unmarshal(d, &got); err != nil {
			return err
		}
		mu.Lock()
		received = &got
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := b.Publish(context.Background(), subject, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for signal")
	}

	mu.Lock()
	defer mu.Unlock()

	if received == nil {
		t.Fatal("handler was not called")
	}
	if received.Msg != want.Msg {
		t.Errorf("got %q, want %q", received.Msg, want.Msg)
	}
}

func TestBus_EverySubscriberSeesEverySignal(t *testing.T) {
	// Terminal signals fan out: the engine and any number of awaiting
	// callers each need their own copy.
	b := testConnect(t)
	subject := uniqueSubject(t)

	const subscribers = 3
	var wg sync.WaitGroup
	wg.Add(subscribers)

	for i := 0; i < subscribers; i++ {
		var once sync.Once
		stop, err := b.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error {
			once.Do(wg.Done)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe %d: %v", i, err)
		}
		defer stop()
	}

	if err := b.Publish(context.Background(), subject, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not every subscriber received the signal")
	}
}

func TestBus_SubscribeAfterPublishMissesOldSignals(t *testing.T) {
	// Signals are wake-ups, not state: a late subscriber must not replay
	// history (the bounded-poll fallback covers it instead).
	b := testConnect(t)
	subject := uniqueSubject(t)

	if err := b.Publish(context.Background(), subject, []byte(`{"old":true}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := make(chan []byte, 1)
	stop, err := b.Subscribe(context.Background(), subject, func(_ context.Context, _ string, d []byte) error {
		select {
		case got <- d:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	select {
	case d := <-got:
		t.Fatalf("late subscriber replayed old signal: %s", d)
	case <-time.After(500 * time.Millisecond):
	}
}
