// Package inproc implements the bus port with in-process fan-out. It is the
// default for single-node deployments and tests; multi-node deployments use
// the NATS adapter instead.
package inproc

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Halwright/AgentFlow/internal/port/bus"
)

// ErrClosed is returned by Publish after the bus has been closed.
var ErrClosed = errors.New("bus closed")

type subscriber struct {
	id      int
	subject string
	handler bus.Handler
}

// Bus fans published messages out to all handlers subscribed to the
// subject. Handlers run on the publisher's goroutine boundary via a
// dedicated dispatch goroutine, so a slow handler never blocks Publish.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
	ch     chan message
	done   chan struct{}
	closed bool
}

type message struct {
	subject string
	data    []byte
}

// NewBus creates and starts an in-process bus.
func NewBus() *Bus {
	b := &Bus{
		ch:   make(chan message, 256),
		done: make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case msg := <-b.ch:
			b.mu.Lock()
			subs := make([]subscriber, len(b.subs))
			copy(subs, b.subs)
			b.mu.Unlock()

			for _, s := range subs {
				if s.subject != msg.subject {
					continue
				}
				if err := s.handler(context.Background(), msg.subject, msg.data); err != nil {
					slog.Error("bus handler failed", "subject", msg.subject, "error", err)
				}
			}
		}
	}
}

// Publish sends a message to the given subject. Messages are dropped with
// a log line if the dispatch buffer is full; durability lives in the store.
func (b *Bus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case b.ch <- message{subject: subject, data: data}:
	default:
		slog.Warn("bus buffer full, dropping signal", "subject", subject)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject.
func (b *Bus) Subscribe(_ context.Context, subject string, handler bus.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, subject: subject, handler: handler})

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
	return cancel, nil
}

// Close stops the dispatch loop.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
