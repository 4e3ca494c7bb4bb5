package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer flushes buffered log records on shutdown.
type Closer interface {
	Close()
}

// nopCloser is returned when logging is synchronous and there is nothing
// to flush.
type nopCloser struct{}

func (nopCloser) Close() {}

// AsyncHandler decouples log emission from log I/O: Handle enqueues the
// record onto a bounded channel drained by background workers, and a full
// channel drops the record instead of blocking the caller. The drop count
// is observable through DroppedCount.
type AsyncHandler struct {
	inner slog.Handler
	state *asyncState
}

// asyncState is shared by every WithAttrs/WithGroup derivative of a
// handler, so all of them feed the same channel, workers, and drop counter.
type asyncState struct {
	ch      chan slog.Record
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewAsyncHandler wraps inner with a record channel of the given capacity
// drained by the given number of workers.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	h := &AsyncHandler{
		inner: inner,
		state: &asyncState{ch: make(chan slog.Record, chanSize)},
	}
	for range workers {
		h.state.wg.Add(1)
		go h.drain()
	}
	return h
}

func (h *AsyncHandler) drain() {
	defer h.state.wg.Done()
	for rec := range h.state.ch {
		_ = h.inner.Handle(context.Background(), rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record, dropping it when the channel is full.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.state.ch <- rec:
	default:
		h.state.dropped.Add(1)
	}
	return nil
}

// WithAttrs derives a handler over the same channel with extra attributes.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), state: h.state}
}

// WithGroup derives a handler over the same channel with a record group.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), state: h.state}
}

// DroppedCount returns how many records were dropped on a full channel.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.state.dropped.Load()
}

// Close stops intake and blocks until the workers have drained the channel.
func (h *AsyncHandler) Close() {
	close(h.state.ch)
	h.state.wg.Wait()
}
