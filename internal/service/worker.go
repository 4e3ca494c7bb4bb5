package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	otelattr "go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Halwright/AgentFlow/internal/adapter/otel"
	"github.com/Halwright/AgentFlow/internal/capability"
	"github.com/Halwright/AgentFlow/internal/port/bus"
	"github.com/Halwright/AgentFlow/internal/queue"
)

// WorkerPool runs a fixed set of capability workers. Each worker claims
// tasks from the queue, invokes the registered handler, and reports the
// outcome back to the queue. Enqueue signals wake idle workers; a poll
// ticker covers missed signals.
type WorkerPool struct {
	queue    *queue.Queue
	registry *capability.Registry
	signals  bus.Bus
	count    int
	interval time.Duration
	metrics  *otel.Metrics

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorkerPool creates a WorkerPool with the given worker count and poll
// interval. metrics may be nil.
func NewWorkerPool(q *queue.Queue, registry *capability.Registry, signals bus.Bus, count int, interval time.Duration, metrics *otel.Metrics) *WorkerPool {
	if count < 1 {
		count = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &WorkerPool{
		queue:    q,
		registry: registry,
		signals:  signals,
		count:    count,
		interval: interval,
		metrics:  metrics,
	}
}

// Start launches the workers. Call Stop on shutdown; in-flight handler
// invocations finish before Stop returns.
func (p *WorkerPool) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	wake := make(chan struct{}, 1)
	unsubscribe, err := p.signals.Subscribe(ctx, bus.SubjectTaskEnqueued, func(context.Context, string, []byte) error {
		select {
		case wake <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		p.cancel()
		return err
	}

	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.run(ctx, i, wake)
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	slog.Info("worker pool started", "workers", p.count)
	return nil
}

// Stop cancels the workers and waits for them to drain.
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *WorkerPool) run(ctx context.Context, id int, wake <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		// Drain everything claimable before sleeping again.
		for {
			if ctx.Err() != nil {
				return
			}
			t, err := p.queue.Poll(ctx)
			if err != nil {
				slog.Error("worker poll", "worker", id, "error", err)
				break
			}
			if t == nil {
				break
			}
			p.execute(ctx, t.ID, t.Capability, t.Input)
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// execute invokes the capability handler for one claimed task and records
// the outcome. A handler error becomes a Fail, which the queue turns into
// a retry or a permanent failure according to the task's retry budget.
func (p *WorkerPool) execute(ctx context.Context, taskID, capName string, input []byte) {
	ctx, span := otel.StartTaskSpan(ctx, taskID, capName)
	defer span.End()

	start := time.Now()
	result, err := p.registry.Invoke(ctx, capName, input)
	p.recordExecution(ctx, capName, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		if ferr := p.queue.Fail(ctx, taskID, err.Error()); ferr != nil {
			slog.Error("record task failure", "task_id", taskID, "error", ferr)
		}
		return
	}
	if cerr := p.queue.Complete(ctx, taskID, result); cerr != nil {
		slog.Error("record task result", "task_id", taskID, "error", cerr)
	}
}

func (p *WorkerPool) recordExecution(ctx context.Context, capName string, elapsed time.Duration, err error) {
	if p.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(otelattr.String("capability", capName))
	p.metrics.TaskDuration.Record(ctx, elapsed.Seconds(), attrs)
	if err != nil {
		p.metrics.TasksFailed.Add(ctx, 1, attrs)
		return
	}
	p.metrics.TasksCompleted.Add(ctx, 1, attrs)
}
