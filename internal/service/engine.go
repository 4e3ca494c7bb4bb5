// Package service wires the domain packages into the running system: the
// workflow engine, the capability worker pool, the orchestrator, the
// collaboration coordinator, and the cron scheduler.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	otelattr "go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Halwright/AgentFlow/internal/adapter/otel"
	"github.com/Halwright/AgentFlow/internal/capability"
	"github.com/Halwright/AgentFlow/internal/domain/event"
	"github.com/Halwright/AgentFlow/internal/domain/task"
	"github.com/Halwright/AgentFlow/internal/domain/workflow"
	"github.com/Halwright/AgentFlow/internal/port/broadcast"
	"github.com/Halwright/AgentFlow/internal/port/bus"
	"github.com/Halwright/AgentFlow/internal/port/database"
	"github.com/Halwright/AgentFlow/internal/port/eventstore"
	"github.com/Halwright/AgentFlow/internal/queue"
)

// EngineService executes workflow runs: it dispatches ready steps to the
// task queue and advances runs as step tasks reach terminal states. Runs
// are mutated only here; all advancement is serialized by mu.
type EngineService struct {
	store    database.Store
	queue    *queue.Queue
	registry *capability.Registry
	signals  bus.Bus
	hub      broadcast.Broadcaster
	events   eventstore.Store
	metrics  *otel.Metrics
	mu       sync.Mutex // serializes run advancement

	reconcileInterval time.Duration

	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

const defaultReconcileInterval = 5 * time.Second

// NewEngineService creates an EngineService. hub, events, and metrics may
// be nil.
func NewEngineService(
	store database.Store,
	q *queue.Queue,
	registry *capability.Registry,
	signals bus.Bus,
	hub broadcast.Broadcaster,
	events eventstore.Store,
	metrics *otel.Metrics,
) *EngineService {
	return &EngineService{
		store:    store,
		queue:    q,
		registry: registry,
		signals:  signals,
		hub:      hub,
		events:   events,
		metrics:  metrics,
	}
}

// SetReconcileInterval overrides the reconciliation sweep interval. Must be
// called before Start.
func (s *EngineService) SetReconcileInterval(d time.Duration) {
	s.reconcileInterval = d
}

// Start subscribes the engine to terminal task signals and launches the
// reconciliation sweep. Call Stop on shutdown.
func (s *EngineService) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	cancel, err := s.queue.SubscribeTerminal(ctx, func(t task.Task) {
		s.HandleTaskTerminal(context.WithoutCancel(ctx), t)
	})
	if err != nil {
		s.cancel()
		return fmt.Errorf("subscribe terminal tasks: %w", err)
	}
	s.unsubscribe = cancel

	if s.reconcileInterval <= 0 {
		s.reconcileInterval = defaultReconcileInterval
	}
	s.wg.Add(1)
	go s.reconcileLoop(ctx)

	return nil
}

// Stop cancels the terminal-task subscription and waits for the
// reconciliation sweep to drain.
func (s *EngineService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.wg.Wait()
}

// reconcileLoop re-drives non-terminal runs on a fixed interval. Terminal
// task signals normally advance a run, but a run whose step dispatch failed
// or whose terminal signal was dropped produces no further signals; the
// sweep folds finished tasks back in and retries pending dispatches so
// every run still terminates once the backend recovers.
func (s *EngineService) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

func (s *EngineService) reconcile(ctx context.Context) {
	runs, err := s.store.ListRuns(ctx)
	if err != nil {
		slog.Error("list runs for reconciliation", "error", err)
		return
	}
	for i := range runs {
		if runs[i].Status.IsTerminal() {
			continue
		}
		s.refoldSteps(ctx, &runs[i])
		s.advanceRun(ctx, runs[i].ID)
	}
}

// refoldSteps folds in terminal step tasks whose signals never reached
// HandleTaskTerminal.
func (s *EngineService) refoldSteps(ctx context.Context, r *workflow.Run) {
	for _, st := range r.Steps {
		if st.Status != workflow.StepStatusRunning || st.TaskID == "" {
			continue
		}
		t, err := s.queue.Get(ctx, st.TaskID)
		if err != nil || !t.Status.IsTerminal() {
			continue
		}
		s.HandleTaskTerminal(ctx, *t)
	}
}

// SaveDefinition validates a workflow definition, checks its input
// templates against registered capability schemas, and persists it.
// Saving under an existing name replaces the definition; in-flight runs
// keep their own copy.
func (s *EngineService) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("validate workflow %q: %w", def.Name, err)
	}
	if err := def.CheckTemplates(s.registry.Lookup); err != nil {
		return fmt.Errorf("check templates for %q: %w", def.Name, err)
	}
	if err := s.store.PutDefinition(ctx, def); err != nil {
		return fmt.Errorf("store workflow %q: %w", def.Name, err)
	}
	slog.Info("workflow definition saved", "workflow", def.Name, "steps", len(def.Steps))
	return nil
}

// ListDefinitions returns all stored workflow definitions.
func (s *EngineService) ListDefinitions(ctx context.Context) ([]workflow.Definition, error) {
	return s.store.ListDefinitions(ctx)
}

// GetDefinition returns the named workflow definition.
func (s *EngineService) GetDefinition(ctx context.Context, name string) (*workflow.Definition, error) {
	return s.store.GetDefinition(ctx, name)
}

// StartRun creates and starts a run of the named stored definition.
func (s *EngineService) StartRun(ctx context.Context, defName string) (*workflow.Run, error) {
	def, err := s.store.GetDefinition(ctx, defName)
	if err != nil {
		return nil, fmt.Errorf("load workflow %q: %w", defName, err)
	}
	return s.StartRunOf(ctx, def)
}

// StartRunOf creates and starts a run of the given definition. The
// definition is snapshotted into the run, so later edits to the stored
// definition do not affect it.
func (s *EngineService) StartRunOf(ctx context.Context, def *workflow.Definition) (*workflow.Run, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("validate workflow %q: %w", def.Name, err)
	}

	r := workflow.NewRun(uuid.NewString(), *def)
	r.Status = workflow.StatusRunning

	if err := s.store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	s.appendRunEvent(ctx, event.TypeRunStarted, r)
	if s.metrics != nil {
		s.metrics.RunsStarted.Add(ctx, 1,
			metric.WithAttributes(otelattr.String("workflow", def.Name)))
	}
	s.broadcast(ctx, "run.started", r)
	slog.Info("run started", "run_id", r.ID, "workflow", def.Name)

	s.advanceRun(ctx, r.ID)

	out, err := s.store.GetRun(ctx, r.ID)
	if err != nil {
		return r, nil //nolint:nilerr // run was created; return the snapshot we hold
	}
	return out, nil
}

// GetRun returns the run by ID.
func (s *EngineService) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	return s.store.GetRun(ctx, id)
}

// ListRuns returns all stored runs, most recent first.
func (s *EngineService) ListRuns(ctx context.Context) ([]workflow.Run, error) {
	return s.store.ListRuns(ctx)
}

// CancelRun cancels a running workflow: every pending step is marked
// cancelled and every in-flight step task is cancelled through the queue.
// Cancelling a terminal run is a no-op.
func (s *EngineService) CancelRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return nil
	}

	var inflight []string
	for name, st := range r.Steps {
		switch st.Status {
		case workflow.StepStatusPending:
			st.Status = workflow.StepStatusCancelled
			r.Steps[name] = st
		case workflow.StepStatusRunning:
			st.Status = workflow.StepStatusCancelled
			r.Steps[name] = st
			if st.TaskID != "" {
				inflight = append(inflight, st.TaskID)
			}
		}
	}

	r.Status = workflow.StatusCancelled
	r.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateRun(ctx, r); err != nil {
		return fmt.Errorf("update cancelled run: %w", err)
	}

	// Cancel in-flight tasks after the run is terminal so their terminal
	// signals find nothing left to advance.
	for _, taskID := range inflight {
		if err := s.queue.Cancel(ctx, taskID); err != nil {
			slog.Warn("cancel step task", "run_id", id, "task_id", taskID, "error", err)
		}
	}

	s.appendRunEvent(ctx, event.TypeRunCancelled, r)
	s.recordRunTerminal(ctx, r)
	s.publishRunStatus(ctx, r)
	s.broadcast(ctx, "run.cancelled", r)
	slog.Info("run cancelled", "run_id", id)
	return nil
}

// AwaitRun blocks until the run reaches a terminal status or ctx expires.
// Run status signals wake it early; a bounded poll covers missed signals.
func (s *EngineService) AwaitRun(ctx context.Context, id string) (*workflow.Run, error) {
	wake := make(chan struct{}, 1)
	cancel, err := s.signals.Subscribe(ctx, bus.SubjectRunStatus, func(_ context.Context, _ string, data []byte) error {
		var r workflow.Run
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		if r.ID == id {
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

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		r, err := s.store.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if r.Status.IsTerminal() {
			return r, nil
		}

		select {
		case <-ctx.Done():
			return r, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

// HandleTaskTerminal folds one terminal step task back into its run and
// advances the run. Tasks without a run attached are ignored.
func (s *EngineService) HandleTaskTerminal(ctx context.Context, t task.Task) {
	if t.RunID == "" || t.StepName == "" {
		return
	}

	s.mu.Lock()
	r, err := s.store.GetRun(ctx, t.RunID)
	if err != nil {
		s.mu.Unlock()
		slog.Error("load run for terminal task", "run_id", t.RunID, "task_id", t.ID, "error", err)
		return
	}

	st, ok := r.Steps[t.StepName]
	if !ok || r.Status.IsTerminal() || st.Status.IsTerminal() || st.TaskID != t.ID {
		// Stale signal: the run finished, was cancelled, or the step was
		// already folded in.
		s.mu.Unlock()
		return
	}

	switch t.Status {
	case task.StatusSucceeded:
		st.Status = workflow.StepStatusSucceeded
		st.Output = t.Result
	case task.StatusFailed:
		st.Status = workflow.StepStatusFailed
		st.Error = t.Error
		s.cancelDownstream(r, t.StepName)
	case task.StatusCancelled:
		st.Status = workflow.StepStatusCancelled
		s.cancelDownstream(r, t.StepName)
	default:
		s.mu.Unlock()
		slog.Error("terminal signal with non-terminal status", "task_id", t.ID, "status", t.Status)
		return
	}
	r.Steps[t.StepName] = st
	r.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateRun(ctx, r); err != nil {
		s.mu.Unlock()
		slog.Error("update run after step", "run_id", r.ID, "step", t.StepName, "error", err)
		return
	}
	s.mu.Unlock()

	s.appendRunEvent(ctx, event.TypeRunStep, r)
	s.broadcast(ctx, "run.step", map[string]any{
		"run_id": r.ID,
		"step":   t.StepName,
		"status": st.Status,
	})

	s.advanceRun(ctx, r.ID)
}

// advanceRun dispatches every ready step of the run and finalizes the run
// once all steps are terminal.
func (s *EngineService) advanceRun(ctx context.Context, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Reload for fresh state
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		slog.Error("reload run", "run_id", runID, "error", err)
		return
	}
	if r.Status.IsTerminal() {
		return
	}

	outputs := r.Outputs()
	dirty := false

	for _, name := range r.ReadySteps() {
		spec := r.Definition.Step(name)

		input, err := r.Definition.RenderInput(name, outputs)
		if err != nil {
			// An upstream output is missing a referenced field. The step
			// cannot run; it fails and takes its dependents with it.
			st := r.Steps[name]
			st.Status = workflow.StepStatusFailed
			st.Error = err.Error()
			r.Steps[name] = st
			s.cancelDownstream(r, name)
			dirty = true
			slog.Warn("step input render failed", "run_id", r.ID, "step", name, "error", err)
			continue
		}

		idempotent := false
		if reg, ok := s.registry.Lookup(spec.Capability); ok {
			idempotent = reg.Idempotent
		}

		taskID, err := s.queue.Enqueue(ctx, spec.Capability, input, queue.EnqueueOptions{
			Idempotent: idempotent,
			RunID:      r.ID,
			StepName:   name,
		})
		if err != nil {
			// Leave the step pending; the next advancement retries the
			// dispatch once the queue recovers.
			slog.Error("enqueue step task", "run_id", r.ID, "step", name, "error", err)
			continue
		}

		st := r.Steps[name]
		st.Status = workflow.StepStatusRunning
		st.TaskID = taskID
		r.Steps[name] = st
		dirty = true
		slog.Debug("step dispatched", "run_id", r.ID, "step", name, "capability", spec.Capability, "task_id", taskID)
	}

	if r.AllTerminal() {
		r.Status = r.TerminalStatus()
		dirty = true
	}

	if dirty {
		r.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateRun(ctx, r); err != nil {
			slog.Error("update run", "run_id", r.ID, "error", err)
			return
		}
	}

	if r.Status.IsTerminal() {
		s.appendRunEvent(ctx, event.TypeRunCompleted, r)
		s.recordRunTerminal(ctx, r)
		s.publishRunStatus(ctx, r)
		s.broadcast(ctx, "run.completed", r)
		slog.Info("run completed", "run_id", r.ID, "workflow", r.Definition.Name, "status", r.Status)
	}
}

func (s *EngineService) recordRunTerminal(ctx context.Context, r *workflow.Run) {
	if s.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		otelattr.String("workflow", r.Definition.Name),
		otelattr.String("status", string(r.Status)),
	)
	s.metrics.RunsCompleted.Add(ctx, 1, attrs)
	s.metrics.RunDuration.Record(ctx, time.Since(r.CreatedAt).Seconds(), attrs)
}

// cancelDownstream marks every pending step transitively downstream of the
// named step as cancelled. Running downstream steps cannot exist: a step
// only runs after all of its dependencies succeeded.
func (s *EngineService) cancelDownstream(r *workflow.Run, name string) {
	for _, dep := range r.Definition.Downstream(name) {
		st := r.Steps[dep]
		if st.Status == workflow.StepStatusPending {
			st.Status = workflow.StepStatusCancelled
			r.Steps[dep] = st
		}
	}
}

// publishRunStatus signals run status transitions on the bus for AwaitRun
// and other observers.
func (s *EngineService) publishRunStatus(ctx context.Context, r *workflow.Run) {
	data, err := json.Marshal(r)
	if err != nil {
		slog.Error("marshal run status", "run_id", r.ID, "error", err)
		return
	}
	if err := s.signals.Publish(ctx, bus.SubjectRunStatus, data); err != nil {
		slog.Error("publish run status", "run_id", r.ID, "error", err)
	}
}

func (s *EngineService) appendRunEvent(ctx context.Context, typ event.Type, r *workflow.Run) {
	if s.events == nil {
		return
	}
	ev := &event.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		RunID:     r.ID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.events.Append(ctx, ev); err != nil {
		slog.Error("append run event", "run_id", r.ID, "type", typ, "error", err)
	}
}

func (s *EngineService) broadcast(ctx context.Context, eventType string, payload any) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, eventType, payload)
}
