package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Halwright/AgentFlow/internal/capability"
	domcap "github.com/Halwright/AgentFlow/internal/domain/capability"
	"github.com/Halwright/AgentFlow/internal/domain/workflow"
	"github.com/Halwright/AgentFlow/internal/queue"
)

// Planning and synthesis are capabilities like any other: the orchestrator
// only knows their names, never their implementation.
const (
	CapPlannerDecompose = "planner.decompose"
	CapPlannerSplit     = "planner.split"
	CapSynthesize       = "synthesize"
)

// ErrNoPlan is returned when the planner produced no usable workflow for a
// goal.
var ErrNoPlan = errors.New("planner produced no workflow")

// Request is one unit of work submitted to the orchestrator. Exactly one
// of Capability or Goal must be set: a Capability request invokes a single
// handler through the queue; a Goal request is planned into a workflow.
type Request struct {
	Capability string          `json:"capability,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Goal       string          `json:"goal,omitempty"`
}

// Result is the orchestrator's answer: either a single capability output
// or the assembled outputs of a workflow run. Partial marks runs that
// terminated with some steps failed.
type Result struct {
	RunID   string                     `json:"run_id,omitempty"`
	TaskID  string                     `json:"task_id,omitempty"`
	Status  workflow.Status            `json:"status"`
	Output  json.RawMessage            `json:"output,omitempty"`
	Outputs map[string]json.RawMessage `json:"outputs,omitempty"`
	Errors  []workflow.StepError       `json:"errors,omitempty"`
	Partial bool                       `json:"partial,omitempty"`
}

// OrchestratorService turns incoming requests into capability calls or
// workflow runs and assembles the response.
type OrchestratorService struct {
	engine   *EngineService
	queue    *queue.Queue
	registry *capability.Registry
	deadline time.Duration
}

// NewOrchestratorService creates an OrchestratorService. deadline bounds
// every Process call end to end.
func NewOrchestratorService(engine *EngineService, q *queue.Queue, registry *capability.Registry, deadline time.Duration) *OrchestratorService {
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}
	return &OrchestratorService{
		engine:   engine,
		queue:    q,
		registry: registry,
		deadline: deadline,
	}
}

// Process handles one request and blocks until it resolves or the overall
// deadline elapses. On deadline it returns whatever partial results are
// available together with a Timeout error; the underlying run keeps going
// until it terminates or is cancelled explicitly.
func (s *OrchestratorService) Process(ctx context.Context, req Request) (*Result, error) {
	if req.Capability == "" && req.Goal == "" {
		return nil, errors.New("request needs a capability or a goal")
	}

	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	if req.Capability != "" {
		return s.processDirect(ctx, req)
	}
	return s.processGoal(ctx, req.Goal)
}

// SubmitTask enqueues a single ad-hoc capability task without waiting and
// returns its handle. The result stays retrievable through TaskResult
// after completion.
func (s *OrchestratorService) SubmitTask(ctx context.Context, capName string, input json.RawMessage) (string, error) {
	if _, ok := s.registry.Lookup(capName); !ok {
		return "", fmt.Errorf("capability %q: %w", capName, domcap.ErrUnknown)
	}
	return s.queue.Enqueue(ctx, capName, input, queue.EnqueueOptions{
		Idempotent: s.idempotent(capName),
	})
}

// Capabilities returns all registered capabilities, sorted by name.
func (s *OrchestratorService) Capabilities() []domcap.Registration {
	return s.registry.List()
}

// TaskResult returns the current state of an ad-hoc task.
func (s *OrchestratorService) TaskResult(ctx context.Context, id string) (*Result, error) {
	t, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r := &Result{TaskID: t.ID, Output: t.Result, Status: workflow.Status(t.Status)}
	if t.Error != "" {
		r.Errors = []workflow.StepError{{Capability: t.Capability, Error: t.Error}}
	}
	return r, nil
}

// processDirect runs a single capability call through the queue so it gets
// the same durability and retry policy as workflow steps.
func (s *OrchestratorService) processDirect(ctx context.Context, req Request) (*Result, error) {
	if _, ok := s.registry.Lookup(req.Capability); !ok {
		return nil, fmt.Errorf("capability %q: %w", req.Capability, domcap.ErrUnknown)
	}

	id, err := s.queue.Enqueue(ctx, req.Capability, req.Input, queue.EnqueueOptions{
		Idempotent: s.idempotent(req.Capability),
	})
	if err != nil {
		return nil, err
	}

	t, err := s.queue.Await(ctx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Result{TaskID: id, Status: workflow.StatusRunning},
				fmt.Errorf("request deadline elapsed: %w", domcap.ErrTimeout)
		}
		return nil, err
	}

	res := &Result{TaskID: id, Status: workflow.Status(t.Status), Output: t.Result}
	if t.Error != "" {
		res.Errors = []workflow.StepError{{Capability: req.Capability, Error: t.Error}}
	}
	return res, nil
}

// processGoal asks the planner capability for a workflow definition, runs
// it, and assembles the outcome.
func (s *OrchestratorService) processGoal(ctx context.Context, goal string) (*Result, error) {
	def, err := s.plan(ctx, goal)
	if err != nil {
		return nil, err
	}

	run, err := s.engine.StartRunOf(ctx, def)
	if err != nil {
		return nil, err
	}

	final, err := s.engine.AwaitRun(ctx, run.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && final != nil {
			res := s.assemble(final)
			return res, fmt.Errorf("request deadline elapsed: %w", domcap.ErrTimeout)
		}
		return nil, err
	}

	return s.assemble(final), nil
}

// plan invokes the planner capability and decodes its workflow definition.
// The planner sees the registered capability list so it only plans steps
// the system can execute.
func (s *OrchestratorService) plan(ctx context.Context, goal string) (*workflow.Definition, error) {
	payload, err := json.Marshal(map[string]any{
		"goal":         goal,
		"capabilities": s.registry.List(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode planning request: %w", err)
	}

	raw, err := s.registry.Invoke(ctx, CapPlannerDecompose, payload)
	if err != nil {
		return nil, fmt.Errorf("plan goal: %w", err)
	}

	var def workflow.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode planned workflow: %w", err)
	}
	if len(def.Steps) == 0 {
		return nil, ErrNoPlan
	}
	if def.Name == "" {
		def.Name = "planned"
	}

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("planned workflow invalid: %w", err)
	}
	if err := def.CheckTemplates(s.registry.Lookup); err != nil {
		return nil, fmt.Errorf("planned workflow invalid: %w", err)
	}

	slog.Info("goal planned", "goal", goal, "workflow", def.Name, "steps", len(def.Steps))
	return &def, nil
}

// assemble builds the response from a run snapshot: successful step
// outputs plus, when not fully successful, the per-step error list.
func (s *OrchestratorService) assemble(r *workflow.Run) *Result {
	res := &Result{
		RunID:   r.ID,
		Status:  r.Status,
		Outputs: r.Outputs(),
	}
	if r.Status != workflow.StatusSucceeded {
		res.Errors = r.StepErrors()
	}
	res.Partial = r.Status == workflow.StatusPartiallyFailed
	return res
}

func (s *OrchestratorService) idempotent(capName string) bool {
	reg, ok := s.registry.Lookup(capName)
	return ok && reg.Idempotent
}
