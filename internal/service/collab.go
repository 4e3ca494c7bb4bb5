package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Halwright/AgentFlow/internal/capability"
	"github.com/Halwright/AgentFlow/internal/domain/collab"
	"github.com/Halwright/AgentFlow/internal/domain/event"
	"github.com/Halwright/AgentFlow/internal/domain/workflow"
	"github.com/Halwright/AgentFlow/internal/port/database"
	"github.com/Halwright/AgentFlow/internal/port/eventstore"
)

// ErrNoSubGoals is returned when the split capability produced nothing to
// work on.
var ErrNoSubGoals = errors.New("goal split produced no sub-goals")

// AggregatedResult is the outcome of one collaboration: the synthesized
// answer plus each sub-goal's own result. Omitted lists sub-goals whose
// runs produced no usable output; Partial is set whenever Omitted is
// non-empty.
type AggregatedResult struct {
	SessionID  string             `json:"session_id"`
	Status     collab.Status      `json:"status"`
	Answer     json.RawMessage    `json:"answer,omitempty"`
	SubResults map[string]*Result `json:"sub_results"`
	Omitted    []string           `json:"omitted,omitempty"`
	Partial    bool               `json:"partial,omitempty"`
}

// CollabService fans one goal out to several concurrent orchestrator runs
// and merges their outputs through a synthesis capability.
type CollabService struct {
	orchestrator *OrchestratorService
	engine       *EngineService
	registry     *capability.Registry
	store        database.Store
	events       eventstore.Store
	maxSubGoals  int
	timeout      time.Duration
}

// NewCollabService creates a CollabService. events may be nil.
func NewCollabService(
	orchestrator *OrchestratorService,
	engine *EngineService,
	registry *capability.Registry,
	store database.Store,
	events eventstore.Store,
	maxSubGoals int,
	timeout time.Duration,
) *CollabService {
	if maxSubGoals < 1 {
		maxSubGoals = 5
	}
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &CollabService{
		orchestrator: orchestrator,
		engine:       engine,
		registry:     registry,
		store:        store,
		events:       events,
		maxSubGoals:  maxSubGoals,
		timeout:      timeout,
	}
}

// Collaborate splits the goal into sub-goals, processes each through its
// own orchestrator run concurrently, and synthesizes one answer from the
// succeeded subset. A failing sub-run never aborts its siblings; its
// omission is flagged in the aggregate.
func (s *CollabService) Collaborate(ctx context.Context, goal string) (*AggregatedResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	subGoals, err := s.split(ctx, goal)
	if err != nil {
		return nil, err
	}

	session := collab.NewSession(uuid.NewString(), goal)
	session.SubGoals = subGoals
	session.Status = collab.StatusRunning
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.appendSessionEvent(ctx, event.TypeSessionStarted, session)
	slog.Info("collaboration started", "session_id", session.ID, "sub_goals", len(subGoals))

	// One orchestrator run per sub-goal. The goroutines never return an
	// error: sibling isolation means every failure is recorded, not
	// propagated.
	var mu sync.Mutex
	results := make(map[string]*Result, len(subGoals))
	failures := make(map[string]error, len(subGoals))

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subGoals {
		g.Go(func() error {
			res, perr := s.orchestrator.Process(gctx, Request{Goal: sub})
			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				results[sub] = res
				if res.RunID != "" {
					session.Runs[sub] = res.RunID
				}
			}
			if perr != nil {
				failures[sub] = perr
			}
			return nil
		})
	}
	_ = g.Wait()

	// Aggregate status from member run outcomes.
	statuses := make([]workflow.Status, 0, len(subGoals))
	var omitted []string
	usable := make(map[string]json.RawMessage, len(subGoals))
	for _, sub := range subGoals {
		res := results[sub]
		if res == nil {
			statuses = append(statuses, workflow.StatusFailed)
			omitted = append(omitted, sub)
			continue
		}
		statuses = append(statuses, res.Status)
		if out := subOutput(res); out != nil && failures[sub] == nil {
			usable[sub] = out
		} else {
			omitted = append(omitted, sub)
		}
	}

	session.Status = collab.Derive(statuses)
	session.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateSession(ctx, session); err != nil {
		slog.Error("update session", "session_id", session.ID, "error", err)
	}
	s.appendSessionEvent(ctx, event.TypeSessionCompleted, session)

	agg := &AggregatedResult{
		SessionID:  session.ID,
		Status:     session.Status,
		SubResults: results,
		Omitted:    omitted,
		Partial:    len(omitted) > 0 && len(usable) > 0,
	}

	if len(usable) == 0 {
		return agg, fmt.Errorf("collaboration %s: every sub-goal failed", session.ID)
	}

	answer, err := s.synthesize(ctx, goal, usable, omitted)
	if err != nil {
		// The sub-results are still worth returning; the caller sees why
		// the final merge is missing.
		slog.Warn("synthesis failed", "session_id", session.ID, "error", err)
		return agg, fmt.Errorf("synthesize collaboration %s: %w", session.ID, err)
	}
	agg.Answer = answer

	slog.Info("collaboration completed", "session_id", session.ID, "status", session.Status, "omitted", len(omitted))
	return agg, nil
}

// GetSession returns the session by ID.
func (s *CollabService) GetSession(ctx context.Context, id string) (*collab.Session, error) {
	return s.store.GetSession(ctx, id)
}

// CancelSession cancels a session's member runs top-down and marks the
// session cancelled. Cancelling a terminal session is a no-op.
func (s *CollabService) CancelSession(ctx context.Context, id string) error {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	switch session.Status {
	case collab.StatusSucceeded, collab.StatusPartial, collab.StatusFailed, collab.StatusCancelled:
		return nil
	}

	for sub, runID := range session.Runs {
		if err := s.engine.CancelRun(ctx, runID); err != nil {
			slog.Warn("cancel member run", "session_id", id, "sub_goal", sub, "run_id", runID, "error", err)
		}
	}

	session.Status = collab.StatusCancelled
	session.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("update cancelled session: %w", err)
	}
	slog.Info("collaboration cancelled", "session_id", id)
	return nil
}

// split invokes the splitting capability and decodes its sub-goal list.
func (s *CollabService) split(ctx context.Context, goal string) ([]string, error) {
	payload, err := json.Marshal(map[string]any{
		"goal": goal,
		"max":  s.maxSubGoals,
	})
	if err != nil {
		return nil, fmt.Errorf("encode split request: %w", err)
	}

	raw, err := s.registry.Invoke(ctx, CapPlannerSplit, payload)
	if err != nil {
		return nil, fmt.Errorf("split goal: %w", err)
	}

	var out struct {
		SubGoals []string `json:"sub_goals"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode sub-goals: %w", err)
	}
	if len(out.SubGoals) == 0 {
		return nil, ErrNoSubGoals
	}
	if len(out.SubGoals) > s.maxSubGoals {
		out.SubGoals = out.SubGoals[:s.maxSubGoals]
	}
	return out.SubGoals, nil
}

// synthesize merges the usable sub-results into one answer via the
// synthesis capability. Omitted sub-goals are named so the synthesis can
// flag the gap.
func (s *CollabService) synthesize(ctx context.Context, goal string, results map[string]json.RawMessage, omitted []string) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]any{
		"goal":    goal,
		"results": results,
		"omitted": omitted,
	})
	if err != nil {
		return nil, fmt.Errorf("encode synthesis request: %w", err)
	}
	return s.registry.Invoke(ctx, CapSynthesize, payload)
}

// subOutput picks the representative output of one sub-result: the direct
// capability output when present, otherwise the run's step outputs.
func subOutput(res *Result) json.RawMessage {
	if res.Output != nil {
		return res.Output
	}
	if len(res.Outputs) == 0 {
		return nil
	}
	data, err := json.Marshal(res.Outputs)
	if err != nil {
		return nil
	}
	return data
}

func (s *CollabService) appendSessionEvent(ctx context.Context, typ event.Type, session *collab.Session) {
	if s.events == nil {
		return
	}
	ev := &event.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		SessionID: session.ID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.events.Append(ctx, ev); err != nil {
		slog.Error("append session event", "session_id", session.ID, "type", typ, "error", err)
	}
}
