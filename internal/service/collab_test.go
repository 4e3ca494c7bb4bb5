package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/Halwright/AgentFlow/internal/domain/collab"
	"github.com/Halwright/AgentFlow/internal/domain/workflow"
	"github.com/Halwright/AgentFlow/internal/service"
)

// registerCollabPlanner wires split/decompose/synthesize capabilities:
// a goal "a + b" splits into ["a", "b"], each sub-goal becomes a single
// "work" step, and synthesis concatenates the usable sub-results.
func registerCollabPlanner(t *testing.T, f *fixture) {
	t.Helper()

	f.register(t, service.CapPlannerSplit, func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Goal string `json:"goal"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, err
		}
		parts := strings.Split(req.Goal, " + ")
		return json.Marshal(map[string]any{"sub_goals": parts})
	})

	f.register(t, service.CapPlannerDecompose, func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Goal string `json:"goal"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, err
		}
		def := workflow.Definition{
			Name: "sub",
			Steps: []workflow.StepSpec{
				{Name: "do", Capability: "work", Input: map[string]any{"goal": req.Goal}},
			},
		}
		return json.Marshal(def)
	})

	f.register(t, service.CapSynthesize, func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Results map[string]json.RawMessage `json:"results"`
			Omitted []string                   `json:"omitted"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{
			"merged_from": len(req.Results),
			"omitted":     req.Omitted,
		})
	})
}

func TestCollaborateAllSucceed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	registerCollabPlanner(t, f)
	f.register(t, "work", echoHandler)

	agg, err := f.collab.Collaborate(ctx, "x + y")
	if err != nil {
		t.Fatalf("Collaborate: %v", err)
	}

	if agg.Status != collab.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", agg.Status)
	}
	if agg.Partial {
		t.Error("full success must not be flagged partial")
	}
	if len(agg.SubResults) != 2 {
		t.Fatalf("expected 2 sub-results, got %d", len(agg.SubResults))
	}

	var answer struct {
		MergedFrom int `json:"merged_from"`
	}
	if err := json.Unmarshal(agg.Answer, &answer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if answer.MergedFrom != 2 {
		t.Errorf("synthesis saw %d results, want 2", answer.MergedFrom)
	}

	// Session persisted with member run mapping.
	session, err := f.collab.GetSession(ctx, agg.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.Status != collab.StatusSucceeded {
		t.Errorf("session status = %s", session.Status)
	}
	if len(session.Runs) != 2 {
		t.Errorf("session should map both sub-goals to runs, got %v", session.Runs)
	}
}

func TestCollaborateSiblingFailureIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	registerCollabPlanner(t, f)
	f.register(t, "work", func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		if strings.Contains(string(input), "doomed") {
			return nil, errors.New("sub-goal cannot be satisfied")
		}
		return input, nil
	})

	agg, err := f.collab.Collaborate(ctx, "fine + doomed")
	if err != nil {
		t.Fatalf("Collaborate: %v", err)
	}

	if !agg.Partial {
		t.Fatal("one failed sibling must flag the aggregate partial")
	}
	if agg.Status != collab.StatusPartial {
		t.Fatalf("expected partial, got %s", agg.Status)
	}
	if len(agg.Omitted) != 1 || agg.Omitted[0] != "doomed" {
		t.Fatalf("omitted = %v, want [doomed]", agg.Omitted)
	}
	if agg.Answer == nil {
		t.Fatal("aggregate should still synthesize from the succeeded subset")
	}

	// The surviving sibling's output made it into the answer.
	var answer struct {
		MergedFrom int      `json:"merged_from"`
		Omitted    []string `json:"omitted"`
	}
	if err := json.Unmarshal(agg.Answer, &answer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if answer.MergedFrom != 1 {
		t.Errorf("synthesis saw %d results, want 1", answer.MergedFrom)
	}
	if len(answer.Omitted) != 1 {
		t.Errorf("synthesis should be told about the omission, got %v", answer.Omitted)
	}
}

func TestCollaborateAllFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	registerCollabPlanner(t, f)
	f.register(t, "work", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("no")
	})

	agg, err := f.collab.Collaborate(ctx, "a + b")
	if err == nil {
		t.Fatal("expected an error when every sub-goal fails")
	}
	if agg == nil || agg.Status != collab.StatusFailed {
		t.Fatalf("expected failed aggregate, got %+v", agg)
	}
	if agg.Answer != nil {
		t.Error("nothing usable: no synthesis should run")
	}
}

func TestCollaborateSplitFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, service.CapPlannerSplit, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]any{"sub_goals": []string{}})
	})

	if _, err := f.collab.Collaborate(ctx, "goal"); !errors.Is(err, service.ErrNoSubGoals) {
		t.Fatalf("expected ErrNoSubGoals, got %v", err)
	}
}

func TestCollaborateBoundsSubGoals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	registerCollabPlanner(t, f)
	f.register(t, "work", echoHandler)

	var parts []string
	for i := 0; i < 8; i++ {
		parts = append(parts, fmt.Sprintf("g%d", i))
	}

	agg, err := f.collab.Collaborate(ctx, strings.Join(parts, " + "))
	if err != nil {
		t.Fatalf("Collaborate: %v", err)
	}
	if len(agg.SubResults) != 5 {
		t.Fatalf("expected the sub-goal cap of 5, got %d", len(agg.SubResults))
	}
}

func TestCancelSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A session left running by hand; cancelling it cancels member runs.
	f.register(t, "blocker", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	def := &workflow.Definition{
		Name:  "member",
		Steps: []workflow.StepSpec{{Name: "s", Capability: "blocker"}},
	}
	r, err := f.engine.StartRunOf(ctx, def)
	if err != nil {
		t.Fatalf("StartRunOf: %v", err)
	}
	waitFor(t, func() bool {
		cur, err := f.engine.GetRun(ctx, r.ID)
		return err == nil && cur.Steps["s"].Status == workflow.StepStatusRunning
	})

	session := collab.NewSession("sess-1", "goal")
	session.Status = collab.StatusRunning
	session.Runs["sub"] = r.ID
	if err := f.store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := f.collab.CancelSession(ctx, "sess-1"); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}

	got, _ := f.collab.GetSession(ctx, "sess-1")
	if got.Status != collab.StatusCancelled {
		t.Fatalf("session status = %s", got.Status)
	}
	run, _ := f.engine.GetRun(ctx, r.ID)
	if run.Status != workflow.StatusCancelled {
		t.Fatalf("member run status = %s", run.Status)
	}

	// Idempotent.
	if err := f.collab.CancelSession(ctx, "sess-1"); err != nil {
		t.Fatalf("second CancelSession: %v", err)
	}
}
