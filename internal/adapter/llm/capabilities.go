package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Halwright/AgentFlow/internal/capability"
	domcap "github.com/Halwright/AgentFlow/internal/domain/capability"
)

const (
	plannerSystem = `You plan work for a task orchestrator. Given a goal and the
list of available capabilities, reply with ONLY a JSON workflow definition:
{"name":"...","steps":[{"name":"...","capability":"...","depends_on":["..."],"input":{...}}]}.
Use only listed capability names. Step input values may reference earlier
step outputs with {{step}} or {{step.field}} placeholders. No prose.`

	splitSystem = `You break a goal into independent sub-goals. Reply with ONLY
a JSON object {"sub_goals":["...","..."]}. Never exceed the requested
maximum. No prose.`

	synthesizeSystem = `You merge partial results into one answer. Reply with
ONLY a JSON object {"answer":"..."}. If sub-goals were omitted, note the
gap inside the answer. No prose.`

	codegenSystem = `You write source code. Reply with ONLY the code for the
requested language, no explanation and no markdown fences.`

	analyzeSystem = `You analyze the given content and answer the question
about it. Reply with a concise plain-text analysis.`
)

// Register binds the language-model capabilities onto the registry. All of
// them are idempotent: re-running a completion has no side effects beyond
// token spend.
func Register(reg *capability.Registry, c *Client) error {
	entries := []struct {
		reg     domcap.Registration
		handler capability.HandlerFunc
	}{
		{
			reg: domcap.Registration{
				Name:        "planner.decompose",
				Version:     "1.0.0",
				Idempotent:  true,
				Timeout:     c.timeout,
				InputFields: []string{"goal", "capabilities"},
			},
			handler: c.decompose,
		},
		{
			reg: domcap.Registration{
				Name:         "planner.split",
				Version:      "1.0.0",
				Idempotent:   true,
				Timeout:      c.timeout,
				InputFields:  []string{"goal", "max"},
				OutputFields: []string{"sub_goals"},
			},
			handler: c.split,
		},
		{
			reg: domcap.Registration{
				Name:         "synthesize",
				Version:      "1.0.0",
				Idempotent:   true,
				Timeout:      c.timeout,
				InputFields:  []string{"goal", "results", "omitted"},
				OutputFields: []string{"answer"},
			},
			handler: c.synthesize,
		},
		{
			reg: domcap.Registration{
				Name:         "codegen",
				Version:      "1.0.0",
				Idempotent:   true,
				Timeout:      c.timeout,
				InputFields:  []string{"prompt", "language"},
				OutputFields: []string{"code"},
			},
			handler: c.codegen,
		},
		{
			reg: domcap.Registration{
				Name:         "analyze",
				Version:      "1.0.0",
				Idempotent:   true,
				Timeout:      c.timeout,
				InputFields:  []string{"content", "question"},
				OutputFields: []string{"analysis"},
			},
			handler: c.analyze,
		},
	}

	for _, e := range entries {
		if err := reg.Register(e.reg, e.handler); err != nil {
			return err
		}
	}
	return nil
}

// decompose plans a goal into a workflow definition. The model's JSON is
// passed through as-is; the orchestrator validates it against the registry.
func (c *Client) decompose(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Goal         string          `json:"goal"`
		Capabilities json.RawMessage `json:"capabilities"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, fmt.Errorf("decode planning input: %w", err)
	}
	if req.Goal == "" {
		return nil, fmt.Errorf("planning input missing goal")
	}

	user := fmt.Sprintf("Goal: %s\n\nAvailable capabilities:\n%s", req.Goal, req.Capabilities)
	text, err := c.Complete(ctx, plannerSystem, user)
	if err != nil {
		return nil, err
	}

	raw := json.RawMessage(stripFences(text))
	if !json.Valid(raw) {
		return nil, fmt.Errorf("planner returned invalid JSON")
	}
	return raw, nil
}

func (c *Client) split(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Goal string `json:"goal"`
		Max  int    `json:"max"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, fmt.Errorf("decode split input: %w", err)
	}
	if req.Goal == "" {
		return nil, fmt.Errorf("split input missing goal")
	}

	user := fmt.Sprintf("Goal: %s\nMaximum sub-goals: %d", req.Goal, req.Max)
	var out struct {
		SubGoals []string `json:"sub_goals"`
	}
	if err := c.CompleteJSON(ctx, splitSystem, user, &out); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (c *Client) synthesize(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Goal    string                     `json:"goal"`
		Results map[string]json.RawMessage `json:"results"`
		Omitted []string                   `json:"omitted"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, fmt.Errorf("decode synthesis input: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n\nSub-results:\n", req.Goal)
	for name, res := range req.Results {
		fmt.Fprintf(&sb, "- %s: %s\n", name, res)
	}
	if len(req.Omitted) > 0 {
		fmt.Fprintf(&sb, "\nOmitted sub-goals: %s\n", strings.Join(req.Omitted, ", "))
	}

	var out struct {
		Answer string `json:"answer"`
	}
	if err := c.CompleteJSON(ctx, synthesizeSystem, sb.String(), &out); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (c *Client) codegen(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Prompt   string `json:"prompt"`
		Language string `json:"language"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, fmt.Errorf("decode codegen input: %w", err)
	}
	if req.Prompt == "" {
		return nil, fmt.Errorf("codegen input missing prompt")
	}

	user := req.Prompt
	if req.Language != "" {
		user = fmt.Sprintf("Language: %s\n\n%s", req.Language, req.Prompt)
	}
	text, err := c.Complete(ctx, codegenSystem, user)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"code": stripFences(text)})
}

func (c *Client) analyze(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Content  string `json:"content"`
		Question string `json:"question"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, fmt.Errorf("decode analyze input: %w", err)
	}
	if req.Content == "" {
		return nil, fmt.Errorf("analyze input missing content")
	}

	user := req.Content
	if req.Question != "" {
		user = fmt.Sprintf("Question: %s\n\nContent:\n%s", req.Question, req.Content)
	}
	text, err := c.Complete(ctx, analyzeSystem, user)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"analysis": text})
}
