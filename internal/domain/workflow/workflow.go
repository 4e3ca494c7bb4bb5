// Package workflow defines workflow definitions, step specs, and runs —
// the DAG-shaped unit of orchestration executed over the task queue.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNameRequired     = errors.New("workflow name is required")
	ErrNoSteps          = errors.New("workflow must have at least one step")
	ErrStepMissingName  = errors.New("step name is required")
	ErrStepMissingCap   = errors.New("step capability is required")
	ErrDuplicateStep    = errors.New("duplicate step name")
	ErrCyclicWorkflow   = errors.New("step dependencies contain a cycle")
	ErrUnknownDep       = errors.New("step dependency references unknown step")
	ErrForwardReference = errors.New("step references a step defined later")
)

// Definition is an immutable workflow: a name and an ordered list of step
// specs. Schedule is an optional cron expression for recurring submission.
type Definition struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Schedule    string     `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Steps       []StepSpec `json:"steps" yaml:"steps"`
}

// StepSpec binds one step name to a capability invocation. Input is a
// template whose string values may reference earlier steps' outputs with
// {{step}} or {{step.field}} placeholders.
type StepSpec struct {
	Name       string         `json:"name" yaml:"name"`
	Capability string         `json:"capability" yaml:"capability"`
	Input      map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Status represents the lifecycle state of a workflow run.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusSucceeded       Status = "succeeded"
	StatusPartiallyFailed Status = "partially-failed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// IsTerminal returns true if the run is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusPartiallyFailed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of an individual step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusCancelled StepStatus = "cancelled"
)

// IsTerminal returns true if the step is in a final state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusCancelled:
		return true
	}
	return false
}

// StepState tracks one step's progress within a run.
type StepState struct {
	Name   string          `json:"name"`
	TaskID string          `json:"task_id,omitempty"`
	Status StepStatus      `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StepError is one entry of the per-step error list a terminal run carries.
type StepError struct {
	Step       string `json:"step"`
	Capability string `json:"capability"`
	Error      string `json:"error"`
}

// Run is one execution instance of a Definition. It is mutated only by the
// workflow engine.
type Run struct {
	ID         string               `json:"id"`
	Definition Definition           `json:"definition"`
	Status     Status               `json:"status"`
	Steps      map[string]StepState `json:"steps"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// NewRun builds a pending Run for the given definition with every step
// in the pending state.
func NewRun(id string, def Definition) *Run {
	now := time.Now().UTC()
	r := &Run{
		ID:         id,
		Definition: def,
		Status:     StatusPending,
		Steps:      make(map[string]StepState, len(def.Steps)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, s := range def.Steps {
		r.Steps[s.Name] = StepState{Name: s.Name, Status: StepStatusPending}
	}
	return r
}

// Step returns the spec for the named step, or nil if the definition does
// not contain it.
func (d *Definition) Step(name string) *StepSpec {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// StepErrors collects the per-step error list for a terminal run.
func (r *Run) StepErrors() []StepError {
	var errs []StepError
	for _, spec := range r.Definition.Steps {
		st := r.Steps[spec.Name]
		if st.Status == StepStatusFailed || st.Status == StepStatusCancelled {
			msg := st.Error
			if msg == "" && st.Status == StepStatusCancelled {
				msg = "cancelled"
			}
			errs = append(errs, StepError{Step: spec.Name, Capability: spec.Capability, Error: msg})
		}
	}
	return errs
}

// Outputs returns the outputs of all succeeded steps keyed by step name.
func (r *Run) Outputs() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for name, st := range r.Steps {
		if st.Status == StepStatusSucceeded && st.Output != nil {
			out[name] = st.Output
		}
	}
	return out
}

// TerminalStatus derives the overall run status once every step is
// terminal: succeeded only if all steps succeeded, partially-failed if at
// least one succeeded, otherwise failed.
func (r *Run) TerminalStatus() Status {
	succeeded := 0
	for _, st := range r.Steps {
		if st.Status == StepStatusSucceeded {
			succeeded++
		}
	}
	switch {
	case succeeded == len(r.Steps):
		return StatusSucceeded
	case succeeded > 0:
		return StatusPartiallyFailed
	default:
		return StatusFailed
	}
}

// AllTerminal returns true if every step of the run is in a terminal state.
func (r *Run) AllTerminal() bool {
	for _, st := range r.Steps {
		if !st.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Validate checks the definition for structural correctness: unique step
// names, known capabilities left to the registry, dependencies that only
// reference earlier steps, and an acyclic dependency graph.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return ErrNameRequired
	}
	if len(d.Steps) == 0 {
		return ErrNoSteps
	}

	seen := make(map[string]int, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("step %d: %w", i, ErrStepMissingName)
		}
		if s.Capability == "" {
			return fmt.Errorf("step %q: %w", s.Name, ErrStepMissingCap)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("step %q: %w", s.Name, ErrDuplicateStep)
		}
		seen[s.Name] = i
	}

	// Dependencies may only name earlier steps. This makes the graph
	// trivially acyclic, but validateDAG still runs as a backstop for
	// definitions assembled programmatically.
	for i, s := range d.Steps {
		for _, dep := range s.DependsOn {
			j, ok := seen[dep]
			if !ok {
				return fmt.Errorf("step %q depends on %q: %w", s.Name, dep, ErrUnknownDep)
			}
			if j >= i {
				return fmt.Errorf("step %q depends on %q: %w", s.Name, dep, ErrCyclicWorkflow)
			}
		}
	}

	return d.validateDAG()
}
