// Package capability implements the registry that maps capability names to
// concrete handlers behind a single invoke contract.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Halwright/AgentFlow/internal/domain/capability"
)

// Handler is the single contract every capability implements: structured
// input in, structured output or failure out. Handlers must honor ctx
// cancellation; the registry enforces the per-capability deadline.
type Handler interface {
	Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, input)
}

// DefaultTimeout bounds invocations of capabilities that do not declare
// their own deadline.
const DefaultTimeout = 60 * time.Second

type entry struct {
	handler Handler
	reg     capability.Registration
}

// Registry is the only component that knows the name-to-handler mapping.
// It is constructed explicitly at startup and passed to collaborators;
// handlers can be swapped at runtime without touching the orchestrator.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register binds a handler to the registration's name, replacing any
// existing handler under that name.
func (r *Registry) Register(reg capability.Registration, h Handler) error {
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("register capability: %w", err)
	}
	if h == nil {
		return fmt.Errorf("register capability %q: nil handler", reg.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[reg.Name] = entry{handler: h, reg: reg}
	return nil
}

// Lookup returns the registration for a capability name.
func (r *Registry) Lookup(name string) (*capability.Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	reg := e.reg
	return &reg, true
}

// List returns all registrations sorted by name.
func (r *Registry) List() []capability.Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]capability.Registration, 0, len(r.entries))
	for _, e := range r.entries {
		regs = append(regs, e.reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Name < regs[j].Name })
	return regs
}

// Invoke runs the named capability under its declared deadline. It fails
// with capability.ErrUnknown for unregistered names, capability.ErrTimeout
// when the deadline elapses, and a capability.Error wrapping handler-supplied
// detail for handler failures.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%q: %w", name, capability.ErrUnknown)
	}

	timeout := e.reg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := e.handler.Invoke(ctx, input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%q after %s: %w", name, timeout, capability.ErrTimeout)
		}
		var capErr *capability.Error
		if errors.As(err, &capErr) {
			return nil, err
		}
		return nil, capability.NewError(name, err.Error())
	}
	return out, nil
}
