// Package capability defines the registration metadata and error taxonomy
// for named capability handlers.
package capability

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknown is returned when no handler is registered under the requested name.
var ErrUnknown = errors.New("unknown capability")

// ErrTimeout is returned when a capability invocation exceeds its deadline.
var ErrTimeout = errors.New("capability timeout")

// Error is a handler-reported failure carrying handler-supplied detail.
type Error struct {
	Capability string
	Detail     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("capability %s failed: %s", e.Capability, e.Detail)
}

// NewError wraps handler-supplied detail into a capability Error.
func NewError(name, detail string) *Error {
	return &Error{Capability: name, Detail: detail}
}

// Registration declares a capability's invoke contract. The idempotent flag
// drives the task queue's retry policy; InputFields/OutputFields are the
// declared schema used to type-check workflow templates at load time.
type Registration struct {
	Name         string        `json:"name" yaml:"name"`
	Version      string        `json:"version" yaml:"version"`
	Idempotent   bool          `json:"idempotent" yaml:"idempotent"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	InputFields  []string      `json:"input_fields,omitempty" yaml:"input_fields,omitempty"`
	OutputFields []string      `json:"output_fields,omitempty" yaml:"output_fields,omitempty"`
}

// Validate checks the registration for structural correctness.
func (r *Registration) Validate() error {
	if r.Name == "" {
		return errors.New("capability name is required")
	}
	if r.Timeout < 0 {
		return errors.New("capability timeout must not be negative")
	}
	return nil
}

// HasOutputField reports whether the capability declares the named output
// field. An empty OutputFields list means the schema is open and any
// reference is accepted.
func (r *Registration) HasOutputField(field string) bool {
	if len(r.OutputFields) == 0 {
		return true
	}
	for _, f := range r.OutputFields {
		if f == field {
			return true
		}
	}
	return false
}
