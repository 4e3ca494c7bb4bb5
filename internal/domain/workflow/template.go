package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Halwright/AgentFlow/internal/domain/capability"
)

var (
	ErrTemplateRef   = errors.New("template references a step that is not upstream")
	ErrTemplateField = errors.New("template references an undeclared output field")
	ErrMissingOutput = errors.New("upstream output not available")
)

// placeholderRe matches {{step}} and {{step.field}} references.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_-]+)(?:\.([A-Za-z0-9_-]+))?\s*\}\}`)

// SchemaResolver looks up the registration for a capability name so template
// field references can be checked against declared output schemas.
type SchemaResolver func(name string) (*capability.Registration, bool)

// CheckTemplates verifies, at definition load time, that every placeholder
// in every step's input template references a transitively upstream step and
// a field that step's capability declares. A nil resolver skips the field
// check but still enforces the upstream rule.
func (d *Definition) CheckTemplates(resolve SchemaResolver) error {
	for _, s := range d.Steps {
		upstream := d.upstreamOf(s.Name)
		for key, val := range s.Input {
			str, ok := val.(string)
			if !ok {
				continue
			}
			for _, m := range placeholderRe.FindAllStringSubmatch(str, -1) {
				refStep, refField := m[1], m[2]
				if !upstream[refStep] {
					return fmt.Errorf("step %q input %q references %q: %w", s.Name, key, refStep, ErrTemplateRef)
				}
				if refField == "" || resolve == nil {
					continue
				}
				spec := d.Step(refStep)
				reg, found := resolve(spec.Capability)
				if !found {
					continue // unknown capability surfaces at enqueue time
				}
				if !reg.HasOutputField(refField) {
					return fmt.Errorf("step %q input %q references %s.%s: %w", s.Name, key, refStep, refField, ErrTemplateField)
				}
			}
		}
	}
	return nil
}

// RenderInput substitutes upstream outputs into the step's input template
// and returns the resulting JSON payload. A string value that is exactly
// one placeholder keeps the referenced JSON type; placeholders embedded in
// longer strings are interpolated as text.
func (d *Definition) RenderInput(stepName string, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	spec := d.Step(stepName)
	if spec == nil {
		return nil, fmt.Errorf("step %q: %w", stepName, ErrUnknownDep)
	}

	rendered := make(map[string]any, len(spec.Input))
	for key, val := range spec.Input {
		str, ok := val.(string)
		if !ok {
			rendered[key] = val
			continue
		}

		if m := placeholderRe.FindStringSubmatch(str); m != nil && m[0] == strings.TrimSpace(str) {
			v, err := resolveRef(m[1], m[2], outputs)
			if err != nil {
				return nil, fmt.Errorf("step %q input %q: %w", stepName, key, err)
			}
			rendered[key] = json.RawMessage(v)
			continue
		}

		out := placeholderRe.ReplaceAllStringFunc(str, func(ph string) string {
			m := placeholderRe.FindStringSubmatch(ph)
			v, err := resolveRef(m[1], m[2], outputs)
			if err != nil {
				return ph
			}
			return asText(v)
		})
		rendered[key] = out
	}

	data, err := json.Marshal(rendered)
	if err != nil {
		return nil, fmt.Errorf("render step %q input: %w", stepName, err)
	}
	return data, nil
}

// resolveRef returns the raw JSON for a {{step}} or {{step.field}} reference.
func resolveRef(step, field string, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	out, ok := outputs[step]
	if !ok {
		return nil, fmt.Errorf("step %q: %w", step, ErrMissingOutput)
	}
	if field == "" {
		return out, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(out, &obj); err != nil {
		return nil, fmt.Errorf("step %q output is not an object: %w", step, err)
	}
	v, ok := obj[field]
	if !ok {
		return nil, fmt.Errorf("step %q output field %q: %w", step, field, ErrMissingOutput)
	}
	return v, nil
}

// asText renders a raw JSON value for string interpolation: JSON strings
// are unquoted, everything else keeps its compact JSON form.
func asText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// upstreamOf computes the set of steps transitively upstream of the named
// step via declared dependencies.
func (d *Definition) upstreamOf(name string) map[string]bool {
	seen := make(map[string]bool)
	stack := []string{name}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		spec := d.Step(cur)
		if spec == nil {
			continue
		}
		for _, dep := range spec.DependsOn {
			if !seen[dep] {
				seen[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return seen
}
