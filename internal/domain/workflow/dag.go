package workflow

import "fmt"

// validateDAG checks that step dependencies form a valid DAG using Kahn's
// algorithm. Validate already rejects forward references, so this only
// fires for definitions built outside the loader.
func (d *Definition) validateDAG() error {
	n := len(d.Steps)
	index := make(map[string]int, n)
	for i, s := range d.Steps {
		index[s.Name] = i
	}

	inDegree := make([]int, n)
	adj := make([][]int, n)

	for i, s := range d.Steps {
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok {
				return fmt.Errorf("step %q depends on %q: %w", s.Name, dep, ErrUnknownDep)
			}
			if j == i {
				return fmt.Errorf("step %q depends on itself: %w", s.Name, ErrCyclicWorkflow)
			}
			adj[j] = append(adj[j], i)
			inDegree[i]++
		}
	}

	queue := make([]int, 0, n)
	for i, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, i)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != n {
		return ErrCyclicWorkflow
	}
	return nil
}

// ReadySteps returns the names of steps that are pending and whose declared
// upstream steps have all succeeded, in definition order.
func (r *Run) ReadySteps() []string {
	var ready []string
	for _, spec := range r.Definition.Steps {
		st := r.Steps[spec.Name]
		if st.Status != StepStatusPending {
			continue
		}
		ok := true
		for _, dep := range spec.DependsOn {
			if r.Steps[dep].Status != StepStatusSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, spec.Name)
		}
	}
	return ready
}

// Downstream returns the names of all steps that transitively depend on
// the given step.
func (d *Definition) Downstream(name string) []string {
	dependents := make(map[string][]string, len(d.Steps))
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	seen := make(map[string]bool)
	stack := []string{name}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range dependents[cur] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}

	var out []string
	for _, s := range d.Steps {
		if seen[s.Name] {
			out = append(out, s.Name)
		}
	}
	return out
}
