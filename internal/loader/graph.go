// File: internal/loader/graph.go
package loader

import (
	"fmt"
	"sort"
)

// ResolveLoadOrder returns an ordering of the given descriptors in which
// every module appears after all of its transitive dependencies. It fails
// with ErrCycle on a dependency cycle and ErrMissingDependency when a
// descriptor references a name absent from the table.
func ResolveLoadOrder(descriptors []Descriptor) ([]string, error) {
	byName := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		byName[d.Name] = d
	}

	// Validate edges up front so a missing name is reported even when the
	// referencing module would never be visited.
	for _, d := range descriptors {
		for _, dep := range d.Dependencies {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("module %q depends on %q: %w", d.Name, dep, ErrMissingDependency)
			}
		}
	}

	// Pre-sort roots by priority, then name, so the DFS emits a stable order.
	roots := make([]Descriptor, len(descriptors))
	copy(roots, descriptors)
	sort.Slice(roots, func(i, j int) bool {
		if roots[i].Priority != roots[j].Priority {
			return roots[i].Priority < roots[j].Priority
		}
		return roots[i].Name < roots[j].Name
	})

	const (
		unvisited = iota
		visiting
		done
	)
	mark := make(map[string]int, len(descriptors))
	order := make([]string, 0, len(descriptors))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch mark[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", ErrCycle, cyclePath(path, name))
		}
		mark[name] = visiting

		deps := append([]string(nil), byName[name].Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}

		mark[name] = done
		order = append(order, name)
		return nil
	}

	for _, d := range roots {
		if err := visit(d.Name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// cyclePath renders the offending cycle for the error message, e.g. "a -> b -> a".
func cyclePath(path []string, repeat string) string {
	start := 0
	for i, n := range path {
		if n == repeat {
			start = i
			break
		}
	}
	out := ""
	for _, n := range path[start:] {
		out += n + " -> "
	}
	return out + repeat
}
