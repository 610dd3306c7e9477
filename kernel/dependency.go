package kernel

import "fmt"

// addDependency records that dependent depends on target, incrementing
// target's reference count. It enforces the DAG invariant
// directly: a dependency edge is only accepted when target's creation
// stamp is strictly earlier than dependent's, which makes a cycle
// unrepresentable without needing a separate cycle-detection pass over
// the live object graph.
func addDependency(dependent, target *object) error {
	if target.creationOrder >= dependent.creationOrder {
		return newErr(StatusArgumentObject, LocusHandle,
			"dependency target must have been created before the dependent")
	}
	target.refCount++
	dependent.dependents = append(dependent.dependents, target.handle)
	return nil
}

// moduleDep is one node in the sub-module bring-up graph used by Init:
// nodes declare what they require, and the kernel computes a single
// valid bring-up order instead of hardcoding one by hand, so adding a
// new sub-module only means adding a node and its edges.
type moduleDep struct {
	name string
	deps []string
}

// resolveModuleOrder topologically sorts modules so that every module
// appears after everything it depends on. It returns an error
// (StatusInvalid) if the graph contains a cycle, which would indicate a
// programmer error in the static module table below, never a runtime
// condition.
func resolveModuleOrder(modules []moduleDep) ([]string, error) {
	index := make(map[string]moduleDep, len(modules))
	for _, m := range modules {
		index[m.name] = m
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(modules))
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return newErr(StatusInvalid, LocusNone, fmt.Sprintf("module dependency cycle at %q", name))
		}
		state[name] = visiting
		for _, dep := range index[name].deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = visited
		order = append(order, name)
		return nil
	}

	for _, m := range modules {
		if err := visit(m.name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
