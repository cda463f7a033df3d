package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCyclicPrerequisite is returned when a path's prerequisites form a cycle.
var ErrCyclicPrerequisite = errors.New("cyclic prerequisite")

// CycleError lists the modules that could not be ordered.
type CycleError struct {
	ModuleIDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s involving modules: %s", ErrCyclicPrerequisite, strings.Join(e.ModuleIDs, ", "))
}

func (e *CycleError) Unwrap() error {
	return ErrCyclicPrerequisite
}

// ValidateGraph topologically sorts the path's modules by prerequisite using
// Kahn's algorithm and returns the resulting order. Every prerequisite must
// name a module of the same path. Runs in O(V+E); call it when a path is
// authored or changed, never per completion request.
func ValidateGraph(p Path) ([]string, error) {
	var errs []string

	modules := make([]Module, len(p.Modules))
	copy(modules, p.Modules)
	sort.SliceStable(modules, func(i, j int) bool {
		if modules[i].OrderIndex != modules[j].OrderIndex {
			return modules[i].OrderIndex < modules[j].OrderIndex
		}
		return modules[i].ID < modules[j].ID
	})

	idSet := make(map[string]bool, len(modules))
	for _, m := range modules {
		if idSet[m.ID] {
			errs = append(errs, fmt.Sprintf("duplicate module ID: %q", m.ID))
		}
		idSet[m.ID] = true
	}

	for _, m := range modules {
		for _, prereqID := range m.Prerequisites {
			if !idSet[prereqID] {
				errs = append(errs, fmt.Sprintf("module %q references prerequisite %q outside path", m.ID, prereqID))
			}
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("prerequisite graph invalid:\n  %s", strings.Join(errs, "\n  "))
	}

	inDegree := make(map[string]int, len(modules))
	dependents := make(map[string][]string)
	for _, m := range modules {
		inDegree[m.ID] = len(uniq(m.Prerequisites))
		for _, prereqID := range uniq(m.Prerequisites) {
			dependents[prereqID] = append(dependents[prereqID], m.ID)
		}
	}

	var queue []string
	for _, m := range modules {
		if inDegree[m.ID] == 0 {
			queue = append(queue, m.ID)
		}
	}

	order := make([]string, 0, len(modules))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, depID := range dependents[id] {
			inDegree[depID]--
			if inDegree[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}

	if len(order) < len(modules) {
		var cycle []string
		for _, m := range modules {
			if inDegree[m.ID] > 0 {
				cycle = append(cycle, m.ID)
			}
		}
		return nil, &CycleError{ModuleIDs: cycle}
	}

	return order, nil
}

func uniq(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
