package progress

import (
	"context"

	"github.com/p-n-ai/pai-learn/internal/catalog"
)

// Resolution is the outcome of a prerequisite check. Unmet keeps the order the
// prerequisites were declared in.
type Resolution struct {
	Satisfied bool
	Unmet     []string
}

// Resolver decides whether a module's prerequisites are COMPLETED within an
// enrollment. Prerequisites never cross enrollments.
type Resolver struct {
	store Store
}

// NewResolver creates a resolver reading from store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// CheckSatisfied loads the enrollment's progress once and checks each
// prerequisite against it.
func (r *Resolver) CheckSatisfied(ctx context.Context, enrollmentID string, m catalog.Module) (Resolution, error) {
	if len(m.Prerequisites) == 0 {
		return Resolution{Satisfied: true}, nil
	}
	rows, err := r.store.ListProgress(ctx, enrollmentID)
	if err != nil {
		return Resolution{}, err
	}
	return Resolve(m, completedSet(rows)), nil
}

// Resolve checks m's prerequisites against a set of completed module ids.
func Resolve(m catalog.Module, completed map[string]bool) Resolution {
	var unmet []string
	for _, id := range m.Prerequisites {
		if !completed[id] {
			unmet = append(unmet, id)
		}
	}
	return Resolution{Satisfied: len(unmet) == 0, Unmet: unmet}
}

func completedSet(rows []ModuleProgress) map[string]bool {
	set := make(map[string]bool, len(rows))
	for _, p := range rows {
		if p.Completed() {
			set[p.ModuleID] = true
		}
	}
	return set
}
