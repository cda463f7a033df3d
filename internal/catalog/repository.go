package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Repository is read access to authored paths, modules and quizzes.
type Repository interface {
	GetPath(ctx context.Context, id string) (Path, error)
	GetModule(ctx context.Context, id string) (Module, error)
	// ModulesForPath returns the path's modules ordered by OrderIndex.
	ModulesForPath(ctx context.Context, pathID string) ([]Module, error)
	GetQuiz(ctx context.Context, id string) (Quiz, error)
}

// MemoryRepository is an in-memory Repository. Paths are validated when put.
type MemoryRepository struct {
	paths   map[string]Path
	modules map[string]Module
	quizzes map[string]Quiz
	mu      sync.RWMutex
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		paths:   make(map[string]Path),
		modules: make(map[string]Module),
		quizzes: make(map[string]Quiz),
	}
}

// PutPath validates p and stores it, replacing any previous version. Module
// and quiz ids must be unique across paths.
func (r *MemoryRepository) PutPath(p Path) error {
	for i := range p.Modules {
		p.Modules[i].PathID = p.ID
	}
	if err := p.Validate(); err != nil {
		return err
	}
	sort.SliceStable(p.Modules, func(i, j int) bool {
		return p.Modules[i].OrderIndex < p.Modules[j].OrderIndex
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range p.Modules {
		if existing, ok := r.modules[m.ID]; ok && existing.PathID != p.ID {
			return fmt.Errorf("module %q already belongs to path %q", m.ID, existing.PathID)
		}
	}
	for _, q := range p.Quizzes {
		if existing, ok := r.quizzes[q.ID]; ok {
			if owner, ok := r.modules[existing.ModuleID]; ok && owner.PathID != p.ID {
				return fmt.Errorf("quiz %q already belongs to path %q", q.ID, owner.PathID)
			}
		}
	}

	if old, ok := r.paths[p.ID]; ok {
		for _, m := range old.Modules {
			delete(r.modules, m.ID)
		}
		for _, q := range old.Quizzes {
			delete(r.quizzes, q.ID)
		}
	}

	r.paths[p.ID] = p
	for _, m := range p.Modules {
		r.modules[m.ID] = m
	}
	for _, q := range p.Quizzes {
		r.quizzes[q.ID] = q
	}
	return nil
}

func (r *MemoryRepository) GetPath(_ context.Context, id string) (Path, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.paths[id]
	if !ok {
		return Path{}, fmt.Errorf("path %q: %w", id, ErrNotFound)
	}
	return p, nil
}

func (r *MemoryRepository) GetModule(_ context.Context, id string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	if !ok {
		return Module{}, fmt.Errorf("module %q: %w", id, ErrNotFound)
	}
	return m, nil
}

func (r *MemoryRepository) ModulesForPath(_ context.Context, pathID string) ([]Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.paths[pathID]
	if !ok {
		return nil, fmt.Errorf("path %q: %w", pathID, ErrNotFound)
	}
	return append([]Module(nil), p.Modules...), nil
}

func (r *MemoryRepository) GetQuiz(_ context.Context, id string) (Quiz, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.quizzes[id]
	if !ok {
		return Quiz{}, fmt.Errorf("quiz %q: %w", id, ErrNotFound)
	}
	return q, nil
}

// AllPaths returns every stored path ordered by id.
func (r *MemoryRepository) AllPaths() []Path {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]Path, 0, len(r.paths))
	for _, p := range r.paths {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].ID < paths[j].ID })
	return paths
}
