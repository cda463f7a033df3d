package progress

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Completion is the write half of a module completion.
type Completion struct {
	EnrollmentID string
	ModuleID     string
	Points       int
	At           time.Time
}

// CompletionResult reports the state after CompleteModule. Applied is false
// when the module was already COMPLETED and nothing was written.
type CompletionResult struct {
	Progress   ModuleProgress
	Enrollment Enrollment
	Applied    bool
}

// RecomputeFunc derives the new enrollment state from the set of completed
// module ids. Stores call it inside the same atomic unit as the write.
type RecomputeFunc func(e Enrollment, completedModuleIDs []string) Enrollment

// Store persists enrollments and module progress.
type Store interface {
	// CreateEnrollment returns *AlreadyEnrolledError when an ACTIVE
	// enrollment exists for the same (UserID, PathID).
	CreateEnrollment(ctx context.Context, e Enrollment) (Enrollment, error)
	GetEnrollment(ctx context.Context, id string) (Enrollment, error)
	FindActiveEnrollment(ctx context.Context, userID, pathID string) (Enrollment, bool, error)
	ListEnrollments(ctx context.Context, userID string) ([]Enrollment, error)
	// DropEnrollment moves ACTIVE to DROPPED; any other state returns
	// ErrInvalidEnrollmentState.
	DropEnrollment(ctx context.Context, id string, at time.Time) (Enrollment, error)

	// GetProgress returns a NOT_STARTED record when no row exists.
	GetProgress(ctx context.Context, enrollmentID, moduleID string) (ModuleProgress, error)
	ListProgress(ctx context.Context, enrollmentID string) ([]ModuleProgress, error)
	// StartModule moves NOT_STARTED to IN_PROGRESS and leaves later states
	// untouched.
	StartModule(ctx context.Context, enrollmentID, moduleID string, at time.Time) (ModuleProgress, error)
	// RecordQuizScore raises BestQuizScore to score if higher and starts the
	// module if it was NOT_STARTED.
	RecordQuizScore(ctx context.Context, enrollmentID, moduleID string, score int, at time.Time) (ModuleProgress, error)
	// CompleteModule atomically marks the module COMPLETED, writes the points
	// and applies recompute to the enrollment. Either all of it commits or
	// none of it does.
	CompleteModule(ctx context.Context, c Completion, recompute RecomputeFunc) (CompletionResult, error)
	// RecomputeEnrollment re-applies recompute to an ACTIVE enrollment.
	RecomputeEnrollment(ctx context.Context, enrollmentID string, recompute RecomputeFunc) (Enrollment, error)
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	enrollments map[string]*Enrollment
	progress    map[string]map[string]*ModuleProgress
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory progress store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		enrollments: make(map[string]*Enrollment),
		progress:    make(map[string]map[string]*ModuleProgress),
	}
}

func (s *MemoryStore) CreateEnrollment(ctx context.Context, e Enrollment) (Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Enrollment{}, err
	}
	for _, existing := range s.enrollments {
		if existing.UserID == e.UserID && existing.PathID == e.PathID && existing.Status == EnrollmentActive {
			return Enrollment{}, &AlreadyEnrolledError{EnrollmentID: existing.ID}
		}
	}
	if _, dup := s.enrollments[e.ID]; dup {
		return Enrollment{}, fmt.Errorf("enrollment %s already exists", e.ID)
	}

	stored := e
	s.enrollments[e.ID] = &stored
	s.progress[e.ID] = make(map[string]*ModuleProgress)
	return stored, nil
}

func (s *MemoryStore) GetEnrollment(_ context.Context, id string) (Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.enrollments[id]
	if !ok {
		return Enrollment{}, fmt.Errorf("enrollment %s: %w", id, ErrNotFound)
	}
	return *e, nil
}

func (s *MemoryStore) FindActiveEnrollment(_ context.Context, userID, pathID string) (Enrollment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.enrollments {
		if e.UserID == userID && e.PathID == pathID && e.Status == EnrollmentActive {
			return *e, true, nil
		}
	}
	return Enrollment{}, false, nil
}

func (s *MemoryStore) ListEnrollments(_ context.Context, userID string) ([]Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Enrollment
	for _, e := range s.enrollments {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) DropEnrollment(ctx context.Context, id string, at time.Time) (Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Enrollment{}, err
	}
	e, ok := s.enrollments[id]
	if !ok {
		return Enrollment{}, fmt.Errorf("enrollment %s: %w", id, ErrNotFound)
	}
	if e.Status != EnrollmentActive {
		return Enrollment{}, fmt.Errorf("%w: enrollment %s is %s", ErrInvalidEnrollmentState, id, e.Status)
	}
	e.Status = EnrollmentDropped
	dropped := at
	e.DroppedAt = &dropped
	return *e, nil
}

func (s *MemoryStore) GetProgress(_ context.Context, enrollmentID, moduleID string) (ModuleProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, ok := s.progress[enrollmentID]
	if !ok {
		return ModuleProgress{}, fmt.Errorf("enrollment %s: %w", enrollmentID, ErrNotFound)
	}
	if p, ok := rows[moduleID]; ok {
		return clone(*p), nil
	}
	return notStarted(enrollmentID, moduleID), nil
}

func (s *MemoryStore) ListProgress(_ context.Context, enrollmentID string) ([]ModuleProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, ok := s.progress[enrollmentID]
	if !ok {
		return nil, fmt.Errorf("enrollment %s: %w", enrollmentID, ErrNotFound)
	}
	out := make([]ModuleProgress, 0, len(rows))
	for _, p := range rows {
		out = append(out, clone(*p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out, nil
}

func (s *MemoryStore) StartModule(ctx context.Context, enrollmentID, moduleID string, at time.Time) (ModuleProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return ModuleProgress{}, err
	}
	p, err := s.rowLocked(enrollmentID, moduleID)
	if err != nil {
		return ModuleProgress{}, err
	}
	if p.Status == ModuleNotStarted {
		started := at
		p.Status = ModuleInProgress
		p.StartedAt = &started
	}
	return clone(*p), nil
}

func (s *MemoryStore) RecordQuizScore(ctx context.Context, enrollmentID, moduleID string, score int, at time.Time) (ModuleProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return ModuleProgress{}, err
	}
	p, err := s.rowLocked(enrollmentID, moduleID)
	if err != nil {
		return ModuleProgress{}, err
	}
	if p.BestQuizScore == nil || score > *p.BestQuizScore {
		best := score
		p.BestQuizScore = &best
	}
	if p.Status == ModuleNotStarted {
		started := at
		p.Status = ModuleInProgress
		p.StartedAt = &started
	}
	return clone(*p), nil
}

func (s *MemoryStore) CompleteModule(ctx context.Context, c Completion, recompute RecomputeFunc) (CompletionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[c.EnrollmentID]
	if !ok {
		return CompletionResult{}, fmt.Errorf("enrollment %s: %w", c.EnrollmentID, ErrNotFound)
	}
	rows := s.progress[c.EnrollmentID]
	if p, ok := rows[c.ModuleID]; ok && p.Completed() {
		return CompletionResult{Progress: clone(*p), Enrollment: *e}, nil
	}
	if e.Status != EnrollmentActive {
		return CompletionResult{}, fmt.Errorf("%w: enrollment %s is %s", ErrInvalidEnrollmentState, e.ID, e.Status)
	}

	// Nothing has been written yet; an aborted request leaves no trace.
	if err := ctx.Err(); err != nil {
		return CompletionResult{}, err
	}

	next := notStarted(c.EnrollmentID, c.ModuleID)
	if p, ok := rows[c.ModuleID]; ok {
		next = clone(*p)
	}
	completedAt := c.At
	next.Status = ModuleCompleted
	next.PointsEarned = c.Points
	next.CompletedAt = &completedAt
	if next.StartedAt == nil {
		next.StartedAt = &completedAt
	}

	completed := []string{c.ModuleID}
	for id, p := range rows {
		if id != c.ModuleID && p.Completed() {
			completed = append(completed, id)
		}
	}
	sort.Strings(completed)
	updated := recompute(*e, completed)

	rows[c.ModuleID] = &next
	*e = updated
	return CompletionResult{Progress: clone(next), Enrollment: updated, Applied: true}, nil
}

func (s *MemoryStore) RecomputeEnrollment(ctx context.Context, enrollmentID string, recompute RecomputeFunc) (Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Enrollment{}, err
	}
	e, ok := s.enrollments[enrollmentID]
	if !ok {
		return Enrollment{}, fmt.Errorf("enrollment %s: %w", enrollmentID, ErrNotFound)
	}
	if e.Status != EnrollmentActive {
		return *e, nil
	}
	var completed []string
	for id, p := range s.progress[enrollmentID] {
		if p.Completed() {
			completed = append(completed, id)
		}
	}
	sort.Strings(completed)
	*e = recompute(*e, completed)
	return *e, nil
}

func (s *MemoryStore) rowLocked(enrollmentID, moduleID string) (*ModuleProgress, error) {
	rows, ok := s.progress[enrollmentID]
	if !ok {
		return nil, fmt.Errorf("enrollment %s: %w", enrollmentID, ErrNotFound)
	}
	p, ok := rows[moduleID]
	if !ok {
		fresh := notStarted(enrollmentID, moduleID)
		p = &fresh
		rows[moduleID] = p
	}
	return p, nil
}

func notStarted(enrollmentID, moduleID string) ModuleProgress {
	return ModuleProgress{
		EnrollmentID: enrollmentID,
		ModuleID:     moduleID,
		Status:       ModuleNotStarted,
	}
}

// clone copies pointer fields so callers cannot mutate stored rows.
func clone(p ModuleProgress) ModuleProgress {
	if p.StartedAt != nil {
		t := *p.StartedAt
		p.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		p.CompletedAt = &t
	}
	if p.BestQuizScore != nil {
		v := *p.BestQuizScore
		p.BestQuizScore = &v
	}
	return p
}
