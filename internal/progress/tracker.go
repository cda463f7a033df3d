package progress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/p-n-ai/pai-learn/internal/catalog"
	"github.com/p-n-ai/pai-learn/internal/quiz"
)

// QuizChecker reports the best passed attempt for a quiz within an enrollment.
type QuizChecker interface {
	BestPassingAttempt(ctx context.Context, quizID, enrollmentID string) (quiz.Attempt, bool, error)
}

// TrackerConfig holds dependencies for the module progress tracker.
type TrackerConfig struct {
	Store   Store
	Catalog catalog.Repository
	Quizzes QuizChecker
	Manager *Manager
	Now     func() time.Time
}

// Tracker drives the per-module state machine
// NOT_STARTED -> IN_PROGRESS -> COMPLETED.
type Tracker struct {
	store    Store
	catalog  catalog.Repository
	quizzes  QuizChecker
	manager  *Manager
	resolver *Resolver
	now      func() time.Time
}

// NewTracker creates a tracker. A nil Manager gets one built from the same
// store and catalog.
func NewTracker(cfg TrackerConfig) *Tracker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	manager := cfg.Manager
	if manager == nil {
		manager = NewManager(ManagerConfig{Store: cfg.Store, Catalog: cfg.Catalog, Now: now})
	}
	return &Tracker{
		store:    cfg.Store,
		catalog:  cfg.Catalog,
		quizzes:  cfg.Quizzes,
		manager:  manager,
		resolver: NewResolver(cfg.Store),
		now:      now,
	}
}

// Outcome is the result of CompleteModule. Applied is true only for the call
// that performed the COMPLETED transition. Event describes the completion
// whenever the module is COMPLETED, so a repeated call can re-issue the
// idempotent points credit.
type Outcome struct {
	Progress   ModuleProgress
	Enrollment Enrollment
	Applied    bool
	Event      CompletionEvent
}

// StartModule moves NOT_STARTED to IN_PROGRESS. Calling it on a started or
// completed module returns the current state.
func (t *Tracker) StartModule(ctx context.Context, enrollmentID, moduleID string) (ModuleProgress, error) {
	e, _, err := t.load(ctx, enrollmentID, moduleID)
	if err != nil {
		return ModuleProgress{}, err
	}
	p, err := t.store.GetProgress(ctx, enrollmentID, moduleID)
	if err != nil {
		return ModuleProgress{}, err
	}
	if p.Status != ModuleNotStarted {
		return p, nil
	}
	if e.Status != EnrollmentActive {
		return ModuleProgress{}, invalidState(e)
	}
	return t.store.StartModule(ctx, enrollmentID, moduleID, t.now().UTC())
}

// RecordQuizScore keeps the module's best quiz score current after an attempt.
func (t *Tracker) RecordQuizScore(ctx context.Context, enrollmentID, moduleID string, score int) (ModuleProgress, error) {
	return t.store.RecordQuizScore(ctx, enrollmentID, moduleID, score, t.now().UTC())
}

// CompleteModule validates and applies the COMPLETED transition.
//
// Validation reads only, so a failed or retried call leaves nothing behind.
// The transition, the points and the enrollment recompute then commit as one
// unit in the store. Publishing the completion event is left to the caller so
// it can run after the commit.
func (t *Tracker) CompleteModule(ctx context.Context, enrollmentID, moduleID string) (Outcome, error) {
	e, mod, err := t.load(ctx, enrollmentID, moduleID)
	if err != nil {
		return Outcome{}, err
	}

	p, err := t.store.GetProgress(ctx, enrollmentID, moduleID)
	if err != nil {
		return Outcome{}, err
	}
	if p.Completed() {
		return Outcome{Progress: p, Enrollment: e, Event: completionEvent(e, p)}, nil
	}
	if e.Status != EnrollmentActive {
		return Outcome{}, invalidState(e)
	}

	res, err := t.resolver.CheckSatisfied(ctx, enrollmentID, mod)
	if err != nil {
		return Outcome{}, err
	}
	if !res.Satisfied {
		return Outcome{}, &PrerequisiteError{ModuleID: mod.ID, Unmet: res.Unmet}
	}

	if mod.QuizGated() {
		if t.quizzes == nil {
			return Outcome{}, fmt.Errorf("module %s is quiz gated but no quiz checker is configured", mod.ID)
		}
		_, passed, err := t.quizzes.BestPassingAttempt(ctx, mod.QuizID, enrollmentID)
		if err != nil {
			return Outcome{}, err
		}
		if !passed {
			return Outcome{}, fmt.Errorf("%w: module %s needs a passed attempt on quiz %s", ErrQuizNotPassed, mod.ID, mod.QuizID)
		}
	}

	recompute, err := t.manager.recomputeFunc(ctx, e)
	if err != nil {
		return Outcome{}, err
	}
	result, err := t.store.CompleteModule(ctx, Completion{
		EnrollmentID: enrollmentID,
		ModuleID:     moduleID,
		Points:       mod.CompletionPoints,
		At:           t.now().UTC(),
	}, recompute)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{
		Progress:   result.Progress,
		Enrollment: result.Enrollment,
		Applied:    result.Applied,
		Event:      completionEvent(result.Enrollment, result.Progress),
	}
	if !result.Applied {
		// A concurrent call won the transition.
		return out, nil
	}

	slog.Info("module completed",
		"enrollment_id", enrollmentID,
		"module_id", moduleID,
		"user_id", e.UserID,
		"points", mod.CompletionPoints,
		"progress_percent", result.Enrollment.ProgressPercent,
	)
	logCompletion(e, result.Enrollment)
	return out, nil
}

// Summary is the per-enrollment view returned by GetProgressSummary. Modules
// follow the path order and include NOT_STARTED ones.
type Summary struct {
	Enrollment      Enrollment       `json:"enrollment"`
	Modules         []ModuleProgress `json:"modules"`
	ProgressPercent int              `json:"progress_percent"`
	Status          EnrollmentStatus `json:"status"`
}

// Summary returns every module of the enrollment's path with its progress.
func (t *Tracker) Summary(ctx context.Context, enrollmentID string) (Summary, error) {
	e, err := t.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return Summary{}, err
	}
	modules, err := t.catalog.ModulesForPath(ctx, e.PathID)
	if err != nil {
		return Summary{}, err
	}
	rows, err := t.store.ListProgress(ctx, enrollmentID)
	if err != nil {
		return Summary{}, err
	}

	byModule := make(map[string]ModuleProgress, len(rows))
	for _, p := range rows {
		byModule[p.ModuleID] = p
	}
	out := Summary{
		Enrollment:      e,
		Modules:         make([]ModuleProgress, 0, len(modules)),
		ProgressPercent: e.ProgressPercent,
		Status:          e.Status,
	}
	for _, mod := range modules {
		p, ok := byModule[mod.ID]
		if !ok {
			p = notStarted(enrollmentID, mod.ID)
		}
		out.Modules = append(out.Modules, p)
	}
	return out, nil
}

// load fetches the enrollment and checks the module belongs to its path.
func (t *Tracker) load(ctx context.Context, enrollmentID, moduleID string) (Enrollment, catalog.Module, error) {
	e, err := t.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return Enrollment{}, catalog.Module{}, err
	}
	mod, err := t.catalog.GetModule(ctx, moduleID)
	if err != nil {
		return Enrollment{}, catalog.Module{}, err
	}
	if mod.PathID != e.PathID {
		return Enrollment{}, catalog.Module{}, fmt.Errorf("module %q in path %q: %w", moduleID, e.PathID, catalog.ErrNotFound)
	}
	return e, mod, nil
}

func invalidState(e Enrollment) error {
	return fmt.Errorf("%w: enrollment %s is %s", ErrInvalidEnrollmentState, e.ID, e.Status)
}

func completionEvent(e Enrollment, p ModuleProgress) CompletionEvent {
	ev := CompletionEvent{
		EnrollmentID:        e.ID,
		ModuleID:            p.ModuleID,
		UserID:              e.UserID,
		PathID:              e.PathID,
		Points:              p.PointsEarned,
		EnrollmentCompleted: e.Status == EnrollmentCompleted,
		CertificateID:       e.CertificateID,
	}
	if p.CompletedAt != nil {
		ev.CompletedAt = *p.CompletedAt
	}
	return ev
}
