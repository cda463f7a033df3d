package progress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/p-n-ai/pai-learn/internal/catalog"
	"github.com/p-n-ai/pai-learn/internal/quiz"
)

// ManagerConfig holds dependencies for the enrollment manager.
type ManagerConfig struct {
	Store   Store
	Catalog catalog.Repository
	Now     func() time.Time
	// NewCertificateID defaults to NewCertificateID.
	NewCertificateID func(e Enrollment, at time.Time) (string, error)
}

// Manager owns the enrollment lifecycle: ACTIVE to COMPLETED or DROPPED.
type Manager struct {
	store       Store
	catalog     catalog.Repository
	now         func() time.Time
	certificate func(e Enrollment, at time.Time) (string, error)
}

// NewManager creates an enrollment manager.
func NewManager(cfg ManagerConfig) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	cert := cfg.NewCertificateID
	if cert == nil {
		cert = NewCertificateID
	}
	return &Manager{
		store:       cfg.Store,
		catalog:     cfg.Catalog,
		now:         now,
		certificate: cert,
	}
}

// Enroll creates a new ACTIVE enrollment at 0%. A user may re-enroll once the
// previous enrollment for the path is COMPLETED or DROPPED.
func (m *Manager) Enroll(ctx context.Context, userID, pathID string) (Enrollment, error) {
	if strings.TrimSpace(userID) == "" {
		return Enrollment{}, fmt.Errorf("user id is required")
	}
	if _, err := m.catalog.GetPath(ctx, pathID); err != nil {
		return Enrollment{}, err
	}

	e, err := m.store.CreateEnrollment(ctx, Enrollment{
		ID:        uuid.NewString(),
		UserID:    userID,
		PathID:    pathID,
		Status:    EnrollmentActive,
		StartedAt: m.now().UTC(),
	})
	if err != nil {
		return Enrollment{}, err
	}

	slog.Info("enrolled", "enrollment_id", e.ID, "user_id", userID, "path_id", pathID)
	return e, nil
}

// Drop moves an ACTIVE enrollment to DROPPED. Points already credited stay.
func (m *Manager) Drop(ctx context.Context, enrollmentID string) (Enrollment, error) {
	e, err := m.store.DropEnrollment(ctx, enrollmentID, m.now().UTC())
	if err != nil {
		return Enrollment{}, err
	}
	slog.Info("enrollment dropped", "enrollment_id", e.ID, "user_id", e.UserID, "path_id", e.PathID)
	return e, nil
}

// DropResult is the per-id outcome of DropMany.
type DropResult struct {
	EnrollmentID string
	Enrollment   Enrollment
	Err          error
}

// DropMany drops each enrollment independently; one failure does not stop the
// rest.
func (m *Manager) DropMany(ctx context.Context, enrollmentIDs []string) []DropResult {
	results := make([]DropResult, 0, len(enrollmentIDs))
	for _, id := range enrollmentIDs {
		e, err := m.Drop(ctx, id)
		results = append(results, DropResult{EnrollmentID: id, Enrollment: e, Err: err})
	}
	return results
}

func (m *Manager) Get(ctx context.Context, enrollmentID string) (Enrollment, error) {
	return m.store.GetEnrollment(ctx, enrollmentID)
}

// ActiveFor returns the user's ACTIVE enrollment for the path, if any.
func (m *Manager) ActiveFor(ctx context.Context, userID, pathID string) (Enrollment, bool, error) {
	return m.store.FindActiveEnrollment(ctx, userID, pathID)
}

func (m *Manager) ListForUser(ctx context.Context, userID string) ([]Enrollment, error) {
	return m.store.ListEnrollments(ctx, userID)
}

// RecomputeProgress recounts completed modules for an ACTIVE enrollment and
// completes it when every module is done. Terminal enrollments are returned
// unchanged.
func (m *Manager) RecomputeProgress(ctx context.Context, enrollmentID string) (Enrollment, error) {
	e, err := m.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return Enrollment{}, err
	}
	if e.Status.Terminal() {
		return e, nil
	}
	fn, err := m.recomputeFunc(ctx, e)
	if err != nil {
		return Enrollment{}, err
	}
	updated, err := m.store.RecomputeEnrollment(ctx, enrollmentID, fn)
	if err != nil {
		return Enrollment{}, err
	}
	logCompletion(e, updated)
	return updated, nil
}

// recomputeFunc captures everything that can fail up front so the store can
// apply the result inside its transaction without further I/O.
func (m *Manager) recomputeFunc(ctx context.Context, e Enrollment) (RecomputeFunc, error) {
	modules, err := m.catalog.ModulesForPath(ctx, e.PathID)
	if err != nil {
		return nil, err
	}
	at := m.now().UTC()
	certID, err := m.certificate(e, at)
	if err != nil {
		return nil, fmt.Errorf("certificate id: %w", err)
	}
	return func(current Enrollment, completed []string) Enrollment {
		return Recompute(current, modules, completed, at, certID)
	}, nil
}

// Recompute returns e with ProgressPercent derived from the completed module
// ids. Ids outside modules are ignored. The enrollment only reaches 100% and
// COMPLETED when every module is completed; a rounded 99.5% stays at 99.
func Recompute(e Enrollment, modules []catalog.Module, completed []string, at time.Time, certificateID string) Enrollment {
	if e.Status != EnrollmentActive || len(modules) == 0 {
		return e
	}

	done := make(map[string]bool, len(completed))
	for _, id := range completed {
		done[id] = true
	}
	count := 0
	for _, mod := range modules {
		if done[mod.ID] {
			count++
		}
	}

	if count == len(modules) {
		completedAt := at
		e.ProgressPercent = 100
		e.Status = EnrollmentCompleted
		e.CompletedAt = &completedAt
		e.CertificateID = certificateID
		return e
	}

	pct := quiz.RoundPercent(count, len(modules))
	if pct >= 100 {
		pct = 99
	}
	e.ProgressPercent = pct
	return e
}

func logCompletion(before, after Enrollment) {
	if before.Status != EnrollmentCompleted && after.Status == EnrollmentCompleted {
		slog.Info("enrollment completed",
			"enrollment_id", after.ID,
			"user_id", after.UserID,
			"path_id", after.PathID,
			"certificate_id", after.CertificateID,
		)
	}
}
