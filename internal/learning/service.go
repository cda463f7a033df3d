// Package learning exposes the engine's operations: enrollments, module
// progress, quizzes, gamification and leaderboards.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/p-n-ai/pai-learn/internal/catalog"
	"github.com/p-n-ai/pai-learn/internal/events"
	"github.com/p-n-ai/pai-learn/internal/gamification"
	"github.com/p-n-ai/pai-learn/internal/leaderboard"
	"github.com/p-n-ai/pai-learn/internal/notify"
	"github.com/p-n-ai/pai-learn/internal/progress"
	"github.com/p-n-ai/pai-learn/internal/quiz"
)

// Bus topics for post-commit work.
const (
	TopicCreditRetry    = "points.credit_retry"
	TopicPointsCredited = "points.credited"
	TopicAudit          = "audit"
	TopicNotify         = "notify"
)

// Config holds the service collaborators. Events and Notifier are optional.
type Config struct {
	Catalog     catalog.Repository
	Manager     *progress.Manager
	Tracker     *progress.Tracker
	Grader      *quiz.Grader
	Ledger      *gamification.Ledger
	Leaderboard *leaderboard.Aggregator
	Bus         *events.Bus
	Events      events.EventLogger
	Notifier    *notify.Gateway
}

// Service runs each operation's state transition synchronously and hands
// everything downstream of the commit to the bus.
type Service struct {
	catalog  catalog.Repository
	manager  *progress.Manager
	tracker  *progress.Tracker
	grader   *quiz.Grader
	ledger   *gamification.Ledger
	board    *leaderboard.Aggregator
	bus      *events.Bus
	audit    events.EventLogger
	notifier *notify.Gateway
}

// NewService wires the service and subscribes its bus handlers. A nil Bus
// gets a default one; Close stops it either way.
func NewService(cfg Config) *Service {
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus(events.BusConfig{MaxRetries: 3, RetryBackoff: 200 * time.Millisecond})
	}
	audit := cfg.Events
	if audit == nil {
		audit = events.NopEventLogger{}
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewGateway("log")
		notifier.Register("log", notify.LogChannel{})
	}

	s := &Service{
		catalog:  cfg.Catalog,
		manager:  cfg.Manager,
		tracker:  cfg.Tracker,
		grader:   cfg.Grader,
		ledger:   cfg.Ledger,
		board:    cfg.Leaderboard,
		bus:      bus,
		audit:    audit,
		notifier: notifier,
	}
	bus.Subscribe(TopicCreditRetry, s.handleCreditRetry)
	bus.Subscribe(TopicPointsCredited, s.handlePointsCredited)
	bus.Subscribe(TopicAudit, s.handleAudit)
	bus.Subscribe(TopicNotify, s.handleNotify)
	return s
}

// Close drains pending post-commit work.
func (s *Service) Close() {
	s.bus.Close()
}

// Enroll starts a new enrollment. An existing ACTIVE enrollment for the same
// path is reported as *progress.AlreadyEnrolledError.
func (s *Service) Enroll(ctx context.Context, userID, pathID string) (progress.Enrollment, error) {
	e, err := s.manager.Enroll(ctx, userID, pathID)
	if err != nil {
		return progress.Enrollment{}, err
	}
	s.record(e.UserID, events.TypeEnrolled, map[string]any{
		"enrollment_id": e.ID,
		"path_id":       e.PathID,
	})
	return e, nil
}

// DropEnrollment moves an ACTIVE enrollment to DROPPED.
func (s *Service) DropEnrollment(ctx context.Context, enrollmentID string) (progress.Enrollment, error) {
	e, err := s.manager.Drop(ctx, enrollmentID)
	if err != nil {
		return progress.Enrollment{}, err
	}
	s.recordDrop(e)
	return e, nil
}

// DropEnrollments drops each id independently and reports per-id results.
func (s *Service) DropEnrollments(ctx context.Context, enrollmentIDs []string) []progress.DropResult {
	results := s.manager.DropMany(ctx, enrollmentIDs)
	for _, r := range results {
		if r.Err == nil {
			s.recordDrop(r.Enrollment)
		}
	}
	return results
}

func (s *Service) recordDrop(e progress.Enrollment) {
	s.record(e.UserID, events.TypeEnrollmentDropped, map[string]any{
		"enrollment_id":    e.ID,
		"path_id":          e.PathID,
		"progress_percent": e.ProgressPercent,
	})
}

// StartModule marks a module IN_PROGRESS.
func (s *Service) StartModule(ctx context.Context, enrollmentID, moduleID string) (progress.ModuleProgress, error) {
	return s.tracker.StartModule(ctx, enrollmentID, moduleID)
}

// SubmitQuizAttempt grades and stores an attempt for an ACTIVE enrollment,
// then raises the module's best quiz score.
func (s *Service) SubmitQuizAttempt(ctx context.Context, quizID, enrollmentID string, answers []int) (quiz.Attempt, error) {
	q, err := s.catalog.GetQuiz(ctx, quizID)
	if err != nil {
		return quiz.Attempt{}, err
	}
	e, err := s.manager.Get(ctx, enrollmentID)
	if err != nil {
		return quiz.Attempt{}, err
	}
	mod, err := s.catalog.GetModule(ctx, q.ModuleID)
	if err != nil {
		return quiz.Attempt{}, err
	}
	if mod.PathID != e.PathID {
		return quiz.Attempt{}, fmt.Errorf("quiz %q in path %q: %w", quizID, e.PathID, catalog.ErrNotFound)
	}
	if e.Status != progress.EnrollmentActive {
		return quiz.Attempt{}, fmt.Errorf("%w: enrollment %s is %s", progress.ErrInvalidEnrollmentState, e.ID, e.Status)
	}

	attempt, err := s.grader.SubmitAttempt(ctx, q, enrollmentID, answers)
	if err != nil {
		return quiz.Attempt{}, err
	}

	// The attempt is stored; the best score follows it even if the caller
	// has gone away.
	bg := context.WithoutCancel(ctx)
	if _, err := s.tracker.RecordQuizScore(bg, enrollmentID, q.ModuleID, attempt.ScorePercent); err != nil {
		slog.Warn("recording best quiz score failed",
			"enrollment_id", enrollmentID,
			"module_id", q.ModuleID,
			"error", err,
		)
	}
	s.record(e.UserID, events.TypeQuizSubmitted, map[string]any{
		"enrollment_id":  enrollmentID,
		"quiz_id":        quizID,
		"attempt_number": attempt.AttemptNumber,
		"score_percent":  attempt.ScorePercent,
		"passed":         attempt.Passed,
	})
	return attempt, nil
}

// GrantQuizAttempts raises the attempt cap of one enrollment on a quiz. It is
// the admin override for ErrAttemptsExhausted.
func (s *Service) GrantQuizAttempts(ctx context.Context, quizID, enrollmentID string, extra int) error {
	q, err := s.catalog.GetQuiz(ctx, quizID)
	if err != nil {
		return err
	}
	e, err := s.manager.Get(ctx, enrollmentID)
	if err != nil {
		return err
	}
	mod, err := s.catalog.GetModule(ctx, q.ModuleID)
	if err != nil {
		return err
	}
	if mod.PathID != e.PathID {
		return fmt.Errorf("quiz %q in path %q: %w", quizID, e.PathID, catalog.ErrNotFound)
	}
	return s.grader.GrantAttempts(ctx, quizID, enrollmentID, extra)
}

// Completion is the result of CompleteModule.
type Completion struct {
	Progress   progress.ModuleProgress `json:"progress"`
	Enrollment progress.Enrollment     `json:"enrollment"`
}

// CompleteModule validates and commits the COMPLETED transition, then
// credits the points. A ledger failure after the commit is retried in the
// background and never undoes the completion. Calling it again on a
// completed module re-issues the credit; the ledger drops it if it already
// landed.
func (s *Service) CompleteModule(ctx context.Context, enrollmentID, moduleID string) (Completion, error) {
	out, err := s.tracker.CompleteModule(ctx, enrollmentID, moduleID)
	if err != nil {
		return Completion{}, err
	}
	bg := context.WithoutCancel(ctx)
	if out.Applied {
		s.afterCompletion(bg, out.Event)
	} else {
		s.credit(bg, out.Event)
	}
	return Completion{Progress: out.Progress, Enrollment: out.Enrollment}, nil
}

func (s *Service) afterCompletion(ctx context.Context, ev progress.CompletionEvent) {
	s.record(ev.UserID, events.TypeModuleCompleted, map[string]any{
		"enrollment_id": ev.EnrollmentID,
		"module_id":     ev.ModuleID,
		"points":        ev.Points,
	})
	if ev.EnrollmentCompleted {
		s.record(ev.UserID, events.TypeEnrollmentCompleted, map[string]any{
			"enrollment_id":  ev.EnrollmentID,
			"path_id":        ev.PathID,
			"certificate_id": ev.CertificateID,
		})
		s.bus.Publish(TopicNotify, notify.Notification{
			UserID: ev.UserID,
			Kind:   notify.KindCertificateIssued,
			Text:   fmt.Sprintf("Certificate %s issued for path %s", ev.CertificateID, ev.PathID),
			Data:   map[string]string{"certificate_id": ev.CertificateID, "path_id": ev.PathID},
		})
	}

	s.credit(ctx, ev)
}

func (s *Service) credit(ctx context.Context, ev progress.CompletionEvent) {
	c := gamification.Credit{
		EventKey: ev.Key(),
		UserID:   ev.UserID,
		Points:   ev.Points,
		At:       ev.CompletedAt,
	}
	res, err := s.ledger.CreditCompletion(ctx, c)
	if err != nil {
		slog.Warn("points credit failed, retrying in background",
			"event_key", c.EventKey,
			"user_id", c.UserID,
			"error", err,
		)
		s.bus.Publish(TopicCreditRetry, c)
		return
	}
	s.afterCredit(c, res)
}

type pointsCredited struct {
	EventKey string
	UserID   string
	Points   int
	At       time.Time
}

func (s *Service) afterCredit(c gamification.Credit, res gamification.CreditResult) {
	if res.Duplicate {
		return
	}
	s.bus.Publish(TopicPointsCredited, pointsCredited{EventKey: c.EventKey, UserID: c.UserID, Points: c.Points, At: c.At})
	s.record(c.UserID, events.TypePointsCredited, map[string]any{
		"event_key":    c.EventKey,
		"points":       c.Points,
		"total_points": res.State.TotalPoints,
		"level":        res.State.CurrentLevel,
	})
	if res.LeveledUp {
		s.bus.Publish(TopicNotify, notify.Notification{
			UserID: c.UserID,
			Kind:   notify.KindLevelUp,
			Text:   fmt.Sprintf("You reached level %d", res.State.CurrentLevel),
			Data:   map[string]string{"level": fmt.Sprint(res.State.CurrentLevel)},
		})
	}
}

func (s *Service) handleCreditRetry(ctx context.Context, msg events.Message) error {
	c, ok := msg.Payload.(gamification.Credit)
	if !ok {
		return fmt.Errorf("unexpected payload %T", msg.Payload)
	}
	res, err := s.ledger.CreditCompletion(ctx, c)
	if err != nil {
		return err
	}
	s.afterCredit(c, res)
	return nil
}

func (s *Service) handlePointsCredited(ctx context.Context, msg events.Message) error {
	p, ok := msg.Payload.(pointsCredited)
	if !ok {
		return fmt.Errorf("unexpected payload %T", msg.Payload)
	}
	if s.board == nil {
		return nil
	}
	return s.board.OnPointsCredited(ctx, p.EventKey, p.UserID, p.Points, p.At)
}

func (s *Service) handleAudit(ctx context.Context, msg events.Message) error {
	ev, ok := msg.Payload.(events.Event)
	if !ok {
		return fmt.Errorf("unexpected payload %T", msg.Payload)
	}
	return s.audit.LogEvent(ctx, ev)
}

func (s *Service) handleNotify(ctx context.Context, msg events.Message) error {
	n, ok := msg.Payload.(notify.Notification)
	if !ok {
		return fmt.Errorf("unexpected payload %T", msg.Payload)
	}
	return s.notifier.Send(ctx, n)
}

func (s *Service) record(userID, eventType string, data map[string]any) {
	s.bus.Publish(TopicAudit, events.Event{
		UserID:    userID,
		EventType: eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
}

// GetProgressSummary returns every module of the enrollment's path with its
// progress, plus the enrollment's percent and status.
func (s *Service) GetProgressSummary(ctx context.Context, enrollmentID string) (progress.Summary, error) {
	return s.tracker.Summary(ctx, enrollmentID)
}

// GetLeaderboard returns the ranked entries of the current period window.
func (s *Service) GetLeaderboard(ctx context.Context, period leaderboard.Period, department string, limit int) (leaderboard.Snapshot, error) {
	if s.board == nil {
		return leaderboard.Snapshot{}, fmt.Errorf("leaderboard is not configured")
	}
	return s.board.GetLeaderboard(ctx, period, department, limit)
}

// GetUserState returns the user's points, level and streak.
func (s *Service) GetUserState(ctx context.Context, userID string) (gamification.UserState, error) {
	return s.ledger.State(ctx, userID)
}

// Attempts lists the quiz attempts of an enrollment in order.
func (s *Service) Attempts(ctx context.Context, quizID, enrollmentID string) ([]quiz.Attempt, error) {
	return s.grader.Attempts(ctx, quizID, enrollmentID)
}
