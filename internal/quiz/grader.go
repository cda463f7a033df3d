// Package quiz grades quiz attempts against an answer key and keeps the
// append-only attempt history per (quiz, enrollment).
package quiz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/p-n-ai/pai-learn/internal/catalog"
)

var (
	// ErrInvalidAnswers is returned when the submission does not contain
	// exactly one valid option index per question.
	ErrInvalidAnswers = errors.New("invalid answers")
	// ErrAttemptsExhausted is returned when the attempt cap for the
	// (quiz, enrollment) pair has been reached. Only an admin grant lifts it.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
	// ErrNotFound is returned for unknown attempts.
	ErrNotFound = errors.New("not found")
)

// Attempt is one immutable graded submission.
type Attempt struct {
	ID            string    `json:"id"`
	QuizID        string    `json:"quiz_id"`
	EnrollmentID  string    `json:"enrollment_id"`
	AttemptNumber int       `json:"attempt_number"`
	Answers       []int     `json:"answers"`
	ScorePercent  int       `json:"score_percent"`
	Passed        bool      `json:"passed"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// GraderConfig holds dependencies for the grader.
type GraderConfig struct {
	Store       Store
	MaxAttempts int // 0 means unlimited
	Now         func() time.Time
}

// Grader scores submissions and records attempts.
type Grader struct {
	store       Store
	maxAttempts int
	now         func() time.Time
}

// NewGrader creates a grader. A nil store defaults to an in-memory one.
func NewGrader(cfg GraderConfig) *Grader {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Grader{
		store:       store,
		maxAttempts: cfg.MaxAttempts,
		now:         now,
	}
}

// Score returns the weighted percentage of correct answers, rounded half up.
func Score(q catalog.Quiz, answers []int) (int, error) {
	if len(answers) != len(q.Questions) {
		return 0, fmt.Errorf("%w: got %d answers for %d questions", ErrInvalidAnswers, len(answers), len(q.Questions))
	}

	earned, total := 0, 0
	for i, question := range q.Questions {
		a := answers[i]
		if a < 0 || a >= len(question.Options) {
			return 0, fmt.Errorf("%w: answer %d for question %d out of range", ErrInvalidAnswers, a, i)
		}
		w := question.Weight()
		total += w
		if a == question.CorrectOption {
			earned += w
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("%w: quiz %q has no questions", ErrInvalidAnswers, q.ID)
	}
	return RoundPercent(earned, total), nil
}

// RoundPercent returns part/whole*100 rounded half up to the nearest integer.
func RoundPercent(part, whole int) int {
	if whole <= 0 {
		return 0
	}
	return (part*200 + whole) / (whole * 2)
}

// SubmitAttempt grades answers and appends a new attempt. Earlier attempts are
// never modified.
func (g *Grader) SubmitAttempt(ctx context.Context, q catalog.Quiz, enrollmentID string, answers []int) (Attempt, error) {
	score, err := Score(q, answers)
	if err != nil {
		return Attempt{}, err
	}

	attempt := Attempt{
		ID:           uuid.NewString(),
		QuizID:       q.ID,
		EnrollmentID: enrollmentID,
		Answers:      append([]int(nil), answers...),
		ScorePercent: score,
		Passed:       score >= q.PassingScorePercent,
		SubmittedAt:  g.now(),
	}

	saved, err := g.store.Append(ctx, attempt, g.maxAttempts)
	if err != nil {
		return Attempt{}, err
	}

	slog.Info("quiz attempt graded",
		"quiz_id", saved.QuizID,
		"enrollment_id", saved.EnrollmentID,
		"attempt_number", saved.AttemptNumber,
		"score_percent", saved.ScorePercent,
		"passed", saved.Passed,
	)
	return saved, nil
}

// BestPassingAttempt returns the highest-scoring passed attempt. Ties go to
// the earliest attempt.
func (g *Grader) BestPassingAttempt(ctx context.Context, quizID, enrollmentID string) (Attempt, bool, error) {
	attempts, err := g.store.List(ctx, quizID, enrollmentID)
	if err != nil {
		return Attempt{}, false, err
	}

	var best Attempt
	found := false
	for _, a := range attempts {
		if !a.Passed {
			continue
		}
		if !found || a.ScorePercent > best.ScorePercent {
			best = a
			found = true
		}
	}
	return best, found, nil
}

// Attempts lists attempts ordered by attempt number.
func (g *Grader) Attempts(ctx context.Context, quizID, enrollmentID string) ([]Attempt, error) {
	return g.store.List(ctx, quizID, enrollmentID)
}

// GrantAttempts lets an admin raise the attempt cap for one pair.
func (g *Grader) GrantAttempts(ctx context.Context, quizID, enrollmentID string, extra int) error {
	if extra <= 0 {
		return fmt.Errorf("extra attempts must be positive, got %d", extra)
	}
	if err := g.store.Grant(ctx, quizID, enrollmentID, extra); err != nil {
		return err
	}
	slog.Info("quiz attempts granted", "quiz_id", quizID, "enrollment_id", enrollmentID, "extra", extra)
	return nil
}
