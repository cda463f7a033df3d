package quiz_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/p-n-ai/pai-learn/internal/catalog"
	"github.com/p-n-ai/pai-learn/internal/quiz"
)

// fiveQuestionQuiz has five unweighted questions whose correct option is 0.
func fiveQuestionQuiz(passing int) catalog.Quiz {
	q := catalog.Quiz{ID: "q1", ModuleID: "m1", PassingScorePercent: passing}
	for i := 0; i < 5; i++ {
		q.Questions = append(q.Questions, catalog.Question{Text: "?", Options: []string{"right", "wrong"}})
	}
	return q
}

func TestScore(t *testing.T) {
	weighted := catalog.Quiz{ID: "w", Questions: []catalog.Question{
		{Options: []string{"a", "b"}, CorrectOption: 0, Points: 1},
		{Options: []string{"a", "b"}, CorrectOption: 1, Points: 2},
	}}

	tests := []struct {
		name    string
		quiz    catalog.Quiz
		answers []int
		want    int
		wantErr error
	}{
		{"all correct", fiveQuestionQuiz(70), []int{0, 0, 0, 0, 0}, 100, nil},
		{"three of five", fiveQuestionQuiz(70), []int{0, 0, 0, 1, 1}, 60, nil},
		{"none", fiveQuestionQuiz(70), []int{1, 1, 1, 1, 1}, 0, nil},
		{"weighted rounds half up", weighted, []int{1, 1}, 67, nil},
		{"weighted light question", weighted, []int{0, 0}, 33, nil},
		{"too few answers", fiveQuestionQuiz(70), []int{0, 0}, 0, quiz.ErrInvalidAnswers},
		{"option out of range", fiveQuestionQuiz(70), []int{0, 0, 0, 0, 7}, 0, quiz.ErrInvalidAnswers},
		{"negative option", fiveQuestionQuiz(70), []int{0, 0, 0, 0, -1}, 0, quiz.ErrInvalidAnswers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := quiz.Score(tt.quiz, tt.answers)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Score() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Score() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Score() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRoundPercent(t *testing.T) {
	tests := []struct {
		part, whole, want int
	}{
		{1, 3, 33},
		{2, 3, 67},
		{1, 8, 13},  // 12.5 rounds up
		{1, 200, 1}, // 0.5 rounds up
		{0, 5, 0},
		{5, 5, 100},
		{1, 0, 0},
	}
	for _, tt := range tests {
		if got := quiz.RoundPercent(tt.part, tt.whole); got != tt.want {
			t.Errorf("RoundPercent(%d, %d) = %d, want %d", tt.part, tt.whole, got, tt.want)
		}
	}
}

func TestSubmitAttempt_PassingThresholdIsInclusive(t *testing.T) {
	g := quiz.NewGrader(quiz.GraderConfig{})
	ctx := context.Background()

	a, err := g.SubmitAttempt(ctx, fiveQuestionQuiz(60), "e1", []int{0, 0, 0, 1, 1})
	if err != nil {
		t.Fatalf("SubmitAttempt() error = %v", err)
	}
	if a.ScorePercent != 60 || !a.Passed {
		t.Errorf("attempt = %d%% passed=%v, want 60%% passed", a.ScorePercent, a.Passed)
	}
}

func TestSubmitAttempt_NumbersAndBest(t *testing.T) {
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	g := quiz.NewGrader(quiz.GraderConfig{Now: func() time.Time { return now }})
	ctx := context.Background()
	q := fiveQuestionQuiz(70)

	if _, found, _ := g.BestPassingAttempt(ctx, q.ID, "e1"); found {
		t.Fatal("BestPassingAttempt() should find nothing before any attempt")
	}

	first, err := g.SubmitAttempt(ctx, q, "e1", []int{0, 0, 0, 1, 1})
	if err != nil {
		t.Fatalf("SubmitAttempt() error = %v", err)
	}
	if first.AttemptNumber != 1 || first.Passed {
		t.Errorf("first = #%d passed=%v, want #1 failed", first.AttemptNumber, first.Passed)
	}
	if !first.SubmittedAt.Equal(now) {
		t.Errorf("SubmittedAt = %v, want %v", first.SubmittedAt, now)
	}
	if _, found, _ := g.BestPassingAttempt(ctx, q.ID, "e1"); found {
		t.Error("failed attempt should not count as passing")
	}

	second, _ := g.SubmitAttempt(ctx, q, "e1", []int{0, 0, 0, 0, 1})
	third, _ := g.SubmitAttempt(ctx, q, "e1", []int{0, 0, 0, 0, 0})
	fourth, _ := g.SubmitAttempt(ctx, q, "e1", []int{0, 0, 0, 0, 1})
	if second.AttemptNumber != 2 || third.AttemptNumber != 3 || fourth.AttemptNumber != 4 {
		t.Errorf("attempt numbers = %d,%d,%d, want 2,3,4", second.AttemptNumber, third.AttemptNumber, fourth.AttemptNumber)
	}

	best, found, err := g.BestPassingAttempt(ctx, q.ID, "e1")
	if err != nil || !found {
		t.Fatalf("BestPassingAttempt() = found %v, err %v", found, err)
	}
	if best.AttemptNumber != 3 || best.ScorePercent != 100 {
		t.Errorf("best = #%d %d%%, want #3 100%%", best.AttemptNumber, best.ScorePercent)
	}

	// Another enrollment has its own sequence.
	other, _ := g.SubmitAttempt(ctx, q, "e2", []int{0, 0, 0, 0, 0})
	if other.AttemptNumber != 1 {
		t.Errorf("other enrollment AttemptNumber = %d, want 1", other.AttemptNumber)
	}

	// Prior attempts are untouched.
	attempts, _ := g.Attempts(ctx, q.ID, "e1")
	if len(attempts) != 4 || attempts[0].ScorePercent != 60 || attempts[0].Passed {
		t.Errorf("attempt history changed: %+v", attempts)
	}
}

func TestSubmitAttempt_InvalidAnswersNotRecorded(t *testing.T) {
	g := quiz.NewGrader(quiz.GraderConfig{})
	ctx := context.Background()
	q := fiveQuestionQuiz(70)

	if _, err := g.SubmitAttempt(ctx, q, "e1", []int{0}); !errors.Is(err, quiz.ErrInvalidAnswers) {
		t.Fatalf("SubmitAttempt() error = %v, want ErrInvalidAnswers", err)
	}
	attempts, _ := g.Attempts(ctx, q.ID, "e1")
	if len(attempts) != 0 {
		t.Errorf("len(attempts) = %d, want 0", len(attempts))
	}
}

func TestSubmitAttempt_MaxAttemptsAndGrant(t *testing.T) {
	g := quiz.NewGrader(quiz.GraderConfig{MaxAttempts: 2})
	ctx := context.Background()
	q := fiveQuestionQuiz(70)
	wrong := []int{1, 1, 1, 1, 1}

	for i := 0; i < 2; i++ {
		if _, err := g.SubmitAttempt(ctx, q, "e1", wrong); err != nil {
			t.Fatalf("SubmitAttempt() #%d error = %v", i+1, err)
		}
	}
	if _, err := g.SubmitAttempt(ctx, q, "e1", wrong); !errors.Is(err, quiz.ErrAttemptsExhausted) {
		t.Fatalf("third SubmitAttempt() error = %v, want ErrAttemptsExhausted", err)
	}

	if err := g.GrantAttempts(ctx, q.ID, "e1", 1); err != nil {
		t.Fatalf("GrantAttempts() error = %v", err)
	}
	a, err := g.SubmitAttempt(ctx, q, "e1", wrong)
	if err != nil {
		t.Fatalf("SubmitAttempt() after grant error = %v", err)
	}
	if a.AttemptNumber != 3 {
		t.Errorf("AttemptNumber = %d, want 3", a.AttemptNumber)
	}
	if _, err := g.SubmitAttempt(ctx, q, "e1", wrong); !errors.Is(err, quiz.ErrAttemptsExhausted) {
		t.Errorf("SubmitAttempt() beyond grant error = %v, want ErrAttemptsExhausted", err)
	}

	if err := g.GrantAttempts(ctx, q.ID, "e1", 0); err == nil {
		t.Error("GrantAttempts(0) should fail")
	}
}

func TestSubmitAttempt_ConcurrentNumbering(t *testing.T) {
	g := quiz.NewGrader(quiz.GraderConfig{})
	ctx := context.Background()
	q := fiveQuestionQuiz(70)

	const n = 50
	numbers := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := g.SubmitAttempt(ctx, q, "e1", []int{0, 0, 0, 0, 0})
			if err != nil {
				t.Errorf("SubmitAttempt() error = %v", err)
				return
			}
			numbers[i] = a.AttemptNumber
		}(i)
	}
	wg.Wait()

	sort.Ints(numbers)
	for i, num := range numbers {
		if num != i+1 {
			t.Fatalf("attempt numbers not unique and dense: %v", numbers)
		}
	}
}
