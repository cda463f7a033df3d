package gamification_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/p-n-ai/pai-learn/internal/gamification"
)

var testNow = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func newLedger(store gamification.Store) *gamification.Ledger {
	return gamification.NewLedger(gamification.LedgerConfig{
		Store: store,
		Rules: gamification.Rules{PointsPerLevel: 100, MaxLevel: 10},
		Now:   func() time.Time { return testNow },
	})
}

func TestCreditCompletion(t *testing.T) {
	l := newLedger(nil)
	ctx := context.Background()

	res, err := l.CreditCompletion(ctx, gamification.Credit{EventKey: "e1:m1", UserID: "u1", Points: 50})
	if err != nil {
		t.Fatalf("CreditCompletion() error = %v", err)
	}
	st := res.State
	if st.TotalPoints != 50 || st.CurrentLevel != 1 || st.CurrentStreakDays != 1 || st.Version != 1 {
		t.Errorf("state = %+v", st)
	}
	if !st.LastActivityDate.Equal(day(2026, 10, 17)) {
		t.Errorf("LastActivityDate = %v, want 2026-10-17", st.LastActivityDate)
	}
	if res.LeveledUp {
		t.Error("50 points should not level up")
	}

	res, err = l.CreditCompletion(ctx, gamification.Credit{EventKey: "e1:m2", UserID: "u1", Points: 60, At: testNow.AddDate(0, 0, 1)})
	if err != nil {
		t.Fatalf("CreditCompletion() error = %v", err)
	}
	if !res.LeveledUp || res.State.CurrentLevel != 2 || res.State.CurrentStreakDays != 2 {
		t.Errorf("second credit = %+v leveledUp=%v", res.State, res.LeveledUp)
	}

	stored, err := l.State(ctx, "u1")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if stored.TotalPoints != 110 || stored.Version != 2 {
		t.Errorf("stored = %+v, want 110 points at version 2", stored)
	}
}

func TestCreditCompletion_DuplicateIsNoop(t *testing.T) {
	l := newLedger(nil)
	ctx := context.Background()
	credit := gamification.Credit{EventKey: "e1:m1", UserID: "u1", Points: 50}

	if _, err := l.CreditCompletion(ctx, credit); err != nil {
		t.Fatalf("CreditCompletion() error = %v", err)
	}
	res, err := l.CreditCompletion(ctx, credit)
	if err != nil {
		t.Fatalf("duplicate CreditCompletion() error = %v", err)
	}
	if !res.Duplicate {
		t.Error("Duplicate = false, want true")
	}
	st, _ := l.State(ctx, "u1")
	if st.TotalPoints != 50 {
		t.Errorf("TotalPoints = %d, want 50", st.TotalPoints)
	}
}

func TestCreditCompletion_Validation(t *testing.T) {
	l := newLedger(nil)
	tests := []struct {
		name   string
		credit gamification.Credit
	}{
		{"missing key", gamification.Credit{UserID: "u1", Points: 1}},
		{"missing user", gamification.Credit{EventKey: "k", Points: 1}},
		{"negative points", gamification.Credit{EventKey: "k", UserID: "u1", Points: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.CreditCompletion(context.Background(), tt.credit); err == nil {
				t.Error("CreditCompletion() error = nil, want error")
			}
		})
	}
}

func TestCreditCompletion_ConcurrentSameUser(t *testing.T) {
	// Each conflict means another credit committed, so n retries always
	// suffice for n concurrent writers.
	const n = 20
	l := gamification.NewLedger(gamification.LedgerConfig{MaxRetries: n, Now: func() time.Time { return testNow }})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			credit := gamification.Credit{EventKey: fmt.Sprintf("e1:m%d", i), UserID: "u1", Points: 10}
			if _, err := l.CreditCompletion(ctx, credit); err != nil {
				t.Errorf("CreditCompletion() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	st, _ := l.State(ctx, "u1")
	if st.TotalPoints != n*10 {
		t.Errorf("TotalPoints = %d, want %d", st.TotalPoints, n*10)
	}
	if st.Version != n {
		t.Errorf("Version = %d, want %d", st.Version, n)
	}
}

// conflictStore always reports a version conflict.
type conflictStore struct {
	applies int
}

func (s *conflictStore) Get(context.Context, string) (gamification.UserState, error) {
	return gamification.NewUserState("u1"), nil
}

func (s *conflictStore) Apply(context.Context, gamification.UserState, int64, string, int) error {
	s.applies++
	return gamification.ErrConcurrencyConflict
}

func TestCreditCompletion_RetriesExhausted(t *testing.T) {
	store := &conflictStore{}
	l := gamification.NewLedger(gamification.LedgerConfig{Store: store, MaxRetries: 3})

	_, err := l.CreditCompletion(context.Background(), gamification.Credit{EventKey: "k", UserID: "u1", Points: 5})
	if !errors.Is(err, gamification.ErrConcurrencyConflict) {
		t.Fatalf("CreditCompletion() error = %v, want ErrConcurrencyConflict", err)
	}
	if store.applies != 3 {
		t.Errorf("applies = %d, want 3", store.applies)
	}
}

func TestCreditCompletion_UsesConfiguredTimezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	l := gamification.NewLedger(gamification.LedgerConfig{Location: tokyo})
	ctx := context.Background()

	// 16:00 UTC on the 17th and 14:00 UTC on the 18th are both the 18th in Tokyo.
	first := time.Date(2026, 10, 17, 16, 0, 0, 0, time.UTC)
	second := time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC)
	if _, err := l.CreditCompletion(ctx, gamification.Credit{EventKey: "a", UserID: "u1", Points: 1, At: first}); err != nil {
		t.Fatalf("CreditCompletion() error = %v", err)
	}
	res, err := l.CreditCompletion(ctx, gamification.Credit{EventKey: "b", UserID: "u1", Points: 1, At: second})
	if err != nil {
		t.Fatalf("CreditCompletion() error = %v", err)
	}
	if res.State.CurrentStreakDays != 1 {
		t.Errorf("CurrentStreakDays = %d, want 1", res.State.CurrentStreakDays)
	}
	if !res.State.LastActivityDate.Equal(day(2026, 10, 18)) {
		t.Errorf("LastActivityDate = %v, want 2026-10-18", res.State.LastActivityDate)
	}
}

func TestLedger_TouchAndRecomputeLevel(t *testing.T) {
	l := newLedger(nil)
	ctx := context.Background()

	st, err := l.TouchActivity(ctx, "u1", testNow)
	if err != nil {
		t.Fatalf("TouchActivity() error = %v", err)
	}
	if st.CurrentStreakDays != 1 || st.TotalPoints != 0 {
		t.Errorf("TouchActivity() = %+v", st)
	}

	st, err = l.RecomputeLevel(ctx, "u1")
	if err != nil || st.CurrentLevel != 1 {
		t.Errorf("RecomputeLevel() = %d, %v; want 1", st.CurrentLevel, err)
	}
}
