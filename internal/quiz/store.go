package quiz

import (
	"context"
	"fmt"
	"sync"
)

// Store persists quiz attempts. Append must serialize attempt numbering per
// (quiz, enrollment) so two concurrent submissions never share a number.
type Store interface {
	// Append assigns the next attempt number and persists the attempt. When
	// maxAttempts > 0 and the pair has used maxAttempts plus any granted
	// extras, it returns ErrAttemptsExhausted.
	Append(ctx context.Context, a Attempt, maxAttempts int) (Attempt, error)
	// List returns attempts ordered by attempt number.
	List(ctx context.Context, quizID, enrollmentID string) ([]Attempt, error)
	// Grant raises the attempt cap for the pair by extra.
	Grant(ctx context.Context, quizID, enrollmentID string, extra int) error
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	attempts map[string][]Attempt
	grants   map[string]int
	mu       sync.Mutex
}

// NewMemoryStore creates a new in-memory attempt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[string][]Attempt),
		grants:   make(map[string]int),
	}
}

func (s *MemoryStore) Append(ctx context.Context, a Attempt, maxAttempts int) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Attempt{}, err
	}

	key := pairKey(a.QuizID, a.EnrollmentID)
	existing := s.attempts[key]
	if maxAttempts > 0 && len(existing) >= maxAttempts+s.grants[key] {
		return Attempt{}, fmt.Errorf("%w: %d of %d used", ErrAttemptsExhausted, len(existing), maxAttempts+s.grants[key])
	}

	a.AttemptNumber = len(existing) + 1
	a.Answers = append([]int(nil), a.Answers...)
	s.attempts[key] = append(existing, a)
	return a, nil
}

func (s *MemoryStore) List(_ context.Context, quizID, enrollmentID string) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Attempt(nil), s.attempts[pairKey(quizID, enrollmentID)]...), nil
}

func (s *MemoryStore) Grant(_ context.Context, quizID, enrollmentID string, extra int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[pairKey(quizID, enrollmentID)] += extra
	return nil
}

func pairKey(quizID, enrollmentID string) string {
	return quizID + ":" + enrollmentID
}
