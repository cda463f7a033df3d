package gamification

import (
	"context"
	"fmt"
	"sync"
)

// Store persists user state with optimistic versioning.
type Store interface {
	// Get returns the stored state, or NewUserState at version 0 when the user
	// has none yet.
	Get(ctx context.Context, userID string) (UserState, error)
	// Apply writes next if the stored version equals expectedVersion, and
	// records eventKey as credited in the same atomic unit. An empty eventKey
	// skips the idempotency record. It returns ErrConcurrencyConflict on a
	// version mismatch and ErrDuplicateEvent when eventKey was seen before;
	// in both cases nothing is written.
	Apply(ctx context.Context, next UserState, expectedVersion int64, eventKey string, points int) error
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	states  map[string]UserState
	credits map[string]struct{}
	mu      sync.Mutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:  make(map[string]UserState),
		credits: make(map[string]struct{}),
	}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (UserState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.states[userID]; ok {
		return st, nil
	}
	return NewUserState(userID), nil
}

func (s *MemoryStore) Apply(ctx context.Context, next UserState, expectedVersion int64, eventKey string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if eventKey != "" {
		if _, seen := s.credits[eventKey]; seen {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, eventKey)
		}
	}
	var current int64
	if st, ok := s.states[next.UserID]; ok {
		current = st.Version
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: user %s at version %d, expected %d", ErrConcurrencyConflict, next.UserID, current, expectedVersion)
	}

	next.Version = expectedVersion + 1
	s.states[next.UserID] = next
	if eventKey != "" {
		s.credits[eventKey] = struct{}{}
	}
	return nil
}
