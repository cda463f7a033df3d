package gamification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// LedgerConfig holds dependencies for the ledger.
type LedgerConfig struct {
	Store      Store
	Rules      Rules
	Location   *time.Location // calendar used for streak days; UTC when nil
	MaxRetries int            // version conflicts retried before giving up; 5 when 0
	Now        func() time.Time
}

// Ledger is the only writer of UserState.
type Ledger struct {
	store      Store
	rules      Rules
	loc        *time.Location
	maxRetries int
	now        func() time.Time
}

// NewLedger creates a ledger. A nil store defaults to an in-memory one.
func NewLedger(cfg LedgerConfig) *Ledger {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	rules := cfg.Rules
	if rules.PointsPerLevel <= 0 {
		rules = DefaultRules()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 5
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, rules: rules, loc: loc, maxRetries: retries, now: now}
}

// Credit is one completion worth of points. EventKey identifies the
// completion; a key is credited at most once.
type Credit struct {
	EventKey string
	UserID   string
	Points   int
	At       time.Time
}

// CreditResult reports the state after a credit. Duplicate is true when the
// key had already been credited and nothing changed.
type CreditResult struct {
	State     UserState
	Previous  UserState
	Duplicate bool
	LeveledUp bool
}

// CreditCompletion adds the points, touches the streak for the credit's day
// and recomputes the level as one check-and-set.
func (l *Ledger) CreditCompletion(ctx context.Context, c Credit) (CreditResult, error) {
	if c.EventKey == "" {
		return CreditResult{}, fmt.Errorf("event key is required")
	}
	if c.Points < 0 {
		return CreditResult{}, fmt.Errorf("points must be >= 0, got %d", c.Points)
	}
	at := c.At
	if at.IsZero() {
		at = l.now()
	}

	res, err := l.apply(ctx, c.UserID, c.EventKey, c.Points, func(s UserState) UserState {
		s.TotalPoints += int64(c.Points)
		s = TouchActivity(s, Day(at, l.loc))
		return RecomputeLevel(s, l.rules)
	})
	if err != nil {
		return CreditResult{}, err
	}

	if res.Duplicate {
		slog.Debug("duplicate credit dropped", "event_key", c.EventKey, "user_id", c.UserID)
		return res, nil
	}
	slog.Info("points credited",
		"user_id", c.UserID,
		"event_key", c.EventKey,
		"points", c.Points,
		"total_points", res.State.TotalPoints,
		"level", res.State.CurrentLevel,
		"streak_days", res.State.CurrentStreakDays,
	)
	return res, nil
}

// TouchActivity records activity for the user without crediting points.
func (l *Ledger) TouchActivity(ctx context.Context, userID string, at time.Time) (UserState, error) {
	res, err := l.apply(ctx, userID, "", 0, func(s UserState) UserState {
		return TouchActivity(s, Day(at, l.loc))
	})
	if err != nil {
		return UserState{}, err
	}
	return res.State, nil
}

// RecomputeLevel re-derives the level from the stored total, for use after a
// change to the level rules.
func (l *Ledger) RecomputeLevel(ctx context.Context, userID string) (UserState, error) {
	res, err := l.apply(ctx, userID, "", 0, func(s UserState) UserState {
		return RecomputeLevel(s, l.rules)
	})
	if err != nil {
		return UserState{}, err
	}
	return res.State, nil
}

// State returns the user's current record.
func (l *Ledger) State(ctx context.Context, userID string) (UserState, error) {
	return l.store.Get(ctx, userID)
}

func (l *Ledger) apply(ctx context.Context, userID, eventKey string, points int, mutate func(UserState) UserState) (CreditResult, error) {
	if userID == "" {
		return CreditResult{}, fmt.Errorf("user id is required")
	}

	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		current, err := l.store.Get(ctx, userID)
		if err != nil {
			return CreditResult{}, err
		}

		next := mutate(current)
		err = l.store.Apply(ctx, next, current.Version, eventKey, points)
		switch {
		case err == nil:
			next.Version = current.Version + 1
			return CreditResult{
				State:     next,
				Previous:  current,
				LeveledUp: next.CurrentLevel > current.CurrentLevel,
			}, nil
		case errors.Is(err, ErrDuplicateEvent):
			return CreditResult{State: current, Previous: current, Duplicate: true}, nil
		case errors.Is(err, ErrConcurrencyConflict):
			slog.Debug("ledger version conflict, retrying", "user_id", userID, "attempt", attempt)
			continue
		default:
			return CreditResult{}, err
		}
	}
	return CreditResult{}, fmt.Errorf("%w: user %s after %d attempts", ErrConcurrencyConflict, userID, l.maxRetries)
}
