package leaderboard

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Bucket identifies one ranked list: a period window for a scope.
type Bucket struct {
	Period Period
	Start  time.Time
	Scope  string
}

// Key renders the bucket as a stable string, e.g.
// "WEEKLY:2026-10-12T00:00:00Z:all".
func (b Bucket) Key() string {
	return string(b.Period) + ":" + b.Start.UTC().Format(time.RFC3339) + ":" + b.Scope
}

// Entry is one ranked row. RankChange is current rank minus the rank in the
// preceding closed window, 0 when the user was not ranked there.
type Entry struct {
	UserID     string    `json:"user_id"`
	Points     int64     `json:"points"`
	Rank       int       `json:"rank"`
	RankChange int       `json:"rank_change"`
	ReachedAt  time.Time `json:"reached_at"`
}

// Award is one point credit spread over the buckets it counts toward.
type Award struct {
	// Key identifies the credit. An award whose Key was already applied is
	// skipped; an empty Key is never deduplicated.
	Key     string
	UserID  string
	Points  int64
	At      time.Time
	Buckets []Bucket
}

// Board stores bucket totals and frozen ranks.
type Board interface {
	// Add increments the user's points in every bucket of a and records At as
	// the time each new total was reached. The buckets are updated together
	// or not at all. It reports false when a.Key was already applied.
	Add(ctx context.Context, a Award) (bool, error)
	// Top returns the first limit entries in rank order; limit <= 0 returns
	// all of them.
	Top(ctx context.Context, b Bucket, limit int) ([]Entry, error)
	// Scopes lists the scopes that have entries for the period window.
	Scopes(ctx context.Context, p Period, start time.Time) ([]string, error)
	// Freeze stores final ranks for a closed bucket. Freezing twice keeps
	// the first result.
	Freeze(ctx context.Context, b Bucket, ranks map[string]int) error
	// Frozen returns the frozen ranks and whether the bucket was frozen.
	Frozen(ctx context.Context, b Bucket) (map[string]int, bool, error)
}

// sortEntries orders by points descending, then earlier ReachedAt, then
// user id, and assigns 1-based ranks.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Points != b.Points {
			return a.Points > b.Points
		}
		if !a.ReachedAt.Equal(b.ReachedAt) {
			return a.ReachedAt.Before(b.ReachedAt)
		}
		return a.UserID < b.UserID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
}

func truncate(entries []Entry, limit int) []Entry {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}

// MemoryBoard is an in-memory Board.
type MemoryBoard struct {
	buckets map[string]map[string]*Entry
	scopes  map[string]map[string]struct{}
	frozen  map[string]map[string]int
	applied map[string]struct{}
	mu      sync.RWMutex
}

// NewMemoryBoard creates an empty board.
func NewMemoryBoard() *MemoryBoard {
	return &MemoryBoard{
		buckets: make(map[string]map[string]*Entry),
		scopes:  make(map[string]map[string]struct{}),
		frozen:  make(map[string]map[string]int),
		applied: make(map[string]struct{}),
	}
}

func windowKey(p Period, start time.Time) string {
	return string(p) + ":" + start.UTC().Format(time.RFC3339)
}

func (m *MemoryBoard) Add(_ context.Context, a Award) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.Key != "" {
		if _, ok := m.applied[a.Key]; ok {
			return false, nil
		}
		m.applied[a.Key] = struct{}{}
	}
	for _, b := range a.Buckets {
		key := b.Key()
		rows, ok := m.buckets[key]
		if !ok {
			rows = make(map[string]*Entry)
			m.buckets[key] = rows
		}
		e, ok := rows[a.UserID]
		if !ok {
			e = &Entry{UserID: a.UserID}
			rows[a.UserID] = e
		}
		e.Points += a.Points
		e.ReachedAt = a.At

		wk := windowKey(b.Period, b.Start)
		if m.scopes[wk] == nil {
			m.scopes[wk] = make(map[string]struct{})
		}
		m.scopes[wk][b.Scope] = struct{}{}
	}
	return true, nil
}

func (m *MemoryBoard) Top(_ context.Context, b Bucket, limit int) ([]Entry, error) {
	m.mu.RLock()
	rows := m.buckets[b.Key()]
	entries := make([]Entry, 0, len(rows))
	for _, e := range rows {
		entries = append(entries, *e)
	}
	m.mu.RUnlock()

	sortEntries(entries)
	return truncate(entries, limit), nil
}

func (m *MemoryBoard) Scopes(_ context.Context, p Period, start time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for s := range m.scopes[windowKey(p, start)] {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryBoard) Freeze(_ context.Context, b Bucket, ranks map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := b.Key()
	if _, done := m.frozen[key]; done {
		return nil
	}
	copied := make(map[string]int, len(ranks))
	for k, v := range ranks {
		copied[k] = v
	}
	m.frozen[key] = copied
	return nil
}

func (m *MemoryBoard) Frozen(_ context.Context, b Bucket) (map[string]int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ranks, ok := m.frozen[b.Key()]
	if !ok {
		return nil, false, nil
	}
	copied := make(map[string]int, len(ranks))
	for k, v := range ranks {
		copied[k] = v
	}
	return copied, true, nil
}
