package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/p-n-ai/pai-learn/internal/directory"
)

// AggregatorConfig holds dependencies for the aggregator.
type AggregatorConfig struct {
	Board        Board
	Directory    directory.Directory
	Calendar     Calendar
	DefaultLimit int
	Now          func() time.Time
}

// Aggregator turns point credits into ranked period snapshots. Reads may lag
// writes; nothing here sits on the module completion path.
type Aggregator struct {
	board        Board
	dir          directory.Directory
	cal          Calendar
	defaultLimit int
	now          func() time.Time
}

// NewAggregator creates an aggregator. A nil Board defaults to an in-memory
// one.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	board := cfg.Board
	if board == nil {
		board = NewMemoryBoard()
	}
	limit := cfg.DefaultLimit
	if limit <= 0 {
		limit = 10
	}
	cal := cfg.Calendar
	if cal == (Calendar{}) {
		cal = DefaultCalendar()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Aggregator{board: board, dir: cfg.Directory, cal: cal, defaultLimit: limit, now: now}
}

// Snapshot is a ranked view of one bucket.
type Snapshot struct {
	Period      Period    `json:"period"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Department  string    `json:"department,omitempty"`
	Entries     []Entry   `json:"entries"`
}

// OnPointsCredited adds points to the window containing at, in the all-users
// bucket and the user's department bucket. ADMIN users are never ranked.
// Every bucket is updated in one write; a redelivered eventKey is a no-op.
func (a *Aggregator) OnPointsCredited(ctx context.Context, eventKey, userID string, points int, at time.Time) error {
	if points <= 0 {
		return nil
	}

	var dept string
	if a.dir != nil {
		u, err := a.dir.Lookup(ctx, userID)
		switch {
		case errors.Is(err, directory.ErrNotFound):
			slog.Debug("leaderboard user not in directory", "user_id", userID)
		case err != nil:
			return err
		case u.IsAdmin():
			return nil
		default:
			dept = u.Department
		}
	}

	scopes := []string{ScopeAll}
	if s := Scope(dept); s != ScopeAll {
		scopes = append(scopes, s)
	}
	award := Award{Key: eventKey, UserID: userID, Points: int64(points), At: at}
	for _, p := range Periods() {
		w := a.cal.Window(p, at)
		for _, scope := range scopes {
			award.Buckets = append(award.Buckets, Bucket{Period: p, Start: w.Start, Scope: scope})
		}
	}
	applied, err := a.board.Add(ctx, award)
	if err != nil {
		return err
	}
	if !applied {
		slog.Debug("leaderboard credit already applied", "event_key", eventKey, "user_id", userID)
	}
	return nil
}

// GetLeaderboard returns the top entries of the current window for the
// period, optionally filtered to one department. The preceding window is
// frozen on first use if the scheduler has not done so yet.
func (a *Aggregator) GetLeaderboard(ctx context.Context, p Period, department string, limit int) (Snapshot, error) {
	if limit <= 0 {
		limit = a.defaultLimit
	}
	w := a.cal.Window(p, a.now())
	scope := Scope(department)
	current := Bucket{Period: p, Start: w.Start, Scope: scope}
	previous := Bucket{Period: p, Start: a.cal.Previous(p, w).Start, Scope: scope}

	baseline, err := a.baseline(ctx, previous)
	if err != nil {
		return Snapshot{}, err
	}
	entries, err := a.board.Top(ctx, current, limit)
	if err != nil {
		return Snapshot{}, err
	}
	for i := range entries {
		if prev, ok := baseline[entries[i].UserID]; ok {
			entries[i].RankChange = entries[i].Rank - prev
		}
	}
	if entries == nil {
		entries = []Entry{}
	}

	return Snapshot{
		Period:      p,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		Department:  department,
		Entries:     entries,
	}, nil
}

func (a *Aggregator) baseline(ctx context.Context, b Bucket) (map[string]int, error) {
	ranks, ok, err := a.board.Frozen(ctx, b)
	if err != nil {
		return nil, err
	}
	if ok {
		return ranks, nil
	}
	return a.Freeze(ctx, b)
}

// Freeze stores the final ranks of a bucket. It refuses buckets whose window
// is still open.
func (a *Aggregator) Freeze(ctx context.Context, b Bucket) (map[string]int, error) {
	w := a.cal.Window(b.Period, b.Start)
	if a.now().Before(w.End) {
		return nil, fmt.Errorf("window %s for %s is still open", w.Start.Format(time.RFC3339), b.Period)
	}

	entries, err := a.board.Top(ctx, b, 0)
	if err != nil {
		return nil, err
	}
	ranks := make(map[string]int, len(entries))
	for _, e := range entries {
		ranks[e.UserID] = e.Rank
	}
	if err := a.board.Freeze(ctx, b, ranks); err != nil {
		return nil, err
	}
	// Another freezer may have won; read back what is stored.
	stored, _, err := a.board.Frozen(ctx, b)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// FreezeClosed freezes every scope of the window that closed most recently
// before at, for each period.
func (a *Aggregator) FreezeClosed(ctx context.Context, at time.Time) error {
	var errs []error
	for _, p := range Periods() {
		prev := a.cal.Previous(p, a.cal.Window(p, at))
		scopes, err := a.board.Scopes(ctx, p, prev.Start)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, scope := range scopes {
			b := Bucket{Period: p, Start: prev.Start, Scope: scope}
			if _, err := a.Freeze(ctx, b); err != nil {
				errs = append(errs, fmt.Errorf("freeze %s: %w", b.Key(), err))
			}
		}
		slog.Info("leaderboard window frozen",
			"period", string(p),
			"window_start", prev.Start.Format(time.RFC3339),
			"scopes", len(scopes),
		)
	}
	return errors.Join(errs...)
}

// Calendar returns the aggregator's calendar.
func (a *Aggregator) Calendar() Calendar {
	return a.cal
}
