package leaderboard_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-learn/internal/directory"
	"github.com/p-n-ai/pai-learn/internal/leaderboard"
)

// Saturday 17 Oct 2026; the weekly window opened Monday 12 Oct.
var testNow = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newAggregator(board leaderboard.Board, c *clock) *leaderboard.Aggregator {
	dir := directory.NewMemoryDirectory(
		directory.User{ID: "ana", Department: "Sales"},
		directory.User{ID: "bo", Department: "sales"},
		directory.User{ID: "cy", Department: "Engineering"},
		directory.User{ID: "dee", Department: "Engineering"},
		directory.User{ID: "root", Role: directory.RoleAdmin, Department: "Sales"},
	)
	return leaderboard.NewAggregator(leaderboard.AggregatorConfig{
		Board:     board,
		Directory: dir,
		Calendar:  leaderboard.DefaultCalendar(),
		Now:       c.now,
	})
}

func credit(t *testing.T, a *leaderboard.Aggregator, user string, points int, at time.Time) {
	t.Helper()
	if err := a.OnPointsCredited(context.Background(), uuid.NewString(), user, points, at); err != nil {
		t.Fatalf("OnPointsCredited(%s) error = %v", user, err)
	}
}

func userIDs(entries []leaderboard.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.UserID
	}
	return out
}

func TestGetLeaderboard_RanksAndTies(t *testing.T) {
	c := &clock{t: testNow}
	a := newAggregator(nil, c)
	base := testNow.Add(-48 * time.Hour)

	credit(t, a, "ana", 50, base)
	credit(t, a, "bo", 100, base.Add(time.Hour))
	credit(t, a, "cy", 100, base.Add(2*time.Hour)) // ties bo, reached later
	credit(t, a, "dee", 30, base)
	credit(t, a, "ana", 50, base.Add(3*time.Hour)) // ana reaches 100 last
	credit(t, a, "root", 1000, base)

	snap, err := a.GetLeaderboard(context.Background(), leaderboard.Weekly, "", 10)
	if err != nil {
		t.Fatalf("GetLeaderboard() error = %v", err)
	}
	got := fmt.Sprint(userIDs(snap.Entries))
	if want := "[bo cy ana dee]"; got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
	for i, e := range snap.Entries {
		if e.Rank != i+1 {
			t.Errorf("entries[%d].Rank = %d, want %d", i, e.Rank, i+1)
		}
		if e.RankChange != 0 {
			t.Errorf("entries[%d].RankChange = %d, want 0 without a previous window", i, e.RankChange)
		}
	}
	if !snap.WindowStart.Equal(time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("WindowStart = %v", snap.WindowStart)
	}

	top2, _ := a.GetLeaderboard(context.Background(), leaderboard.Weekly, "", 2)
	if got := fmt.Sprint(userIDs(top2.Entries)); got != "[bo cy]" {
		t.Errorf("top 2 = %s, want [bo cy]", got)
	}
}

func TestGetLeaderboard_DepartmentFilter(t *testing.T) {
	c := &clock{t: testNow}
	a := newAggregator(nil, c)

	credit(t, a, "ana", 10, testNow)
	credit(t, a, "bo", 20, testNow)
	credit(t, a, "cy", 30, testNow)

	snap, err := a.GetLeaderboard(context.Background(), leaderboard.Monthly, " SALES ", 10)
	if err != nil {
		t.Fatalf("GetLeaderboard() error = %v", err)
	}
	if got := fmt.Sprint(userIDs(snap.Entries)); got != "[bo ana]" {
		t.Errorf("sales = %s, want [bo ana]", got)
	}

	empty, err := a.GetLeaderboard(context.Background(), leaderboard.Monthly, "Legal", 10)
	if err != nil || len(empty.Entries) != 0 {
		t.Errorf("Legal = %v, %v; want empty", empty.Entries, err)
	}
}

func TestGetLeaderboard_OnlyCurrentWindow(t *testing.T) {
	c := &clock{t: testNow}
	a := newAggregator(nil, c)

	credit(t, a, "ana", 500, testNow.AddDate(0, 0, -7)) // last week
	credit(t, a, "bo", 10, testNow)

	snap, _ := a.GetLeaderboard(context.Background(), leaderboard.Weekly, "", 10)
	if got := fmt.Sprint(userIDs(snap.Entries)); got != "[bo]" {
		t.Errorf("weekly = %s, want [bo]", got)
	}
	monthly, _ := a.GetLeaderboard(context.Background(), leaderboard.Monthly, "", 10)
	if got := fmt.Sprint(userIDs(monthly.Entries)); got != "[ana bo]" {
		t.Errorf("monthly = %s, want [ana bo]", got)
	}
}

func TestGetLeaderboard_RankChange(t *testing.T) {
	c := &clock{t: testNow.AddDate(0, 0, -7)}
	a := newAggregator(nil, c)
	lastWeek := c.t

	credit(t, a, "ana", 300, lastWeek)
	credit(t, a, "bo", 200, lastWeek)
	credit(t, a, "cy", 100, lastWeek)

	c.t = testNow
	if err := a.FreezeClosed(context.Background(), c.t); err != nil {
		t.Fatalf("FreezeClosed() error = %v", err)
	}

	credit(t, a, "cy", 90, testNow)
	credit(t, a, "ana", 50, testNow)
	credit(t, a, "dee", 10, testNow)

	snap, err := a.GetLeaderboard(context.Background(), leaderboard.Weekly, "", 10)
	if err != nil {
		t.Fatalf("GetLeaderboard() error = %v", err)
	}
	want := map[string]int{"cy": 1 - 3, "ana": 2 - 1, "dee": 0}
	for _, e := range snap.Entries {
		if e.RankChange != want[e.UserID] {
			t.Errorf("%s RankChange = %d, want %d", e.UserID, e.RankChange, want[e.UserID])
		}
	}

	// Late credits to the closed window do not move the frozen baseline.
	credit(t, a, "bo", 1000, lastWeek)
	again, _ := a.GetLeaderboard(context.Background(), leaderboard.Weekly, "", 10)
	for _, e := range again.Entries {
		if e.RankChange != want[e.UserID] {
			t.Errorf("after late credit %s RankChange = %d, want %d", e.UserID, e.RankChange, want[e.UserID])
		}
	}
}

func TestGetLeaderboard_LazyFreeze(t *testing.T) {
	c := &clock{t: testNow.AddDate(0, 0, -7)}
	board := leaderboard.NewMemoryBoard()
	a := newAggregator(board, c)

	credit(t, a, "ana", 10, c.t)
	credit(t, a, "bo", 20, c.t)
	c.t = testNow
	credit(t, a, "ana", 10, c.t)

	snap, err := a.GetLeaderboard(context.Background(), leaderboard.Weekly, "", 10)
	if err != nil {
		t.Fatalf("GetLeaderboard() error = %v", err)
	}
	if len(snap.Entries) != 1 || snap.Entries[0].RankChange != 1-2 {
		t.Errorf("entries = %+v, want ana with rank change -1", snap.Entries)
	}

	prev := leaderboard.Bucket{Period: leaderboard.Weekly, Start: time.Date(2026, 10, 5, 0, 0, 0, 0, time.UTC), Scope: leaderboard.ScopeAll}
	if _, frozen, _ := board.Frozen(context.Background(), prev); !frozen {
		t.Error("previous window should be frozen after the first read")
	}
}

func TestFreeze_RefusesOpenWindow(t *testing.T) {
	c := &clock{t: testNow}
	a := newAggregator(nil, c)
	open := leaderboard.Bucket{Period: leaderboard.Weekly, Start: time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), Scope: leaderboard.ScopeAll}
	if _, err := a.Freeze(context.Background(), open); err == nil {
		t.Error("Freeze() of the current window should fail")
	}
}

func TestGetLeaderboard_Monotonic(t *testing.T) {
	c := &clock{t: testNow}
	a := newAggregator(nil, c)
	rng := rand.New(rand.NewSource(7))

	users := []string{"ana", "bo", "cy", "dee", "eve", "fin", "gus"}
	for i := 0; i < 200; i++ {
		u := users[rng.Intn(len(users))]
		credit(t, a, u, 1+rng.Intn(50), testNow.Add(-time.Duration(rng.Intn(100))*time.Minute))
	}

	for _, dept := range []string{"", "Sales", "Engineering"} {
		snap, err := a.GetLeaderboard(context.Background(), leaderboard.Weekly, dept, 0)
		if err != nil {
			t.Fatalf("GetLeaderboard(%q) error = %v", dept, err)
		}
		for i := 0; i+1 < len(snap.Entries); i++ {
			if snap.Entries[i].Points < snap.Entries[i+1].Points {
				t.Errorf("%q: entries[%d]=%d < entries[%d]=%d", dept, i, snap.Entries[i].Points, i+1, snap.Entries[i+1].Points)
			}
		}
	}
}

func TestWriteXLSX(t *testing.T) {
	snap := leaderboard.Snapshot{
		Period:      leaderboard.Weekly,
		WindowStart: time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
		Entries: []leaderboard.Entry{
			{UserID: "bo", Points: 100, Rank: 1, RankChange: -2},
			{UserID: "ana", Points: 50, Rank: 2},
		},
	}

	var buf bytes.Buffer
	if err := leaderboard.WriteXLSX(&buf, snap); err != nil {
		t.Fatalf("WriteXLSX() error = %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Leaderboard")
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("len(rows) = %d, want 4", len(rows))
	}
	if got := fmt.Sprint(rows[1]); got != "[Rank User Points Rank change]" {
		t.Errorf("header = %s", got)
	}
	if got := fmt.Sprint(rows[2]); got != "[1 bo 100 -2]" {
		t.Errorf("first row = %s, want [1 bo 100 -2]", got)
	}
}

// lostReplyBoard applies every award but fails the first failures calls, as
// when the write lands and the reply is lost.
type lostReplyBoard struct {
	leaderboard.Board
	failures int
	calls    int
}

func (b *lostReplyBoard) Add(ctx context.Context, a leaderboard.Award) (bool, error) {
	b.calls++
	applied, err := b.Board.Add(ctx, a)
	if err != nil {
		return applied, err
	}
	if b.failures > 0 {
		b.failures--
		return false, errors.New("connection reset")
	}
	return applied, nil
}

func TestOnPointsCredited_RedeliveryCountsOnce(t *testing.T) {
	c := &clock{t: testNow}
	board := &lostReplyBoard{Board: leaderboard.NewMemoryBoard(), failures: 1}
	a := newAggregator(board, c)
	ctx := context.Background()

	if err := a.OnPointsCredited(ctx, "e1:m1", "ana", 50, testNow); err == nil {
		t.Fatal("first delivery error = nil, want error")
	}
	if err := a.OnPointsCredited(ctx, "e1:m1", "ana", 50, testNow); err != nil {
		t.Fatalf("redelivery error = %v", err)
	}
	if board.calls != 2 {
		t.Errorf("board writes = %d, want 2", board.calls)
	}

	for _, tt := range []struct {
		period leaderboard.Period
		dept   string
	}{
		{leaderboard.Weekly, ""},
		{leaderboard.Weekly, "Sales"},
		{leaderboard.Monthly, ""},
		{leaderboard.Monthly, "sales"},
	} {
		snap, err := a.GetLeaderboard(ctx, tt.period, tt.dept, 0)
		if err != nil {
			t.Fatalf("GetLeaderboard(%s, %q) error = %v", tt.period, tt.dept, err)
		}
		if len(snap.Entries) != 1 || snap.Entries[0].Points != 50 {
			t.Errorf("GetLeaderboard(%s, %q) = %+v, want ana with 50", tt.period, tt.dept, snap.Entries)
		}
	}
}

func TestOnPointsCredited_DistinctKeysAccumulate(t *testing.T) {
	c := &clock{t: testNow}
	a := newAggregator(leaderboard.NewMemoryBoard(), c)
	ctx := context.Background()

	for _, key := range []string{"e1:m1", "e1:m2", "e1:m1"} {
		if err := a.OnPointsCredited(ctx, key, "bo", 20, testNow); err != nil {
			t.Fatalf("OnPointsCredited(%s) error = %v", key, err)
		}
	}
	snap, _ := a.GetLeaderboard(ctx, leaderboard.Weekly, "", 0)
	if len(snap.Entries) != 1 || snap.Entries[0].Points != 40 {
		t.Errorf("entries = %+v, want bo with 40", snap.Entries)
	}
}
