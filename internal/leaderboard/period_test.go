package leaderboard_test

import (
	"testing"
	"time"

	"github.com/p-n-ai/pai-learn/internal/leaderboard"
)

func TestCalendarWindow(t *testing.T) {
	utc := leaderboard.DefaultCalendar()
	friday9 := leaderboard.Calendar{Location: time.UTC, WeeklyResetDay: time.Friday, WeeklyResetHour: 9}

	tests := []struct {
		name      string
		cal       leaderboard.Calendar
		period    leaderboard.Period
		at        time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			"weekly midweek",
			utc, leaderboard.Weekly,
			time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC), // Saturday
			time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
		},
		{
			"weekly on boundary",
			utc, leaderboard.Weekly,
			time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 10, 26, 0, 0, 0, 0, time.UTC),
		},
		{
			"weekly just before boundary",
			utc, leaderboard.Weekly,
			time.Date(2026, 10, 18, 23, 59, 59, 0, time.UTC),
			time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
		},
		{
			"custom weekday before reset hour",
			friday9, leaderboard.Weekly,
			time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC), // Friday 08:00
			time.Date(2026, 10, 9, 9, 0, 0, 0, time.UTC),
			time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
		},
		{
			"monthly",
			utc, leaderboard.Monthly,
			time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC),
			time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			"monthly december rolls year",
			utc, leaderboard.Monthly,
			time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC),
			time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.cal.Window(tt.period, tt.at)
			if !w.Start.Equal(tt.wantStart) || !w.End.Equal(tt.wantEnd) {
				t.Errorf("Window() = [%v, %v), want [%v, %v)", w.Start, w.End, tt.wantStart, tt.wantEnd)
			}
			if !w.Contains(tt.at) {
				t.Errorf("window does not contain %v", tt.at)
			}
		})
	}
}

func TestCalendarWindow_Timezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	cal := leaderboard.Calendar{Location: ny, WeeklyResetDay: time.Monday}

	// 02:00 UTC Monday is still Sunday evening in New York.
	at := time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC)
	w := cal.Window(leaderboard.Weekly, at)
	want := time.Date(2026, 10, 12, 0, 0, 0, 0, ny)
	if !w.Start.Equal(want) {
		t.Errorf("Start = %v, want %v", w.Start, want)
	}
}

func TestCalendarPrevious(t *testing.T) {
	cal := leaderboard.DefaultCalendar()
	at := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	prevWeek := cal.Previous(leaderboard.Weekly, cal.Window(leaderboard.Weekly, at))
	if want := time.Date(2026, 10, 5, 0, 0, 0, 0, time.UTC); !prevWeek.Start.Equal(want) {
		t.Errorf("previous week = %v, want %v", prevWeek.Start, want)
	}
	prevMonth := cal.Previous(leaderboard.Monthly, cal.Window(leaderboard.Monthly, at))
	if want := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC); !prevMonth.Start.Equal(want) {
		t.Errorf("previous month = %v, want %v", prevMonth.Start, want)
	}
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		in      string
		want    leaderboard.Period
		wantErr bool
	}{
		{"weekly", leaderboard.Weekly, false},
		{"MONTHLY", leaderboard.Monthly, false},
		{" Weekly ", leaderboard.Weekly, false},
		{"daily", "", true},
	}
	for _, tt := range tests {
		got, err := leaderboard.ParsePeriod(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePeriod(%q) = %q, %v; want %q, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestDepartmentKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Sales Ops", "sales-ops"},
		{"  SALES   ops ", "sales-ops"},
		{"ÉQUIPE Nord", "équipe-nord"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := leaderboard.DepartmentKey(tt.in); got != tt.want {
			t.Errorf("DepartmentKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := leaderboard.Scope(""); got != leaderboard.ScopeAll {
		t.Errorf("Scope(\"\") = %q, want %q", got, leaderboard.ScopeAll)
	}
	if got := leaderboard.Scope("Sales"); got != "dept:sales" {
		t.Errorf("Scope(Sales) = %q, want dept:sales", got)
	}
}
