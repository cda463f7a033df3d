// Package leaderboard ranks users by points earned within weekly and monthly
// windows, overall and per department.
package leaderboard

import (
	"fmt"
	"strings"
	"time"
)

// Period is a leaderboard window length.
type Period string

const (
	Weekly  Period = "WEEKLY"
	Monthly Period = "MONTHLY"
)

// Periods lists every supported period.
func Periods() []Period {
	return []Period{Weekly, Monthly}
}

// ParsePeriod accepts "weekly"/"monthly" in any case.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToUpper(strings.TrimSpace(s))); p {
	case Weekly, Monthly:
		return p, nil
	default:
		return "", fmt.Errorf("unknown leaderboard period %q", s)
	}
}

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Calendar places instants into period windows. Weekly windows open on
// WeeklyResetDay at WeeklyResetHour; monthly windows open on the 1st at
// midnight. Both are evaluated in Location.
type Calendar struct {
	Location        *time.Location
	WeeklyResetDay  time.Weekday
	WeeklyResetHour int
}

// DefaultCalendar resets weekly on Monday 00:00 UTC.
func DefaultCalendar() Calendar {
	return Calendar{Location: time.UTC, WeeklyResetDay: time.Monday}
}

func (c Calendar) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// Window returns the window of period p containing t.
func (c Calendar) Window(p Period, t time.Time) Window {
	lt := t.In(c.loc())

	if p == Monthly {
		start := time.Date(lt.Year(), lt.Month(), 1, 0, 0, 0, 0, c.loc())
		return Window{Start: start, End: start.AddDate(0, 1, 0)}
	}

	start := time.Date(lt.Year(), lt.Month(), lt.Day(), c.WeeklyResetHour, 0, 0, 0, c.loc())
	back := (int(lt.Weekday()) - int(c.WeeklyResetDay) + 7) % 7
	start = start.AddDate(0, 0, -back)
	if start.After(lt) {
		start = start.AddDate(0, 0, -7)
	}
	return Window{Start: start, End: start.AddDate(0, 0, 7)}
}

// Previous returns the window immediately before w.
func (c Calendar) Previous(p Period, w Window) Window {
	return c.Window(p, w.Start.Add(-time.Nanosecond))
}
