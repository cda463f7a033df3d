// Package gamification keeps per-user points, level and streak. Every change
// goes through the Ledger as one versioned check-and-set per event.
package gamification

import (
	"errors"
	"time"
)

var (
	// ErrConcurrencyConflict is returned by a Store when the expected version
	// no longer matches, and by the Ledger once its retries are spent.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrDuplicateEvent is returned by a Store when the event key was already
	// credited.
	ErrDuplicateEvent = errors.New("duplicate event")
)

// UserState is the gamification record for one user. LastActivityDate is a
// calendar day stored as midnight UTC; the zero value means no activity yet.
type UserState struct {
	UserID            string    `json:"user_id"`
	TotalPoints       int64     `json:"total_points"`
	CurrentLevel      int       `json:"current_level"`
	CurrentStreakDays int       `json:"current_streak_days"`
	LongestStreakDays int       `json:"longest_streak_days"`
	LastActivityDate  time.Time `json:"last_activity_date,omitzero"`
	Version           int64     `json:"version"`
}

// NewUserState returns the initial record for a user: level 1, no points.
func NewUserState(userID string) UserState {
	return UserState{UserID: userID, CurrentLevel: 1}
}

// Rules are the level curve parameters.
type Rules struct {
	PointsPerLevel int
	MaxLevel       int
}

// DefaultRules returns 500 points per level capped at level 50.
func DefaultRules() Rules {
	return Rules{PointsPerLevel: 500, MaxLevel: 50}
}

// Day returns the calendar day of t in loc as midnight UTC.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// TouchActivity applies the streak rules for activity on day: the day after
// the last activity extends the streak, the same day changes nothing, and
// any later day starts a new streak of 1. A day before the last activity is
// ignored so a late retry cannot rewind the record.
func TouchActivity(s UserState, day time.Time) UserState {
	day = Day(day, time.UTC)
	last := s.LastActivityDate

	switch {
	case last.IsZero():
		s.CurrentStreakDays = 1
	case day.Equal(last):
		if s.CurrentStreakDays == 0 {
			s.CurrentStreakDays = 1
		}
	case day.Equal(last.AddDate(0, 0, 1)):
		s.CurrentStreakDays++
	case day.Before(last):
		return s
	default:
		s.CurrentStreakDays = 1
	}

	s.LongestStreakDays = max(s.LongestStreakDays, s.CurrentStreakDays)
	s.LastActivityDate = day
	return s
}

// RecomputeLevel sets CurrentLevel to floor(TotalPoints/PointsPerLevel)+1,
// capped at MaxLevel.
func RecomputeLevel(s UserState, r Rules) UserState {
	if r.PointsPerLevel <= 0 {
		r.PointsPerLevel = DefaultRules().PointsPerLevel
	}
	level := int(s.TotalPoints/int64(r.PointsPerLevel)) + 1
	if r.MaxLevel > 0 && level > r.MaxLevel {
		level = r.MaxLevel
	}
	s.CurrentLevel = level
	return s
}
