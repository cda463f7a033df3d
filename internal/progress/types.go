// Package progress owns enrollment and per-module completion state: the
// prerequisite resolver, the module progress tracker and the enrollment
// manager.
package progress

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an enrollment does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyEnrolled is returned when the user already has an ACTIVE
	// enrollment for the path. Match with errors.Is; the concrete
	// *AlreadyEnrolledError carries the existing enrollment id.
	ErrAlreadyEnrolled = errors.New("already enrolled")
	// ErrInvalidEnrollmentState is returned for operations on a COMPLETED or
	// DROPPED enrollment.
	ErrInvalidEnrollmentState = errors.New("invalid enrollment state")
	// ErrPrerequisiteNotMet is matched by *PrerequisiteError.
	ErrPrerequisiteNotMet = errors.New("prerequisite not met")
	// ErrQuizNotPassed is returned when a quiz-gated module has no passed attempt.
	ErrQuizNotPassed = errors.New("quiz not passed")
)

// AlreadyEnrolledError points the caller at the enrollment to use instead.
type AlreadyEnrolledError struct {
	EnrollmentID string
}

func (e *AlreadyEnrolledError) Error() string {
	return fmt.Sprintf("%s: active enrollment %s", ErrAlreadyEnrolled, e.EnrollmentID)
}

func (e *AlreadyEnrolledError) Unwrap() error { return ErrAlreadyEnrolled }

// PrerequisiteError lists the prerequisites that are not yet completed.
type PrerequisiteError struct {
	ModuleID string
	Unmet    []string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("%s: module %s requires %s", ErrPrerequisiteNotMet, e.ModuleID, strings.Join(e.Unmet, ", "))
}

func (e *PrerequisiteError) Unwrap() error { return ErrPrerequisiteNotMet }

// EnrollmentStatus is the enrollment lifecycle state.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "ACTIVE"
	EnrollmentCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentDropped   EnrollmentStatus = "DROPPED"
)

// Terminal reports whether no further transition is allowed.
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentDropped
}

// Enrollment is a user's attempt at one learning path.
type Enrollment struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	PathID          string           `json:"path_id"`
	Status          EnrollmentStatus `json:"status"`
	ProgressPercent int              `json:"progress_percent"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	DroppedAt       *time.Time       `json:"dropped_at,omitempty"`
	CertificateID   string           `json:"certificate_id,omitempty"`
}

// ModuleStatus is the per-module completion state. It never regresses.
type ModuleStatus string

const (
	ModuleNotStarted ModuleStatus = "NOT_STARTED"
	ModuleInProgress ModuleStatus = "IN_PROGRESS"
	ModuleCompleted  ModuleStatus = "COMPLETED"
)

// ModuleProgress is keyed by (EnrollmentID, ModuleID).
type ModuleProgress struct {
	EnrollmentID  string       `json:"enrollment_id"`
	ModuleID      string       `json:"module_id"`
	Status        ModuleStatus `json:"status"`
	PointsEarned  int          `json:"points_earned"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	BestQuizScore *int         `json:"best_quiz_score,omitempty"`
}

// Completed reports whether the module reached COMPLETED.
func (p ModuleProgress) Completed() bool {
	return p.Status == ModuleCompleted
}

// CompletionEvent is emitted once per first COMPLETED transition. The pair
// (EnrollmentID, ModuleID) is its idempotency key.
type CompletionEvent struct {
	EnrollmentID        string    `json:"enrollment_id"`
	ModuleID            string    `json:"module_id"`
	UserID              string    `json:"user_id"`
	PathID              string    `json:"path_id"`
	Points              int       `json:"points"`
	CompletedAt         time.Time `json:"completed_at"`
	EnrollmentCompleted bool      `json:"enrollment_completed"`
	CertificateID       string    `json:"certificate_id,omitempty"`
}

// Key returns the idempotency key for the event.
func (e CompletionEvent) Key() string {
	return e.EnrollmentID + ":" + e.ModuleID
}
