package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/p-n-ai/pai-learn/internal/catalog"
	"github.com/p-n-ai/pai-learn/internal/gamification"
	"github.com/p-n-ai/pai-learn/internal/progress"
	"github.com/p-n-ai/pai-learn/internal/quiz"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error          string   `json:"error"`
	Code           string   `json:"code"`
	EnrollmentID   string   `json:"enrollment_id,omitempty"`
	UnmetModuleIDs []string `json:"unmet_module_ids,omitempty"`
}

// errBadRequest marks request validation failures raised by the handlers.
var errBadRequest = errors.New("bad request")

func classify(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}

	var already *progress.AlreadyEnrolledError
	var prereq *progress.PrerequisiteError
	switch {
	case errors.As(err, &already):
		body.Code = "already_enrolled"
		body.EnrollmentID = already.EnrollmentID
		return http.StatusConflict, body
	case errors.As(err, &prereq):
		body.Code = "prerequisite_not_met"
		body.UnmetModuleIDs = prereq.Unmet
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, progress.ErrQuizNotPassed):
		body.Code = "quiz_not_passed"
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, progress.ErrInvalidEnrollmentState):
		body.Code = "invalid_enrollment_state"
		return http.StatusConflict, body
	case errors.Is(err, quiz.ErrAttemptsExhausted):
		body.Code = "attempts_exhausted"
		return http.StatusTooManyRequests, body
	case errors.Is(err, quiz.ErrInvalidAnswers):
		body.Code = "invalid_answers"
		return http.StatusBadRequest, body
	case errors.Is(err, progress.ErrNotFound), errors.Is(err, catalog.ErrNotFound), errors.Is(err, quiz.ErrNotFound):
		body.Code = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, gamification.ErrConcurrencyConflict):
		body.Code = "concurrency_conflict"
		return http.StatusServiceUnavailable, body
	case errors.Is(err, errBadRequest):
		body.Code = "bad_request"
		return http.StatusBadRequest, body
	default:
		body.Code = "internal"
		body.Error = "internal error"
		return http.StatusInternalServerError, body
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	} else {
		slog.Debug("request rejected",
			"method", r.Method,
			"path", r.URL.Path,
			"code", body.Code,
			"error", err,
		)
	}
	writeJSON(w, status, body)
}
