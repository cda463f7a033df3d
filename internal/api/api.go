// Package api serves the learning engine over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/p-n-ai/pai-learn/internal/gamification"
	"github.com/p-n-ai/pai-learn/internal/leaderboard"
	"github.com/p-n-ai/pai-learn/internal/learning"
	"github.com/p-n-ai/pai-learn/internal/progress"
	"github.com/p-n-ai/pai-learn/internal/quiz"
)

const maxBodyBytes = 1 << 20

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Service is the set of operations the API exposes.
type Service interface {
	Enroll(ctx context.Context, userID, pathID string) (progress.Enrollment, error)
	DropEnrollment(ctx context.Context, enrollmentID string) (progress.Enrollment, error)
	DropEnrollments(ctx context.Context, enrollmentIDs []string) []progress.DropResult
	StartModule(ctx context.Context, enrollmentID, moduleID string) (progress.ModuleProgress, error)
	CompleteModule(ctx context.Context, enrollmentID, moduleID string) (learning.Completion, error)
	SubmitQuizAttempt(ctx context.Context, quizID, enrollmentID string, answers []int) (quiz.Attempt, error)
	Attempts(ctx context.Context, quizID, enrollmentID string) ([]quiz.Attempt, error)
	GrantQuizAttempts(ctx context.Context, quizID, enrollmentID string, extra int) error
	GetProgressSummary(ctx context.Context, enrollmentID string) (progress.Summary, error)
	GetLeaderboard(ctx context.Context, period leaderboard.Period, department string, limit int) (leaderboard.Snapshot, error)
	GetUserState(ctx context.Context, userID string) (gamification.UserState, error)
}

// Checker reports whether a dependency is reachable.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Handler holds the HTTP handlers.
type Handler struct {
	svc    Service
	checks map[string]Checker
}

// NewHandler creates a handler. checks are probed by /readyz.
func NewHandler(svc Service, checks map[string]Checker) *Handler {
	return &Handler{svc: svc, checks: checks}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)

	mux.HandleFunc("POST /v1/enrollments", h.enroll)
	mux.HandleFunc("POST /v1/enrollments/drop", h.dropMany)
	mux.HandleFunc("POST /v1/enrollments/{id}/drop", h.drop)
	mux.HandleFunc("GET /v1/enrollments/{id}/progress", h.summary)
	mux.HandleFunc("POST /v1/enrollments/{id}/modules/{moduleID}/start", h.startModule)
	mux.HandleFunc("POST /v1/enrollments/{id}/modules/{moduleID}/complete", h.completeModule)
	mux.HandleFunc("POST /v1/enrollments/{id}/quizzes/{quizID}/attempts", h.submitAttempt)
	mux.HandleFunc("GET /v1/enrollments/{id}/quizzes/{quizID}/attempts", h.listAttempts)
	mux.HandleFunc("POST /v1/enrollments/{id}/quizzes/{quizID}/grants", h.grantAttempts)
	mux.HandleFunc("GET /v1/users/{id}/gamification", h.userState)
	mux.HandleFunc("GET /v1/leaderboards/{period}", h.leaderboard)
	mux.HandleFunc("GET /v1/leaderboards/{period}/export", h.exportLeaderboard)
	return mux
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, c := range h.checks {
		if err := c.HealthCheck(ctx); err != nil {
			slog.Warn("readiness check failed", "check", name, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "check": name})
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

type enrollRequest struct {
	UserID string `json:"user_id"`
	PathID string `json:"path_id"`
}

func (h *Handler) enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.PathID) == "" {
		writeError(w, r, fmt.Errorf("%w: user_id and path_id are required", errBadRequest))
		return
	}
	e, err := h.svc.Enroll(r.Context(), req.UserID, req.PathID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) drop(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.DropEnrollment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type dropManyRequest struct {
	EnrollmentIDs []string `json:"enrollment_ids"`
}

type dropManyResult struct {
	EnrollmentID string               `json:"enrollment_id"`
	Enrollment   *progress.Enrollment `json:"enrollment,omitempty"`
	Error        *errorBody           `json:"error,omitempty"`
}

func (h *Handler) dropMany(w http.ResponseWriter, r *http.Request) {
	var req dropManyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.EnrollmentIDs) == 0 {
		writeError(w, r, fmt.Errorf("%w: enrollment_ids is empty", errBadRequest))
		return
	}

	results := h.svc.DropEnrollments(r.Context(), req.EnrollmentIDs)
	out := make([]dropManyResult, len(results))
	for i, res := range results {
		out[i].EnrollmentID = res.EnrollmentID
		if res.Err != nil {
			_, body := classify(res.Err)
			out[i].Error = &body
			continue
		}
		e := res.Enrollment
		out[i].Enrollment = &e
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.GetProgressSummary(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) startModule(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.StartModule(r.Context(), r.PathValue("id"), r.PathValue("moduleID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) completeModule(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.CompleteModule(r.Context(), r.PathValue("id"), r.PathValue("moduleID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type attemptRequest struct {
	Answers []int `json:"answers"`
}

func (h *Handler) submitAttempt(w http.ResponseWriter, r *http.Request) {
	var req attemptRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.svc.SubmitQuizAttempt(r.Context(), r.PathValue("quizID"), r.PathValue("id"), req.Answers)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) listAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.svc.Attempts(r.Context(), r.PathValue("quizID"), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []quiz.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

type grantRequest struct {
	ExtraAttempts int `json:"extra_attempts"`
}

// grantAttempts is the admin override that lifts an exhausted attempt cap.
func (h *Handler) grantAttempts(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ExtraAttempts <= 0 {
		writeError(w, r, fmt.Errorf("%w: extra_attempts must be positive", errBadRequest))
		return
	}
	quizID, enrollmentID := r.PathValue("quizID"), r.PathValue("id")
	if err := h.svc.GrantQuizAttempts(r.Context(), quizID, enrollmentID, req.ExtraAttempts); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"quiz_id":        quizID,
		"enrollment_id":  enrollmentID,
		"extra_attempts": req.ExtraAttempts,
	})
}

func (h *Handler) userState(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetUserState(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshot(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) exportLeaderboard(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshot(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := leaderboard.WriteXLSX(&buf, snap); err != nil {
		writeError(w, r, err)
		return
	}
	name := fmt.Sprintf("leaderboard-%s-%s.xlsx", strings.ToLower(string(snap.Period)), snap.WindowStart.Format(time.DateOnly))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (h *Handler) snapshot(r *http.Request) (leaderboard.Snapshot, error) {
	period, err := leaderboard.ParsePeriod(r.PathValue("period"))
	if err != nil {
		return leaderboard.Snapshot{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			return leaderboard.Snapshot{}, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest)
		}
	}
	return h.svc.GetLeaderboard(r.Context(), period, r.URL.Query().Get("department"), limit)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "error", err)
	}
}
