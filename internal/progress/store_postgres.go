package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbTimeout = 5 * time.Second

	uniqueViolation   = "23505"
	oneActiveIndex    = "enrollments_one_active"
	enrollmentColumns = `id::text, user_id, path_id, status, progress_percent, started_at, completed_at, dropped_at, certificate_id`
	progressColumns   = `enrollment_id::text, module_id, status, points_earned, started_at, completed_at, best_quiz_score`
)

// PostgresStore is a PostgreSQL-backed Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed progress store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) CreateEnrollment(ctx context.Context, e Enrollment) (Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO enrollments (id, user_id, path_id, status, progress_percent, started_at)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6)`,
		e.ID, e.UserID, e.PathID, string(e.Status), e.ProgressPercent, e.StartedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == oneActiveIndex {
			existing, found, findErr := s.FindActiveEnrollment(ctx, e.UserID, e.PathID)
			if findErr == nil && found {
				return Enrollment{}, &AlreadyEnrolledError{EnrollmentID: existing.ID}
			}
			return Enrollment{}, &AlreadyEnrolledError{}
		}
		return Enrollment{}, fmt.Errorf("insert enrollment: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) GetEnrollment(ctx context.Context, id string) (Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := uuid.Parse(id); err != nil {
		return Enrollment{}, fmt.Errorf("enrollment %s: %w", id, ErrNotFound)
	}
	return scanEnrollment(s.pool.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1::uuid`, id,
	), id)
}

func (s *PostgresStore) FindActiveEnrollment(ctx context.Context, userID, pathID string) (Enrollment, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	e, err := scanEnrollment(s.pool.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments
		 WHERE user_id = $1 AND path_id = $2 AND status = 'ACTIVE'`,
		userID, pathID,
	), "")
	if errors.Is(err, ErrNotFound) {
		return Enrollment{}, false, nil
	}
	if err != nil {
		return Enrollment{}, false, err
	}
	return e, true, nil
}

func (s *PostgresStore) ListEnrollments(ctx context.Context, userID string) ([]Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE user_id = $1 ORDER BY started_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	defer rows.Close()

	var out []Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrollments: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DropEnrollment(ctx context.Context, id string, at time.Time) (Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := uuid.Parse(id); err != nil {
		return Enrollment{}, fmt.Errorf("enrollment %s: %w", id, ErrNotFound)
	}

	var out Enrollment
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		e, err := lockEnrollment(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.Status != EnrollmentActive {
			return fmt.Errorf("%w: enrollment %s is %s", ErrInvalidEnrollmentState, id, e.Status)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE enrollments SET status = 'DROPPED', dropped_at = $2 WHERE id = $1::uuid`,
			id, at,
		); err != nil {
			return fmt.Errorf("drop enrollment: %w", err)
		}
		e.Status = EnrollmentDropped
		dropped := at
		e.DroppedAt = &dropped
		out = e
		return nil
	})
	if err != nil {
		return Enrollment{}, err
	}
	return out, nil
}

func (s *PostgresStore) GetProgress(ctx context.Context, enrollmentID, moduleID string) (ModuleProgress, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := uuid.Parse(enrollmentID); err != nil {
		return ModuleProgress{}, fmt.Errorf("enrollment %s: %w", enrollmentID, ErrNotFound)
	}
	p, err := scanProgress(s.pool.QueryRow(ctx,
		`SELECT `+progressColumns+` FROM module_progress WHERE enrollment_id = $1::uuid AND module_id = $2`,
		enrollmentID, moduleID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return notStarted(enrollmentID, moduleID), nil
	}
	if err != nil {
		return ModuleProgress{}, fmt.Errorf("get progress: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListProgress(ctx context.Context, enrollmentID string) ([]ModuleProgress, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := uuid.Parse(enrollmentID); err != nil {
		return nil, fmt.Errorf("enrollment %s: %w", enrollmentID, ErrNotFound)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+progressColumns+` FROM module_progress WHERE enrollment_id = $1::uuid ORDER BY module_id`,
		enrollmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	defer rows.Close()

	var out []ModuleProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) StartModule(ctx context.Context, enrollmentID, moduleID string, at time.Time) (ModuleProgress, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO module_progress (enrollment_id, module_id, status, started_at)
		 VALUES ($1::uuid, $2, 'IN_PROGRESS', $3)
		 ON CONFLICT (enrollment_id, module_id) DO UPDATE
		   SET status = 'IN_PROGRESS', started_at = EXCLUDED.started_at
		   WHERE module_progress.status = 'NOT_STARTED'`,
		enrollmentID, moduleID, at,
	); err != nil {
		return ModuleProgress{}, fmt.Errorf("start module: %w", err)
	}
	return s.GetProgress(ctx, enrollmentID, moduleID)
}

func (s *PostgresStore) RecordQuizScore(ctx context.Context, enrollmentID, moduleID string, score int, at time.Time) (ModuleProgress, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO module_progress (enrollment_id, module_id, status, started_at, best_quiz_score)
		 VALUES ($1::uuid, $2, 'IN_PROGRESS', $3, $4)
		 ON CONFLICT (enrollment_id, module_id) DO UPDATE SET
		   best_quiz_score = GREATEST(COALESCE(module_progress.best_quiz_score, EXCLUDED.best_quiz_score), EXCLUDED.best_quiz_score),
		   status = CASE WHEN module_progress.status = 'NOT_STARTED' THEN 'IN_PROGRESS' ELSE module_progress.status END,
		   started_at = COALESCE(module_progress.started_at, EXCLUDED.started_at)`,
		enrollmentID, moduleID, at, score,
	); err != nil {
		return ModuleProgress{}, fmt.Errorf("record quiz score: %w", err)
	}
	return s.GetProgress(ctx, enrollmentID, moduleID)
}

// CompleteModule locks the enrollment row, so completions within one
// enrollment apply one at a time and the recount always sees the latest rows.
func (s *PostgresStore) CompleteModule(ctx context.Context, c Completion, recompute RecomputeFunc) (CompletionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := uuid.Parse(c.EnrollmentID); err != nil {
		return CompletionResult{}, fmt.Errorf("enrollment %s: %w", c.EnrollmentID, ErrNotFound)
	}

	var out CompletionResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		e, err := lockEnrollment(ctx, tx, c.EnrollmentID)
		if err != nil {
			return err
		}

		current, err := scanProgress(tx.QueryRow(ctx,
			`SELECT `+progressColumns+` FROM module_progress
			 WHERE enrollment_id = $1::uuid AND module_id = $2`,
			c.EnrollmentID, c.ModuleID,
		))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			current = notStarted(c.EnrollmentID, c.ModuleID)
		case err != nil:
			return fmt.Errorf("get progress: %w", err)
		}
		if current.Completed() {
			out = CompletionResult{Progress: current, Enrollment: e}
			return nil
		}
		if e.Status != EnrollmentActive {
			return fmt.Errorf("%w: enrollment %s is %s", ErrInvalidEnrollmentState, e.ID, e.Status)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO module_progress (enrollment_id, module_id, status, points_earned, started_at, completed_at)
			 VALUES ($1::uuid, $2, 'COMPLETED', $3, $4, $4)
			 ON CONFLICT (enrollment_id, module_id) DO UPDATE SET
			   status = 'COMPLETED',
			   points_earned = EXCLUDED.points_earned,
			   completed_at = EXCLUDED.completed_at,
			   started_at = COALESCE(module_progress.started_at, EXCLUDED.started_at)`,
			c.EnrollmentID, c.ModuleID, c.Points, c.At,
		); err != nil {
			return fmt.Errorf("complete module: %w", err)
		}

		completed, err := completedModuleIDs(ctx, tx, c.EnrollmentID)
		if err != nil {
			return err
		}
		updated := recompute(e, completed)
		if err := saveEnrollment(ctx, tx, updated); err != nil {
			return err
		}

		progress, err := scanProgress(tx.QueryRow(ctx,
			`SELECT `+progressColumns+` FROM module_progress
			 WHERE enrollment_id = $1::uuid AND module_id = $2`,
			c.EnrollmentID, c.ModuleID,
		))
		if err != nil {
			return fmt.Errorf("reload progress: %w", err)
		}
		out = CompletionResult{Progress: progress, Enrollment: updated, Applied: true}
		return nil
	})
	if err != nil {
		return CompletionResult{}, err
	}
	return out, nil
}

func (s *PostgresStore) RecomputeEnrollment(ctx context.Context, enrollmentID string, recompute RecomputeFunc) (Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := uuid.Parse(enrollmentID); err != nil {
		return Enrollment{}, fmt.Errorf("enrollment %s: %w", enrollmentID, ErrNotFound)
	}

	var out Enrollment
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		e, err := lockEnrollment(ctx, tx, enrollmentID)
		if err != nil {
			return err
		}
		if e.Status != EnrollmentActive {
			out = e
			return nil
		}
		completed, err := completedModuleIDs(ctx, tx, enrollmentID)
		if err != nil {
			return err
		}
		out = recompute(e, completed)
		return saveEnrollment(ctx, tx, out)
	})
	if err != nil {
		return Enrollment{}, err
	}
	return out, nil
}

func lockEnrollment(ctx context.Context, tx pgx.Tx, id string) (Enrollment, error) {
	return scanEnrollment(tx.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1::uuid FOR UPDATE`, id,
	), id)
}

func completedModuleIDs(ctx context.Context, tx pgx.Tx, enrollmentID string) ([]string, error) {
	rows, err := tx.Query(ctx,
		`SELECT module_id FROM module_progress
		 WHERE enrollment_id = $1::uuid AND status = 'COMPLETED'
		 ORDER BY module_id`,
		enrollmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query completed modules: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect completed modules: %w", err)
	}
	return ids, nil
}

func saveEnrollment(ctx context.Context, tx pgx.Tx, e Enrollment) error {
	if _, err := tx.Exec(ctx,
		`UPDATE enrollments
		 SET status = $2, progress_percent = $3, completed_at = $4, certificate_id = $5
		 WHERE id = $1::uuid`,
		e.ID, string(e.Status), e.ProgressPercent, e.CompletedAt, nullIfEmpty(e.CertificateID),
	); err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	return nil
}

func scanEnrollment(row pgx.Row, id string) (Enrollment, error) {
	var e Enrollment
	var status string
	var certificateID *string
	err := row.Scan(&e.ID, &e.UserID, &e.PathID, &status, &e.ProgressPercent,
		&e.StartedAt, &e.CompletedAt, &e.DroppedAt, &certificateID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Enrollment{}, fmt.Errorf("enrollment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Enrollment{}, fmt.Errorf("scan enrollment: %w", err)
	}
	e.Status = EnrollmentStatus(status)
	if certificateID != nil {
		e.CertificateID = *certificateID
	}
	return e, nil
}

func scanProgress(row pgx.Row) (ModuleProgress, error) {
	var p ModuleProgress
	var status string
	var points *int
	if err := row.Scan(&p.EnrollmentID, &p.ModuleID, &status, &points,
		&p.StartedAt, &p.CompletedAt, &p.BestQuizScore); err != nil {
		return ModuleProgress{}, err
	}
	p.Status = ModuleStatus(status)
	if points != nil {
		p.PointsEarned = *points
	}
	return p, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
