package quiz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

// PostgresStore is a PostgreSQL-backed Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed attempt store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

// Append numbers the attempt under a transaction-scoped advisory lock keyed
// on the (quiz, enrollment) pair. The unique index on attempt_number backs it.
func (s *PostgresStore) Append(ctx context.Context, a Attempt, maxAttempts int) (Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	answers, err := json.Marshal(a.Answers)
	if err != nil {
		return Attempt{}, fmt.Errorf("marshal answers: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1::text || ':' || $2::text))`,
			a.QuizID, a.EnrollmentID,
		); err != nil {
			return fmt.Errorf("lock attempt sequence: %w", err)
		}

		var used, extra int
		if err := tx.QueryRow(ctx,
			`SELECT
			   (SELECT COALESCE(MAX(attempt_number), 0) FROM quiz_attempts
			     WHERE quiz_id = $1 AND enrollment_id = $2::uuid),
			   (SELECT COALESCE(SUM(extra_attempts), 0)::int FROM quiz_attempt_grants
			     WHERE quiz_id = $1 AND enrollment_id = $2::uuid)`,
			a.QuizID, a.EnrollmentID,
		).Scan(&used, &extra); err != nil {
			return fmt.Errorf("count attempts: %w", err)
		}

		if maxAttempts > 0 && used >= maxAttempts+extra {
			return fmt.Errorf("%w: %d of %d used", ErrAttemptsExhausted, used, maxAttempts+extra)
		}
		a.AttemptNumber = used + 1

		if _, err := tx.Exec(ctx,
			`INSERT INTO quiz_attempts
			   (id, quiz_id, enrollment_id, attempt_number, raw_answers, score_percent, passed, submitted_at)
			 VALUES ($1::uuid, $2, $3::uuid, $4, $5::jsonb, $6, $7, $8)`,
			a.ID, a.QuizID, a.EnrollmentID, a.AttemptNumber, string(answers), a.ScorePercent, a.Passed, a.SubmittedAt,
		); err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		return Attempt{}, err
	}
	return a, nil
}

func (s *PostgresStore) List(ctx context.Context, quizID, enrollmentID string) ([]Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT id::text, quiz_id, enrollment_id::text, attempt_number, raw_answers, score_percent, passed, submitted_at
		 FROM quiz_attempts
		 WHERE quiz_id = $1 AND enrollment_id = $2::uuid
		 ORDER BY attempt_number ASC`,
		quizID, enrollmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var raw []byte
		if err := rows.Scan(&a.ID, &a.QuizID, &a.EnrollmentID, &a.AttemptNumber, &raw, &a.ScorePercent, &a.Passed, &a.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if err := json.Unmarshal(raw, &a.Answers); err != nil {
			return nil, fmt.Errorf("decode answers: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}

func (s *PostgresStore) Grant(ctx context.Context, quizID, enrollmentID string, extra int) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO quiz_attempt_grants (quiz_id, enrollment_id, extra_attempts)
		 VALUES ($1, $2::uuid, $3)
		 ON CONFLICT (quiz_id, enrollment_id)
		 DO UPDATE SET extra_attempts = quiz_attempt_grants.extra_attempts + EXCLUDED.extra_attempts`,
		quizID, enrollmentID, extra,
	); err != nil {
		return fmt.Errorf("grant attempts: %w", err)
	}
	return nil
}
