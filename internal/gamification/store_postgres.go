package gamification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

// PostgresStore is a PostgreSQL-backed Store over user_gamification and
// ledger_credits.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (UserState, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	st := UserState{UserID: userID}
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT total_points, current_level, current_streak_days, longest_streak_days, last_activity_date, version
		 FROM user_gamification WHERE user_id = $1`,
		userID,
	).Scan(&st.TotalPoints, &st.CurrentLevel, &st.CurrentStreakDays, &st.LongestStreakDays, &last, &st.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return NewUserState(userID), nil
	}
	if err != nil {
		return UserState{}, fmt.Errorf("get user state: %w", err)
	}
	if last != nil {
		st.LastActivityDate = Day(*last, time.UTC)
	}
	return st, nil
}

func (s *PostgresStore) Apply(ctx context.Context, next UserState, expectedVersion int64, eventKey string, points int) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var last any
	if !next.LastActivityDate.IsZero() {
		last = next.LastActivityDate
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if eventKey != "" {
			tag, err := tx.Exec(ctx,
				`INSERT INTO ledger_credits (event_key, user_id, points) VALUES ($1, $2, $3)
				 ON CONFLICT (event_key) DO NOTHING`,
				eventKey, next.UserID, points,
			)
			if err != nil {
				return fmt.Errorf("record credit: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: %s", ErrDuplicateEvent, eventKey)
			}
		}

		var (
			tag pgconn.CommandTag
			err error
		)
		if expectedVersion == 0 {
			tag, err = tx.Exec(ctx,
				`INSERT INTO user_gamification
				   (user_id, total_points, current_level, current_streak_days, longest_streak_days, last_activity_date, version)
				 VALUES ($1, $2, $3, $4, $5, $6::date, 1)
				 ON CONFLICT (user_id) DO NOTHING`,
				next.UserID, next.TotalPoints, next.CurrentLevel, next.CurrentStreakDays, next.LongestStreakDays, last,
			)
		} else {
			tag, err = tx.Exec(ctx,
				`UPDATE user_gamification SET
				   total_points = $2, current_level = $3, current_streak_days = $4,
				   longest_streak_days = $5, last_activity_date = $6::date, version = version + 1
				 WHERE user_id = $1 AND version = $7`,
				next.UserID, next.TotalPoints, next.CurrentLevel, next.CurrentStreakDays, next.LongestStreakDays, last, expectedVersion,
			)
		}
		if err != nil {
			return fmt.Errorf("write user state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: user %s moved past version %d", ErrConcurrencyConflict, next.UserID, expectedVersion)
		}
		return nil
	})
}
