package database_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/p-n-ai/pai-learn/internal/platform/database/dbtest"
)

func TestMigrate_Idempotent(t *testing.T) {
	db := dbtest.NewDB(t)
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx), "second migrate run should be a no-op")
	require.NoError(t, db.HealthCheck(ctx))

	var tables int
	err := db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM information_schema.tables
		 WHERE table_schema = 'public'
		   AND table_name IN ('enrollments', 'module_progress', 'quiz_attempts', 'user_gamification', 'ledger_credits')`,
	).Scan(&tables)
	require.NoError(t, err)
	require.Equal(t, 5, tables)
}
