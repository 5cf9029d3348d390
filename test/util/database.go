// Package util provides shared database helpers for integration tests.
package util

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/horizon-qa/atlas/pkg/database"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestDB returns a migrated database client plus the connection string
// for tests that need a dedicated LISTEN connection.
// - CI (CI_DATABASE_URL set): connects to the external PostgreSQL service.
// - Local dev: starts one shared testcontainer per package.
func SetupTestDB(t *testing.T) (*database.Client, string) {
	t.Helper()
	connStr := getConnStr(t)

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	require.NoError(t, database.Migrate(db, "test"))

	client := database.NewClientFromDB(db)
	t.Cleanup(func() {
		truncateAll(t, db)
		_ = client.Close()
	})
	return client, connStr
}

func getConnStr(t *testing.T) string {
	t.Helper()
	if ci := os.Getenv("CI_DATABASE_URL"); ci != "" {
		return ci
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			containerErr = err
			return
		}
		sharedConnStr, containerErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr)
	return sharedConnStr
}

// truncateAll clears mutable state between tests sharing the container.
func truncateAll(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`
		TRUNCATE event_log, resource_locks, lock_waiters, agent_definitions,
		agent_triggers, agent_instances, task_history, analysis_queue,
		analysis_results, push_events CASCADE`)
	if err != nil {
		t.Logf("failed to truncate tables: %v", err)
	}
}
