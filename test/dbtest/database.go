// Package dbtest provides a shared, disposable PostgreSQL container for
// pkg/store's integration tests. Grounded on the teacher's
// test/util/database.go shared-testcontainer discipline, simplified to a
// single schema (truncated between tests) since the story schema has no
// need for the teacher's per-test-schema isolation.
package dbtest

import (
	"context"
	stdsql "database/sql"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestDatabase returns a pooled *sql.DB against the shared test
// container (started once per package run), with every table truncated so
// the caller starts from an empty schema.
func SetupTestDatabase(t *testing.T) *stdsql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping store integration test in -short mode")
	}

	connStr := getOrCreateSharedDatabase(t)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	truncateAll(t, db)
	return db
}

func truncateAll(t *testing.T, db *stdsql.DB) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		TRUNCATE TABLE wish_moderation_records, story_saves, story_nodes, game_sessions, users RESTART IDENTITY CASCADE
	`)
	require.NoError(t, err)
}

func getOrCreateSharedDatabase(t *testing.T) string {
	t.Helper()
	if ci := os.Getenv("CI_DATABASE_URL"); ci != "" {
		return ci
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			postgres.WithInitScripts(migrationScriptPath()),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = err
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = err
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "failed to start shared postgres test container")
	return sharedConnStr
}

// migrationScriptPath resolves the embedded schema migration on disk so the
// container can apply it as an init script, independent of which package's
// test invoked SetupTestDatabase.
func migrationScriptPath() string {
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		panic("dbtest: runtime.Caller(0) failed")
	}
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "pkg", "database", "migrations", "0001_init.sql")
}
