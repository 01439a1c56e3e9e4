package store

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/require"
)

const testDBURLKey = "CALPUSH_TEST_DATABASE_URL"

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	connStr := os.Getenv(testDBURLKey)
	if connStr == "" {
		t.Skipf("set %s to a dedicated test database", testDBURLKey)
	}
	return connStr
}

func getMigrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.Abs(filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	return dir
}

func setupTestDatabase(t *testing.T, connStr string) *sql.DB {
	t.Helper()
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)

	m, err := migrate.New("file://"+getMigrationsDir(t), connStr)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = m.Close()
	})

	err = m.Down()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err)
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

func createTestUser(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, err := db.Exec("INSERT INTO users (id, username) VALUES ($1, $2)", id, "user-"+id)
	require.NoError(t, err)
}

func createTestTicket(t *testing.T, db *sql.DB, userID, ticket string, ttl time.Duration) {
	t.Helper()
	_, err := db.Exec(
		"INSERT INTO ws_tickets (token_hash, user_id, expires_at) VALUES ($1, $2, NOW() + $3 * INTERVAL '1 second')",
		HashTicket(ticket),
		userID,
		int(ttl.Seconds()),
	)
	require.NoError(t, err)
}

func createTestResource(t *testing.T, db *sql.DB, kind, ownerID, resourceID string, publicRead bool, delegates ...string) {
	t.Helper()
	var pk int64
	err := db.QueryRow(
		"INSERT INTO resources (kind, owner_id, resource_id, public_read) VALUES ($1, $2, $3, $4) RETURNING id",
		kind, ownerID, resourceID, publicRead,
	).Scan(&pk)
	require.NoError(t, err)
	for _, delegate := range delegates {
		_, err := db.Exec("INSERT INTO resource_delegations (resource_pk, user_id) VALUES ($1, $2)", pk, delegate)
		require.NoError(t, err)
	}
}
