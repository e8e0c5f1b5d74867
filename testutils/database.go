package testutils

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/retrogate/retrogate/config"
	"github.com/retrogate/retrogate/db"
	"github.com/retrogate/retrogate/server/idgen"
	"github.com/retrogate/retrogate/storage"
	"github.com/stretchr/testify/require"
)

// DatabaseURLEnv names the variable holding a PostgreSQL URL for
// integration tests. Tests that need a database skip when it is unset.
const DatabaseURLEnv = "RETROGATE_TEST_DATABASE_URL"

// SetupTestDatabase connects to the test database, applies migrations and
// returns a Database that is closed when the test ends.
func SetupTestDatabase(t *testing.T, objects storage.ObjectStore) *db.Database {
	t.Helper()
	url := os.Getenv(DatabaseURLEnv)
	if url == "" {
		t.Skipf("%s not set; skipping database integration test", DatabaseURLEnv)
	}
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := db.New(ctx, config.DatabaseConfig{URL: url, MaxConns: 4, Migrate: true}, objects)
	require.NoError(t, err, "failed to connect to %s", DatabaseURLEnv)
	t.Cleanup(database.Close)
	return database
}

// UniqueUsername returns a username no other test run will use.
func UniqueUsername(prefix string) string {
	return fmt.Sprintf("%s-%s@example.com", prefix, idgen.New())
}
