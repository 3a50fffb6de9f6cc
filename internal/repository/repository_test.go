package repository

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// setup connects the package-level singleton to a shared in-memory sqlite3
// database exactly once (Connect is guarded by sync.Once, mirroring the
// teacher's test setup) and applies the embedded schema.
func setup(t *testing.T) *DBConnection {
	t.Helper()
	conn, err := Connect("sqlite3", "file::memory:?cache=shared", Config{})
	require.NoError(t, err)
	require.NoError(t, MigrateDB("sqlite3", conn.DB))
	return conn
}
