// Package testutil provides test utilities for database setup.
package testutil

import (
	"database/sql"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/overseer/internal/workflow/sqlite"
)

// NewTestDB creates an in-memory SQLite database with the full schema
// applied via the production migrations. The database is closed when the
// test finishes.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { db.Close() })
	return db
}

// NewTestStore creates a Store backed by a fresh in-memory database.
func NewTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	return sqlite.NewStore(NewTestDB(t))
}
