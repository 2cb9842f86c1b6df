// Package database holds PostgreSQL-backed store integration tests. They
// need Docker (or CI_DATABASE_URL) and run the real migrations against an
// isolated schema per test.
package database

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/pkg/store"
	"github.com/maestro-ai/maestro/test/util"
)

// NewTestStore returns a Postgres store on a fresh schema with migrations
// applied. Cleanup drops the schema and closes the pool.
func NewTestStore(t *testing.T) *store.Postgres {
	t.Helper()

	db := util.SetupTestDatabase(t)
	st, err := store.NewPostgresFromDB(db, "test")
	require.NoError(t, err)
	return st
}
