// Package database provides test database clients backed by a PostgreSQL
// testcontainer (or the CI service container).
package database

import (
	"testing"

	"github.com/parleyio/parley/pkg/database"
	"github.com/parleyio/parley/test/util"
)

// NewTestClient creates a test database client over an isolated, migrated
// schema.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container.
// In local dev: uses a shared PostgreSQL testcontainer.
// The schema and connections are cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	return database.NewClientFromDB(util.SetupTestDatabase(t))
}
