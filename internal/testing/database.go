// Package testing provides shared test helpers.
package testing

import (
	"path/filepath"
	"testing"

	"database/sql"

	"github.com/whirr-ml/whirr/db"
)

// CreateTestDB creates a migrated SQLite database in a temp directory.
// A file-backed database (not :memory:) so WAL mode and concurrent claim
// transactions behave as in production. Cleanup is registered via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "whirr.db")
	conn, err := db.Open(path, nil)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})

	if err := db.Migrate(conn, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return conn
}
