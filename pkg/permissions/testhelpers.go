package permissions

import (
	"database/sql"
	"os"
	"testing"
)

// SQLiteSchema mirrors the Postgres migrations for in-memory SQLite test
// databases. SQLite does not enforce the cascades, which the store performs
// explicitly anyway.
const SQLiteSchema = `
	CREATE TABLE organizations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE applications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		organization_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		grants_provisioned_at TIMESTAMP,
		UNIQUE(organization_id, name)
	);

	CREATE TABLE permission_grants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		organization_id INTEGER,
		automatically_add_new_applications BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE permission_grant_levels (
		grant_id INTEGER NOT NULL,
		level TEXT NOT NULL,
		PRIMARY KEY (grant_id, level)
	);

	CREATE UNIQUE INDEX idx_permission_grant_levels_single_global_admin
		ON permission_grant_levels(level) WHERE level = 'GlobalAdmin';

	CREATE TABLE permission_grant_applications (
		grant_id INTEGER NOT NULL,
		application_id INTEGER NOT NULL,
		PRIMARY KEY (grant_id, application_id)
	);

	CREATE TABLE api_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		key_prefix TEXT NOT NULL,
		created_by INTEGER,
		expires_at TIMESTAMP,
		revoked_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE permission_grant_users (
		grant_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		PRIMARY KEY (grant_id, user_id)
	);

	CREATE TABLE permission_grant_api_keys (
		grant_id INTEGER NOT NULL,
		api_key_id INTEGER NOT NULL,
		PRIMARY KEY (grant_id, api_key_id)
	);
`

// NewSQLiteTestDB opens an in-memory SQLite database with SQLiteSchema
// applied. The calling test package must register the "sqlite3" driver.
func NewSQLiteTestDB(t testing.TB) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(SQLiteSchema); err != nil {
		db.Close()
		t.Fatalf("Failed to create test schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// SkipIfNoDatabase skips the test unless TEST_POSTGRES_PRIMARY is set and
// returns its value.
func SkipIfNoDatabase(t *testing.T) string {
	t.Helper()

	dbURL := os.Getenv("TEST_POSTGRES_PRIMARY")
	if dbURL == "" {
		t.Skip("Skipping test: TEST_POSTGRES_PRIMARY environment variable not set (database not available)")
	}
	return dbURL
}
