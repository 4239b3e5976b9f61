package permissions

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldmesh/iotaccess/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the Postgres schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create organizations and applications tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizations (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(1024) NOT NULL UNIQUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS applications (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					name VARCHAR(1024) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(organization_id, name)
				);

				CREATE INDEX IF NOT EXISTS idx_applications_organization_id ON applications(organization_id);
			`,
		},
		{
			Version:     2,
			Description: "Create permission grants tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS permission_grants (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(1024) NOT NULL,
					organization_id BIGINT REFERENCES organizations(id) ON DELETE CASCADE,
					automatically_add_new_applications BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_permission_grants_organization_id ON permission_grants(organization_id);

				CREATE TABLE IF NOT EXISTS permission_grant_levels (
					grant_id BIGINT NOT NULL REFERENCES permission_grants(id) ON DELETE CASCADE,
					level VARCHAR(64) NOT NULL CHECK (level IN (
						'GlobalAdmin',
						'OrganizationUserAdmin',
						'OrganizationGatewayAdmin',
						'OrganizationApplicationAdmin',
						'Read'
					)),
					PRIMARY KEY (grant_id, level)
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_permission_grant_levels_single_global_admin
					ON permission_grant_levels(level) WHERE level = 'GlobalAdmin';

				CREATE TABLE IF NOT EXISTS permission_grant_applications (
					grant_id BIGINT NOT NULL REFERENCES permission_grants(id) ON DELETE CASCADE,
					application_id BIGINT NOT NULL REFERENCES applications(id) ON DELETE CASCADE,
					PRIMARY KEY (grant_id, application_id)
				);

				CREATE INDEX IF NOT EXISTS idx_permission_grant_applications_application_id
					ON permission_grant_applications(application_id);
			`,
		},
		{
			Version:     3,
			Description: "Create API keys and grant principal tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS api_keys (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(1024) NOT NULL,
					key_hash VARCHAR(64) NOT NULL UNIQUE,
					key_prefix VARCHAR(32) NOT NULL,
					created_by BIGINT,
					expires_at TIMESTAMPTZ,
					revoked_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS permission_grant_users (
					grant_id BIGINT NOT NULL REFERENCES permission_grants(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL,
					PRIMARY KEY (grant_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_permission_grant_users_user_id ON permission_grant_users(user_id);

				CREATE TABLE IF NOT EXISTS permission_grant_api_keys (
					grant_id BIGINT NOT NULL REFERENCES permission_grants(id) ON DELETE CASCADE,
					api_key_id BIGINT NOT NULL REFERENCES api_keys(id) ON DELETE CASCADE,
					PRIMARY KEY (grant_id, api_key_id)
				);

				CREATE INDEX IF NOT EXISTS idx_permission_grant_api_keys_api_key_id ON permission_grant_api_keys(api_key_id);
			`,
		},
		{
			Version:     4,
			Description: "Track grant provisioning of applications",
			SQL: `
				ALTER TABLE applications ADD COLUMN IF NOT EXISTS grants_provisioned_at TIMESTAMPTZ;

				-- Existing applications keep the grants they have.
				UPDATE applications SET grants_provisioned_at = NOW() WHERE grants_provisioned_at IS NULL;

				CREATE INDEX IF NOT EXISTS idx_applications_unprovisioned
					ON applications(id) WHERE grants_provisioned_at IS NULL;
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	logger := observability.FromContext(ctx)

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS permission_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM permission_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		logger.Infof("Running migration %d: %s", migration.Version, migration.Description)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO permission_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
