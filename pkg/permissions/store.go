package permissions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DBTX is satisfied by *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Store handles grant persistence
type Store struct {
	db        DBTX
	revisions RevisionSource
}

// NewStore creates a new grant store
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// WithRevisions makes every mutation bump the given revision source
func (s *Store) WithRevisions(revisions RevisionSource) *Store {
	s.revisions = revisions
	return s
}

// WithTx returns a store bound to tx. Its writes leave the revision alone:
// the caller calls Bump once tx has committed.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: tx}
}

// Bump advances the grant revision, invalidating cached permission sets
func (s *Store) Bump(ctx context.Context) error {
	return s.bump(ctx)
}

// inTx runs fn inside a transaction and bumps the revision once it commits
func (s *Store) inTx(ctx context.Context, fn func(*Store) error) error {
	if err := s.runTx(ctx, fn); err != nil {
		return err
	}
	return s.bump(ctx)
}

// runTx runs fn inside a transaction unless the store is already bound to one
func (s *Store) runTx(ctx context.Context, fn func(*Store) error) error {
	beginner, ok := s.db.(txBeginner)
	if !ok {
		return fn(s)
	}

	tx, err := beginner.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	if err := fn(s.WithTx(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) bump(ctx context.Context) error {
	if s.revisions == nil {
		return nil
	}
	if err := s.revisions.Bump(ctx); err != nil {
		return fmt.Errorf("failed to bump grant revision: %w", err)
	}
	return nil
}

// CreateGrant persists a new grant with its levels, applications and principals
func (s *Store) CreateGrant(ctx context.Context, grant *Grant) error {
	grant.normalize()
	if err := grant.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *Store) error {
		query := `
			INSERT INTO permission_grants (name, organization_id, automatically_add_new_applications, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`
		err := tx.db.QueryRowContext(ctx, query,
			grant.Name,
			grant.OrganizationID,
			grant.AutomaticallyAddNewApplications,
			now,
			now,
		).Scan(&grant.ID)
		if err != nil {
			if IsUniqueViolation(err) {
				return fmt.Errorf("%w: grant %q", ErrConflict, grant.Name)
			}
			return fmt.Errorf("failed to create grant: %w", err)
		}

		if err := tx.insertLevels(ctx, grant.ID, grant.Levels); err != nil {
			return err
		}
		if err := tx.insertApplications(ctx, grant.ID, grant.ApplicationIDs); err != nil {
			return err
		}
		for _, userID := range grant.UserIDs {
			if err := tx.attach(ctx, grant.ID, User(userID)); err != nil {
				return err
			}
		}
		for _, keyID := range grant.APIKeyIDs {
			if err := tx.attach(ctx, grant.ID, APIKey(keyID)); err != nil {
				return err
			}
		}

		grant.CreatedAt = now
		grant.UpdatedAt = now
		return nil
	})
}

// GetGrant retrieves a grant with all of its relations
func (s *Store) GetGrant(ctx context.Context, id int64) (*Grant, error) {
	query := `
		SELECT id, name, organization_id, automatically_add_new_applications, created_at, updated_at
		FROM permission_grants
		WHERE id = $1
	`

	grant, err := scanGrant(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: grant %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}

	if err := s.loadRelations(ctx, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

// FindGlobalAdminGrant returns the organization-less global admin grant
func (s *Store) FindGlobalAdminGrant(ctx context.Context) (*Grant, error) {
	query := `
		SELECT g.id, g.name, g.organization_id, g.automatically_add_new_applications, g.created_at, g.updated_at
		FROM permission_grants g
		JOIN permission_grant_levels l ON l.grant_id = g.id
		WHERE l.level = $1
		ORDER BY g.id
		LIMIT 1
	`

	grant, err := scanGrant(s.db.QueryRowContext(ctx, query, string(LevelGlobalAdmin)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: global admin grant", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find global admin grant: %w", err)
	}

	if err := s.loadRelations(ctx, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

// ListGrants lists grants, optionally restricted to a set of organizations
func (s *Store) ListGrants(ctx context.Context, filter GrantFilter) ([]*Grant, error) {
	query := `
		SELECT id, name, organization_id, automatically_add_new_applications, created_at, updated_at
		FROM permission_grants
	`
	var args []interface{}
	if len(filter.OrganizationIDs) > 0 {
		query += ` WHERE organization_id IN (` + placeholders(1, len(filter.OrganizationIDs)) + `)`
		for _, id := range filter.OrganizationIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, filter.Limit, filter.Offset)
	}

	return s.queryGrants(ctx, query, args...)
}

// ListGrantsForPrincipal lists the grants a principal holds
func (s *Store) ListGrantsForPrincipal(ctx context.Context, p Principal) ([]*Grant, error) {
	table, column, err := principalTable(p.Kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT g.id, g.name, g.organization_id, g.automatically_add_new_applications, g.created_at, g.updated_at
		FROM permission_grants g
		JOIN %s p ON p.grant_id = g.id
		WHERE p.%s = $1
		ORDER BY g.id
	`, table, column)

	return s.queryGrants(ctx, query, p.ID)
}

// UpdateGrant applies update to the grant identified by id
func (s *Store) UpdateGrant(ctx context.Context, id int64, update GrantUpdate) (*Grant, error) {
	var updated *Grant
	err := s.inTx(ctx, func(tx *Store) error {
		grant, err := tx.GetGrant(ctx, id)
		if err != nil {
			return err
		}
		if grant.IsGlobalAdmin() {
			return ErrGlobalAdminImmutable
		}

		if update.Name != nil {
			grant.Name = *update.Name
		}
		if update.Levels != nil {
			grant.Levels = update.Levels
		}
		if update.AutomaticallyAddNewApplications != nil {
			grant.AutomaticallyAddNewApplications = *update.AutomaticallyAddNewApplications
		}
		if update.ReplaceApplications {
			grant.ApplicationIDs = update.ApplicationIDs
		}
		if update.ReplaceUsers {
			grant.UserIDs = update.UserIDs
		}
		grant.normalize()
		if err := grant.Validate(); err != nil {
			return err
		}

		grant.UpdatedAt = time.Now().UTC()
		_, err = tx.db.ExecContext(ctx, `
			UPDATE permission_grants
			SET name = $1, automatically_add_new_applications = $2, updated_at = $3
			WHERE id = $4
		`, grant.Name, grant.AutomaticallyAddNewApplications, grant.UpdatedAt, grant.ID)
		if err != nil {
			if IsUniqueViolation(err) {
				return fmt.Errorf("%w: grant %q", ErrConflict, grant.Name)
			}
			return fmt.Errorf("failed to update grant: %w", err)
		}

		if update.Levels != nil {
			if _, err := tx.db.ExecContext(ctx, `DELETE FROM permission_grant_levels WHERE grant_id = $1`, grant.ID); err != nil {
				return fmt.Errorf("failed to clear grant levels: %w", err)
			}
			if err := tx.insertLevels(ctx, grant.ID, grant.Levels); err != nil {
				return err
			}
		}
		if update.ReplaceApplications {
			if _, err := tx.db.ExecContext(ctx, `DELETE FROM permission_grant_applications WHERE grant_id = $1`, grant.ID); err != nil {
				return fmt.Errorf("failed to clear grant applications: %w", err)
			}
			if err := tx.insertApplications(ctx, grant.ID, grant.ApplicationIDs); err != nil {
				return err
			}
		}
		if update.ReplaceUsers {
			if _, err := tx.db.ExecContext(ctx, `DELETE FROM permission_grant_users WHERE grant_id = $1`, grant.ID); err != nil {
				return fmt.Errorf("failed to clear grant users: %w", err)
			}
			for _, userID := range grant.UserIDs {
				if err := tx.attach(ctx, grant.ID, User(userID)); err != nil {
					return err
				}
			}
		}

		updated = grant
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteGrant removes a grant. The global admin grant cannot be deleted.
func (s *Store) DeleteGrant(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *Store) error {
		grant, err := tx.GetGrant(ctx, id)
		if err != nil {
			return err
		}
		if grant.IsGlobalAdmin() {
			return ErrGlobalAdminImmutable
		}
		return tx.deleteGrants(ctx, `id = $1`, id)
	})
}

// DeleteOrganizationGrants removes every grant owned by an organization
func (s *Store) DeleteOrganizationGrants(ctx context.Context, organizationID int64) error {
	return s.inTx(ctx, func(tx *Store) error {
		return tx.deleteGrants(ctx, `organization_id = $1`, organizationID)
	})
}

// deleteGrants removes grants matching where together with their join rows,
// so stores without ON DELETE CASCADE behave the same as Postgres
func (s *Store) deleteGrants(ctx context.Context, where string, arg interface{}) error {
	for _, table := range []string{
		"permission_grant_levels",
		"permission_grant_applications",
		"permission_grant_users",
		"permission_grant_api_keys",
	} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE grant_id IN (SELECT id FROM permission_grants WHERE %s)`, table, where)
		if _, err := s.db.ExecContext(ctx, query, arg); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM permission_grants WHERE `+where, arg); err != nil {
		return fmt.Errorf("failed to delete grants: %w", err)
	}
	return nil
}

// AttachPrincipal adds a principal to a grant; attaching twice is a no-op
func (s *Store) AttachPrincipal(ctx context.Context, grantID int64, p Principal) error {
	if err := s.attach(ctx, grantID, p); err != nil {
		return err
	}
	return s.bump(ctx)
}

// DetachPrincipal removes a principal from a grant
func (s *Store) DetachPrincipal(ctx context.Context, grantID int64, p Principal) error {
	table, column, err := principalTable(p.Kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE grant_id = $1 AND %s = $2`, table, column)
	if _, err := s.db.ExecContext(ctx, query, grantID, p.ID); err != nil {
		return fmt.Errorf("failed to detach %s from grant %d: %w", p, grantID, err)
	}
	return s.bump(ctx)
}

// GrantRows projects every grant held by p into (level, organization, application) rows
func (s *Store) GrantRows(ctx context.Context, p Principal) ([]GrantRow, error) {
	table, column, err := principalTable(p.Kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT l.level, g.organization_id, ga.application_id
		FROM %s p
		JOIN permission_grants g ON g.id = p.grant_id
		JOIN permission_grant_levels l ON l.grant_id = g.id
		LEFT JOIN permission_grant_applications ga ON ga.grant_id = g.id
		WHERE p.%s = $1
		ORDER BY g.id, l.level, ga.application_id
	`, table, column)

	rows, err := s.db.QueryContext(ctx, query, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query grant rows: %w", err)
	}
	defer rows.Close()

	var out []GrantRow
	for rows.Next() {
		var level string
		var orgID, appID sql.NullInt64
		if err := rows.Scan(&level, &orgID, &appID); err != nil {
			return nil, fmt.Errorf("failed to scan grant row: %w", err)
		}
		row := GrantRow{Level: Level(level)}
		if orgID.Valid {
			row.OrganizationID = int64Ptr(orgID.Int64)
		}
		if appID.Valid {
			row.ApplicationID = int64Ptr(appID.Int64)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ApplicationIDsByOrganization returns every application belonging to each organization
func (s *Store) ApplicationIDsByOrganization(ctx context.Context, organizationIDs []int64) (map[int64][]int64, error) {
	out := make(map[int64][]int64, len(organizationIDs))
	if len(organizationIDs) == 0 {
		return out, nil
	}

	args := make([]interface{}, len(organizationIDs))
	for i, id := range organizationIDs {
		args[i] = id
	}
	query := `
		SELECT organization_id, id
		FROM applications
		WHERE organization_id IN (` + placeholders(1, len(organizationIDs)) + `)
		ORDER BY organization_id, id
	`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query organization applications: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var orgID, appID int64
		if err := rows.Scan(&orgID, &appID); err != nil {
			return nil, fmt.Errorf("failed to scan organization application: %w", err)
		}
		out[orgID] = append(out[orgID], appID)
	}
	return out, rows.Err()
}

// AutoAddGrantIDs lists the grants in an organization that pick up new applications
func (s *Store) AutoAddGrantIDs(ctx context.Context, organizationID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM permission_grants
		WHERE organization_id = $1 AND automatically_add_new_applications = TRUE
		ORDER BY id
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query auto-add grants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan grant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddApplicationToAutoAddGrants appends an application to every auto-add grant
// of its organization. Repeating the call does not duplicate the association.
func (s *Store) AddApplicationToAutoAddGrants(ctx context.Context, organizationID, applicationID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_grant_applications (grant_id, application_id)
		SELECT id, CAST($1 AS BIGINT) FROM permission_grants
		WHERE organization_id = $2 AND automatically_add_new_applications = TRUE
		ON CONFLICT DO NOTHING
	`, applicationID, organizationID)
	if err != nil {
		return 0, fmt.Errorf("failed to add application %d to auto-add grants: %w", applicationID, err)
	}
	n, _ := res.RowsAffected()
	return n, s.bump(ctx)
}

// AddApplicationToGrants appends an application to the given grants
func (s *Store) AddApplicationToGrants(ctx context.Context, applicationID int64, grantIDs []int64) error {
	for _, grantID := range uniqueSorted(grantIDs) {
		if err := s.insertApplications(ctx, grantID, []int64{applicationID}); err != nil {
			return err
		}
	}
	return s.bump(ctx)
}

// RemoveApplication drops an application from every grant without deleting the grants
func (s *Store) RemoveApplication(ctx context.Context, applicationID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM permission_grant_applications WHERE application_id = $1`, applicationID,
	); err != nil {
		return fmt.Errorf("failed to remove application %d from grants: %w", applicationID, err)
	}
	return s.bump(ctx)
}

// GrantOrganizations maps each grant id to its owning organization (nil for GlobalAdmin)
func (s *Store) GrantOrganizations(ctx context.Context, grantIDs []int64) (map[int64]*int64, error) {
	out := make(map[int64]*int64, len(grantIDs))
	if len(grantIDs) == 0 {
		return out, nil
	}

	args := make([]interface{}, len(grantIDs))
	for i, id := range grantIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, organization_id FROM permission_grants WHERE id IN (`+placeholders(1, len(grantIDs))+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query grant organizations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var orgID sql.NullInt64
		if err := rows.Scan(&id, &orgID); err != nil {
			return nil, fmt.Errorf("failed to scan grant organization: %w", err)
		}
		if orgID.Valid {
			out[id] = int64Ptr(orgID.Int64)
		} else {
			out[id] = nil
		}
	}
	return out, rows.Err()
}

// MarkApplicationProvisioned records that an application went through grant
// provisioning, which keeps ReconcileAutoAddGrants away from it
func (s *Store) MarkApplicationProvisioned(ctx context.Context, applicationID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE applications SET grants_provisioned_at = $1 WHERE id = $2`,
		time.Now().UTC(), applicationID,
	); err != nil {
		return fmt.Errorf("failed to mark application %d provisioned: %w", applicationID, err)
	}
	return nil
}

// ReconcileAutoAddGrants repairs applications whose grant provisioning never
// ran: each is attached to the auto-add grants of its organization that
// existed when it was created, then marked provisioned. Applications that were
// provisioned are never touched, so explicit grant choices and later removals
// stand. It returns the number of associations added.
func (s *Store) ReconcileAutoAddGrants(ctx context.Context) (int64, error) {
	var added int64
	err := s.runTx(ctx, func(tx *Store) error {
		ids, err := tx.unprovisionedApplications(ctx)
		if err != nil || len(ids) == 0 {
			return err
		}

		args := make([]interface{}, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		res, err := tx.db.ExecContext(ctx, `
			INSERT INTO permission_grant_applications (grant_id, application_id)
			SELECT g.id, a.id
			FROM permission_grants g
			JOIN applications a ON a.organization_id = g.organization_id
			WHERE g.automatically_add_new_applications = TRUE
			  AND a.created_at >= g.created_at
			  AND a.id IN (`+placeholders(1, len(ids))+`)
			ON CONFLICT DO NOTHING
		`, args...)
		if err != nil {
			return fmt.Errorf("failed to reconcile auto-add grants: %w", err)
		}
		added, _ = res.RowsAffected()

		markArgs := append([]interface{}{time.Now().UTC()}, args...)
		if _, err := tx.db.ExecContext(ctx,
			`UPDATE applications SET grants_provisioned_at = $1 WHERE id IN (`+placeholders(2, len(ids))+`)`,
			markArgs...,
		); err != nil {
			return fmt.Errorf("failed to mark reconciled applications: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if added > 0 {
		if err := s.bump(ctx); err != nil {
			return added, err
		}
	}
	return added, nil
}

func (s *Store) unprovisionedApplications(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM applications WHERE grants_provisioned_at IS NULL ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprovisioned applications: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan application id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) attach(ctx context.Context, grantID int64, p Principal) error {
	table, column, err := principalTable(p.Kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (grant_id, %s) VALUES ($1, $2) ON CONFLICT DO NOTHING`, table, column)
	if _, err := s.db.ExecContext(ctx, query, grantID, p.ID); err != nil {
		return fmt.Errorf("failed to attach %s to grant %d: %w", p, grantID, err)
	}
	return nil
}

func (s *Store) insertLevels(ctx context.Context, grantID int64, levels []Level) error {
	for _, level := range levels {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO permission_grant_levels (grant_id, level) VALUES ($1, $2)`,
			grantID, string(level),
		); err != nil {
			if level == LevelGlobalAdmin && IsUniqueViolation(err) {
				return fmt.Errorf("%w: global admin grant already exists", ErrConflict)
			}
			return fmt.Errorf("failed to insert grant level: %w", err)
		}
	}
	return nil
}

func (s *Store) insertApplications(ctx context.Context, grantID int64, applicationIDs []int64) error {
	for _, appID := range applicationIDs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO permission_grant_applications (grant_id, application_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			grantID, appID,
		); err != nil {
			return fmt.Errorf("failed to insert grant application: %w", err)
		}
	}
	return nil
}

func (s *Store) queryGrants(ctx context.Context, query string, args ...interface{}) ([]*Grant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}

	var grants []*Grant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Relations are loaded after the cursor is closed so a single-connection
	// pool is never asked for a second concurrent result set.
	for _, grant := range grants {
		if err := s.loadRelations(ctx, grant); err != nil {
			return nil, err
		}
	}
	return grants, nil
}

func (s *Store) loadRelations(ctx context.Context, grant *Grant) error {
	levels, err := s.queryStrings(ctx, `SELECT level FROM permission_grant_levels WHERE grant_id = $1 ORDER BY level`, grant.ID)
	if err != nil {
		return fmt.Errorf("failed to load grant levels: %w", err)
	}
	grant.Levels = make([]Level, 0, len(levels))
	for _, l := range levels {
		grant.Levels = append(grant.Levels, Level(l))
	}

	if grant.ApplicationIDs, err = s.queryIDs(ctx,
		`SELECT application_id FROM permission_grant_applications WHERE grant_id = $1 ORDER BY application_id`, grant.ID); err != nil {
		return fmt.Errorf("failed to load grant applications: %w", err)
	}
	if grant.UserIDs, err = s.queryIDs(ctx,
		`SELECT user_id FROM permission_grant_users WHERE grant_id = $1 ORDER BY user_id`, grant.ID); err != nil {
		return fmt.Errorf("failed to load grant users: %w", err)
	}
	if grant.APIKeyIDs, err = s.queryIDs(ctx,
		`SELECT api_key_id FROM permission_grant_api_keys WHERE grant_id = $1 ORDER BY api_key_id`, grant.ID); err != nil {
		return fmt.Errorf("failed to load grant api keys: %w", err)
	}
	return nil
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) queryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// scanGrant scans the grant columns from a row
func scanGrant(scanner interface {
	Scan(dest ...interface{}) error
}) (*Grant, error) {
	var grant Grant
	var orgID sql.NullInt64

	err := scanner.Scan(
		&grant.ID,
		&grant.Name,
		&orgID,
		&grant.AutomaticallyAddNewApplications,
		&grant.CreatedAt,
		&grant.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if orgID.Valid {
		grant.OrganizationID = int64Ptr(orgID.Int64)
	}
	return &grant, nil
}

func principalTable(kind PrincipalKind) (table, column string, err error) {
	switch kind {
	case PrincipalUser:
		return "permission_grant_users", "user_id", nil
	case PrincipalAPIKey:
		return "permission_grant_api_keys", "api_key_id", nil
	}
	return "", "", fmt.Errorf("unknown principal kind %q", kind)
}

// placeholders renders "$start, $start+1, ..." for n parameters
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}
