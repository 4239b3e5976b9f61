package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fieldmesh/iotaccess/pkg/observability"
	"github.com/fieldmesh/iotaccess/pkg/permissions"
)

// Service persists organizations and applications and keeps their grants in
// step: every write runs in one transaction with the matching provisioning.
type Service struct {
	db          *sql.DB
	provisioner *permissions.Provisioner
	now         func() time.Time
}

// NewService creates a new organization service
func NewService(db *sql.DB, provisioner *permissions.Provisioner) *Service {
	return &Service{
		db:          db,
		provisioner: provisioner,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrganization creates an organization with its default grants. creator,
// when set, is attached to all of them.
func (s *Service) CreateOrganization(ctx context.Context, name string, creator *permissions.Principal) (*Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}

	org := &Organization{Name: name, CreatedAt: s.now()}
	org.UpdatedAt = org.CreatedAt

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO organizations (name, created_at, updated_at)
			VALUES ($1, $2, $3)
			RETURNING id
		`
		err := tx.QueryRowContext(ctx, query, org.Name, org.CreatedAt, org.UpdatedAt).Scan(&org.ID)
		if err != nil {
			if permissions.IsUniqueViolation(err) {
				return fmt.Errorf("%w: organization %q", ErrNameTaken, org.Name)
			}
			return fmt.Errorf("failed to create organization: %w", err)
		}

		if _, err := s.provisioner.WithTx(tx).CreateDefaultPermissions(ctx, org.ID, org.Name, creator); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger := observability.FromContext(ctx).WithField("organization_id", org.ID)
	if creator != nil {
		logger = logger.WithField("creator", creator.String())
	}
	logger.Info("organization created")
	return org, nil
}

// GetOrganization retrieves an organization by ID
func (s *Service) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	query := `SELECT id, name, created_at, updated_at FROM organizations WHERE id = $1`
	org := &Organization{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&org.ID, &org.Name, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// ListOrganizations lists the organizations set can read, ordered by id
func (s *Service) ListOrganizations(ctx context.Context, set *permissions.PermissionSet) ([]*Organization, error) {
	query := `SELECT id, name, created_at, updated_at FROM organizations`
	var args []interface{}
	if set == nil || !set.IsGlobalAdmin {
		ids := visible(set, (*permissions.PermissionSet).AllOrganizationsWithAtLeastRead)
		if len(ids) == 0 {
			return []*Organization{}, nil
		}
		query, args = whereIn(query, "id", ids)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	orgs := []*Organization{}
	for rows.Next() {
		org := &Organization{}
		if err := rows.Scan(&org.ID, &org.Name, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// DeleteOrganization deletes an organization, its applications and its grants
func (s *Service) DeleteOrganization(ctx context.Context, id int64) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.provisioner.WithTx(tx).OnOrganizationDeleted(ctx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM applications WHERE organization_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete applications: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete organization: %w", err)
		}
		return expectOne(result, ErrOrganizationNotFound)
	})
	if err != nil {
		return err
	}

	observability.FromContext(ctx).WithField("organization_id", id).Info("organization deleted")
	return nil
}

// CreateApplication creates an application in organizationID. It is added to
// grantIDs, which must all belong to the organization, or to the
// organization's auto-add grants when grantIDs is empty.
func (s *Service) CreateApplication(ctx context.Context, organizationID int64, name string, grantIDs []int64) (*Application, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}

	app := &Application{OrganizationID: organizationID, Name: name, CreatedAt: s.now()}
	app.UpdatedAt = app.CreatedAt

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := organizationExists(ctx, tx, organizationID); err != nil {
			return err
		}

		query := `
			INSERT INTO applications (organization_id, name, created_at, updated_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`
		err := tx.QueryRowContext(ctx, query, app.OrganizationID, app.Name, app.CreatedAt, app.UpdatedAt).Scan(&app.ID)
		if err != nil {
			if permissions.IsUniqueViolation(err) {
				return fmt.Errorf("%w: application %q", ErrNameTaken, app.Name)
			}
			return fmt.Errorf("failed to create application: %w", err)
		}

		return s.provisioner.WithTx(tx).OnApplicationCreated(ctx, organizationID, app.ID, grantIDs)
	})
	if err != nil {
		return nil, err
	}

	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"organization_id": organizationID,
		"application_id":  app.ID,
		"explicit_grants": len(grantIDs),
	}).Info("application created")
	return app, nil
}

// GetApplication retrieves an application by ID
func (s *Service) GetApplication(ctx context.Context, id int64) (*Application, error) {
	query := `SELECT id, organization_id, name, created_at, updated_at FROM applications WHERE id = $1`
	app := &Application{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&app.ID, &app.OrganizationID, &app.Name, &app.CreatedAt, &app.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrApplicationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get application: %w", err)
	}
	return app, nil
}

// ListApplications lists the applications set can read, ordered by id
func (s *Service) ListApplications(ctx context.Context, set *permissions.PermissionSet) ([]*Application, error) {
	query := `SELECT id, organization_id, name, created_at, updated_at FROM applications`
	var args []interface{}
	if set == nil || !set.IsGlobalAdmin {
		ids := visible(set, (*permissions.PermissionSet).AllApplicationsWithAtLeastRead)
		if len(ids) == 0 {
			return []*Application{}, nil
		}
		query, args = whereIn(query, "id", ids)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	apps := []*Application{}
	for rows.Next() {
		app := &Application{}
		if err := rows.Scan(&app.ID, &app.OrganizationID, &app.Name, &app.CreatedAt, &app.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// DeleteApplication deletes an application and removes it from every grant
func (s *Service) DeleteApplication(ctx context.Context, id int64) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM applications WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete application: %w", err)
		}
		if err := expectOne(result, ErrApplicationNotFound); err != nil {
			return err
		}
		return s.provisioner.WithTx(tx).OnApplicationDeleted(ctx, id)
	})
	if err != nil {
		return err
	}

	observability.FromContext(ctx).WithField("application_id", id).Info("application deleted")
	return nil
}

// ChangeApplicationOrganization moves an application to newOrganizationID.
// Its grants are reset: it leaves every grant of the old organization and
// joins grantIDs or the new organization's auto-add grants.
func (s *Service) ChangeApplicationOrganization(ctx context.Context, applicationID, newOrganizationID int64, grantIDs []int64) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := organizationExists(ctx, tx, newOrganizationID); err != nil {
			return err
		}

		query := `UPDATE applications SET organization_id = $1, updated_at = $2 WHERE id = $3`
		result, err := tx.ExecContext(ctx, query, newOrganizationID, s.now(), applicationID)
		if err != nil {
			if permissions.IsUniqueViolation(err) {
				return fmt.Errorf("%w: application %d in organization %d", ErrNameTaken, applicationID, newOrganizationID)
			}
			return fmt.Errorf("failed to move application: %w", err)
		}
		if err := expectOne(result, ErrApplicationNotFound); err != nil {
			return err
		}

		return s.provisioner.WithTx(tx).ChangeApplicationOrganization(ctx, applicationID, newOrganizationID, grantIDs)
	})
	if err != nil {
		return err
	}

	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"application_id":  applicationID,
		"organization_id": newOrganizationID,
	}).Info("application moved")
	return nil
}

// inTx runs fn in a transaction. The grant revision is bumped only after
// the commit, so no resolver can cache the pre-commit grants under it.
func (s *Service) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return s.provisioner.Bump(ctx)
}

func organizationExists(ctx context.Context, tx *sql.Tx, id int64) error {
	var found int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM organizations WHERE id = $1`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOrganizationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get organization: %w", err)
	}
	return nil
}

func expectOne(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

func visible(set *permissions.PermissionSet, ids func(*permissions.PermissionSet) []int64) []int64 {
	if set == nil {
		return nil
	}
	return ids(set)
}

// whereIn appends "WHERE column IN ($1, ...)" to query
func whereIn(query, column string, ids []int64) (string, []interface{}) {
	marks := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		marks[i] = "$" + strconv.Itoa(i+1)
		args[i] = id
	}
	return query + ` WHERE ` + column + ` IN (` + strings.Join(marks, ", ") + `)`, args
}
