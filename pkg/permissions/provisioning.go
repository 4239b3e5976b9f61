package permissions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GlobalAdminGrantName is the name of the single global admin grant
const GlobalAdminGrantName = "GlobalAdmin"

// Default grant name suffixes, appended to the organization name
const (
	ReadSuffix              = " - Read"
	ApplicationAdminSuffix  = " - ApplicationAdmin"
	OrganizationAdminSuffix = " - OrganizationAdmin"
)

// Provisioner creates and maintains the grants the system manages on its own:
// organization defaults, the global admin grant and auto-added applications
type Provisioner struct {
	store *Store
}

// NewProvisioner creates a new provisioner
func NewProvisioner(store *Store) *Provisioner {
	return &Provisioner{store: store}
}

// WithTx returns a provisioner whose writes join tx. Call Bump after tx commits.
func (p *Provisioner) WithTx(tx *sql.Tx) *Provisioner {
	return &Provisioner{store: p.store.WithTx(tx)}
}

// Bump advances the grant revision after a transaction joined through WithTx commits
func (p *Provisioner) Bump(ctx context.Context) error {
	return p.store.Bump(ctx)
}

// DefaultGrants returns the unsaved grants every new organization starts with
func DefaultGrants(organizationID int64, organizationName string) []*Grant {
	return []*Grant{
		{
			Name:           organizationName + ReadSuffix,
			Levels:         []Level{LevelRead},
			OrganizationID: int64Ptr(organizationID),
		},
		{
			Name:                            organizationName + ApplicationAdminSuffix,
			Levels:                          []Level{LevelOrganizationApplicationAdmin},
			OrganizationID:                  int64Ptr(organizationID),
			AutomaticallyAddNewApplications: true,
		},
		{
			Name: organizationName + OrganizationAdminSuffix,
			Levels: []Level{
				LevelOrganizationUserAdmin,
				LevelOrganizationGatewayAdmin,
				LevelRead,
			},
			OrganizationID: int64Ptr(organizationID),
		},
	}
}

// CreateDefaultPermissions creates the default grants of a new organization
// and attaches creator to all of them. creator may be nil.
func (p *Provisioner) CreateDefaultPermissions(ctx context.Context, organizationID int64, organizationName string, creator *Principal) ([]*Grant, error) {
	grants := DefaultGrants(organizationID, organizationName)
	for _, grant := range grants {
		if creator != nil {
			switch creator.Kind {
			case PrincipalUser:
				grant.UserIDs = []int64{creator.ID}
			case PrincipalAPIKey:
				grant.APIKeyIDs = []int64{creator.ID}
			}
		}
		if err := p.store.CreateGrant(ctx, grant); err != nil {
			return nil, fmt.Errorf("failed to create default grant %q: %w", grant.Name, err)
		}
	}
	return grants, nil
}

// FindOrCreateGlobalAdmin returns the global admin grant, creating it on first use.
// Concurrent creators converge on a single grant.
func (p *Provisioner) FindOrCreateGlobalAdmin(ctx context.Context) (*Grant, error) {
	grant, err := p.store.FindGlobalAdminGrant(ctx)
	if err == nil {
		return grant, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	grant = &Grant{
		Name:   GlobalAdminGrantName,
		Levels: []Level{LevelGlobalAdmin},
	}
	err = p.store.CreateGrant(ctx, grant)
	if errors.Is(err, ErrConflict) {
		return p.store.FindGlobalAdminGrant(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create global admin grant: %w", err)
	}
	return grant, nil
}

// PromoteToGlobalAdmin attaches userID to the global admin grant. Only a
// global admin may do so.
func (p *Provisioner) PromoteToGlobalAdmin(ctx context.Context, requester *PermissionSet, userID int64) error {
	if requester == nil || !requester.IsGlobalAdmin {
		return ErrForbidden
	}
	grant, err := p.FindOrCreateGlobalAdmin(ctx)
	if err != nil {
		return err
	}
	return p.store.AttachPrincipal(ctx, grant.ID, User(userID))
}

// OnApplicationCreated attaches a new application to grantIDs, or to every
// auto-add grant of its organization when no grant ids are given, and marks
// the application provisioned
func (p *Provisioner) OnApplicationCreated(ctx context.Context, organizationID, applicationID int64, grantIDs []int64) error {
	if len(grantIDs) > 0 {
		if err := p.AttachApplication(ctx, organizationID, applicationID, grantIDs); err != nil {
			return err
		}
	} else if _, err := p.store.AddApplicationToAutoAddGrants(ctx, organizationID, applicationID); err != nil {
		return err
	}
	return p.store.MarkApplicationProvisioned(ctx, applicationID)
}

// AttachApplication adds an application to explicit grants, all of which must
// belong to the application's organization
func (p *Provisioner) AttachApplication(ctx context.Context, organizationID, applicationID int64, grantIDs []int64) error {
	grantIDs = uniqueSorted(grantIDs)
	orgs, err := p.store.GrantOrganizations(ctx, grantIDs)
	if err != nil {
		return err
	}
	for _, id := range grantIDs {
		org, ok := orgs[id]
		if !ok {
			return fmt.Errorf("%w: grant %d", ErrNotFound, id)
		}
		if org == nil || *org != organizationID {
			return fmt.Errorf("%w: grant %d does not belong to organization %d", ErrInvalidGrant, id, organizationID)
		}
	}
	return p.store.AddApplicationToGrants(ctx, applicationID, grantIDs)
}

// ChangeApplicationOrganization resets the grants of an application moved to
// newOrganizationID: it is removed from every grant and attached either to
// grantIDs or to the auto-add grants of its new organization
func (p *Provisioner) ChangeApplicationOrganization(ctx context.Context, applicationID, newOrganizationID int64, grantIDs []int64) error {
	if err := p.store.RemoveApplication(ctx, applicationID); err != nil {
		return err
	}
	return p.OnApplicationCreated(ctx, newOrganizationID, applicationID, grantIDs)
}

// OnApplicationDeleted drops the application from every grant
func (p *Provisioner) OnApplicationDeleted(ctx context.Context, applicationID int64) error {
	return p.store.RemoveApplication(ctx, applicationID)
}

// OnOrganizationDeleted deletes every grant the organization owns
func (p *Provisioner) OnOrganizationDeleted(ctx context.Context, organizationID int64) error {
	return p.store.DeleteOrganizationGrants(ctx, organizationID)
}
