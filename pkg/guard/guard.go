package guard

import (
	"errors"

	"github.com/fieldmesh/iotaccess/pkg/permissions"
)

var (
	// ErrForbidden is the only error an access check returns. It never says
	// which capability was missing.
	ErrForbidden = permissions.ErrForbidden

	// ErrNotFound is returned by MaskNotFound in place of ErrForbidden
	ErrNotFound = errors.New("not found")
)

// ApplicationScope selects which applications of a set an application check
// is evaluated against
type ApplicationScope int

const (
	ApplicationRead ApplicationScope = iota
	ApplicationWrite
)

func (s ApplicationScope) String() string {
	switch s {
	case ApplicationRead:
		return "application_read"
	case ApplicationWrite:
		return "application_write"
	}
	return "unknown"
}

// OrganizationScope selects which organizations of a set an organization
// check is evaluated against
type OrganizationScope int

const (
	OrganizationRead OrganizationScope = iota
	OrganizationApplicationRead
	OrganizationApplicationWrite
	OrganizationUserAdminRead
	OrganizationUserAdminWrite
	OrganizationGatewayWrite
)

func (s OrganizationScope) String() string {
	switch s {
	case OrganizationRead:
		return "organization_read"
	case OrganizationApplicationRead:
		return "organization_application_read"
	case OrganizationApplicationWrite:
		return "organization_application_write"
	case OrganizationUserAdminRead:
		return "organization_user_admin_read"
	case OrganizationUserAdminWrite:
		return "organization_user_admin_write"
	case OrganizationGatewayWrite:
		return "organization_gateway_write"
	}
	return "unknown"
}

func (s ApplicationScope) applications(set *permissions.PermissionSet) []int64 {
	switch s {
	case ApplicationRead:
		return set.AllApplicationsWithAtLeastRead()
	case ApplicationWrite:
		return set.AllApplicationsWithAdmin()
	}
	return nil
}

func (s OrganizationScope) organizations(set *permissions.PermissionSet) []int64 {
	switch s {
	case OrganizationRead:
		return set.AllOrganizationsWithAtLeastRead()
	case OrganizationApplicationRead:
		return set.AllOrganizationsWithAtLeastApplicationRead()
	case OrganizationApplicationWrite:
		return set.AllOrganizationsWithApplicationAdmin()
	case OrganizationUserAdminRead:
		return set.AllOrganizationsWithAtLeastUserAdminRead()
	case OrganizationUserAdminWrite:
		return set.AllOrganizationsWithUserAdmin()
	case OrganizationGatewayWrite:
		return set.AllOrganizationsWithGatewayAdmin()
	}
	return nil
}

// CheckApplicationAccess allows when applicationID is within scope of set
func CheckApplicationAccess(set *permissions.PermissionSet, applicationID int64, scope ApplicationScope) error {
	if set == nil {
		return ErrForbidden
	}
	if set.IsGlobalAdmin {
		return nil
	}
	if permissions.Contains(scope.applications(set), applicationID) {
		return nil
	}
	return ErrForbidden
}

// CheckOrganizationAccess allows when organizationID is within scope of set
func CheckOrganizationAccess(set *permissions.PermissionSet, organizationID int64, scope OrganizationScope) error {
	if set == nil {
		return ErrForbidden
	}
	if set.IsGlobalAdmin {
		return nil
	}
	if permissions.Contains(scope.organizations(set), organizationID) {
		return nil
	}
	return ErrForbidden
}

func CheckReadAccessToOrganization(set *permissions.PermissionSet, organizationID int64) error {
	return CheckOrganizationAccess(set, organizationID, OrganizationRead)
}

// CheckWriteAccessToOrganization requires application admin in the organization
func CheckWriteAccessToOrganization(set *permissions.PermissionSet, organizationID int64) error {
	return CheckOrganizationAccess(set, organizationID, OrganizationApplicationWrite)
}

// CheckAdminAccessToOrganization requires user admin on the organization
func CheckAdminAccessToOrganization(set *permissions.PermissionSet, organizationID int64) error {
	return CheckOrganizationAccess(set, organizationID, OrganizationUserAdminWrite)
}

func CheckGlobalAdmin(set *permissions.PermissionSet) error {
	if set != nil && set.IsGlobalAdmin {
		return nil
	}
	return ErrForbidden
}

// CheckAdminAccessToAllOrganizations requires user admin on every one of
// organizationIDs. An empty list is allowed.
func CheckAdminAccessToAllOrganizations(set *permissions.PermissionSet, organizationIDs []int64) error {
	if set == nil {
		return ErrForbidden
	}
	for _, org := range organizationIDs {
		if err := CheckAdminAccessToOrganization(set, org); err != nil {
			return err
		}
	}
	return nil
}

// CheckAdminAccessToAnyOrganization requires user admin on at least one of
// organizationIDs
func CheckAdminAccessToAnyOrganization(set *permissions.PermissionSet, organizationIDs []int64) error {
	for _, org := range organizationIDs {
		if CheckAdminAccessToOrganization(set, org) == nil {
			return nil
		}
	}
	return ErrForbidden
}

// CheckLevel allows when set holds any of levels in some organization
func CheckLevel(set *permissions.PermissionSet, levels ...permissions.Level) error {
	if set == nil {
		return ErrForbidden
	}
	for _, level := range levels {
		if level == permissions.LevelGlobalAdmin {
			if set.IsGlobalAdmin {
				return nil
			}
			continue
		}
		if set.HasAnyLevel(level) {
			return nil
		}
	}
	return ErrForbidden
}

// CheckGrantManagement allows creating, changing or deleting grant. The
// GlobalAdmin grant is reserved to global admins.
func CheckGrantManagement(set *permissions.PermissionSet, grant *permissions.Grant) error {
	if grant == nil {
		return ErrForbidden
	}
	if grant.IsGlobalAdmin() || grant.OrganizationID == nil {
		return CheckGlobalAdmin(set)
	}
	return CheckAdminAccessToOrganization(set, *grant.OrganizationID)
}

// CheckAPIKeyGrants allows issuing an API key holding grants. Every grant
// must belong to an organization the requester administers.
func CheckAPIKeyGrants(set *permissions.PermissionSet, grants []*permissions.Grant) error {
	if len(grants) == 0 {
		return ErrForbidden
	}
	orgs := make([]int64, 0, len(grants))
	for _, g := range grants {
		if g == nil || g.IsGlobalAdmin() || g.OrganizationID == nil {
			return ErrForbidden
		}
		orgs = append(orgs, *g.OrganizationID)
	}
	return CheckAdminAccessToAllOrganizations(set, orgs)
}

// MaskNotFound turns a denial into ErrNotFound so callers cannot probe for
// resources they cannot see. Other errors pass through.
func MaskNotFound(err error) error {
	if errors.Is(err, ErrForbidden) {
		return ErrNotFound
	}
	return err
}
