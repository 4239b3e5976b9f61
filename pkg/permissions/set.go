package permissions

import (
	"encoding/json"
	"sort"
)

// PermissionSet is the resolved, read-only view of a principal's grants.
//
// The AllX queries answer for non global admins only; callers check
// IsGlobalAdmin first. Every list they return is deduplicated and sorted.
type PermissionSet struct {
	IsGlobalAdmin                    bool
	OrgToReadPermissions             map[int64][]int64
	OrgToUserAdminPermissions        map[int64][]int64
	OrgToApplicationAdminPermissions map[int64][]int64
	OrgToGatewayAdminPermissions     map[int64]struct{}
}

// NewPermissionSet returns an empty set; every access check against it denies
func NewPermissionSet() *PermissionSet {
	return &PermissionSet{
		OrgToReadPermissions:             make(map[int64][]int64),
		OrgToUserAdminPermissions:        make(map[int64][]int64),
		OrgToApplicationAdminPermissions: make(map[int64][]int64),
		OrgToGatewayAdminPermissions:     make(map[int64]struct{}),
	}
}

// AllOrganizationsWithAtLeastRead returns every organization the principal can see
func (ps *PermissionSet) AllOrganizationsWithAtLeastRead() []int64 {
	return union(
		keys(ps.OrgToReadPermissions),
		keys(ps.OrgToUserAdminPermissions),
		keys(ps.OrgToApplicationAdminPermissions),
		ps.AllOrganizationsWithGatewayAdmin(),
	)
}

// AllOrganizationsWithAtLeastUserAdminRead returns organizations whose users
// and grants the principal may list
func (ps *PermissionSet) AllOrganizationsWithAtLeastUserAdminRead() []int64 {
	return union(keys(ps.OrgToReadPermissions), keys(ps.OrgToUserAdminPermissions))
}

// AllOrganizationsWithAtLeastApplicationRead returns organizations whose
// applications the principal may list
func (ps *PermissionSet) AllOrganizationsWithAtLeastApplicationRead() []int64 {
	return union(
		keys(ps.OrgToReadPermissions),
		keys(ps.OrgToUserAdminPermissions),
		keys(ps.OrgToApplicationAdminPermissions),
	)
}

// AllApplicationsWithAtLeastRead returns every application the principal can read
func (ps *PermissionSet) AllApplicationsWithAtLeastRead() []int64 {
	return union(
		values(ps.OrgToReadPermissions),
		values(ps.OrgToUserAdminPermissions),
		values(ps.OrgToApplicationAdminPermissions),
	)
}

// AllApplicationsWithAdmin returns applications the principal may modify
func (ps *PermissionSet) AllApplicationsWithAdmin() []int64 {
	return values(ps.OrgToApplicationAdminPermissions)
}

// AllOrganizationsWithUserAdmin returns organizations the principal administers
func (ps *PermissionSet) AllOrganizationsWithUserAdmin() []int64 {
	return keys(ps.OrgToUserAdminPermissions)
}

// AllOrganizationsWithGatewayAdmin returns organizations whose gateways the principal manages
func (ps *PermissionSet) AllOrganizationsWithGatewayAdmin() []int64 {
	out := make([]int64, 0, len(ps.OrgToGatewayAdminPermissions))
	for org := range ps.OrgToGatewayAdminPermissions {
		out = append(out, org)
	}
	sortInt64s(out)
	return out
}

// AllOrganizationsWithApplicationAdmin returns organizations holding at least
// one application the principal administers
func (ps *PermissionSet) AllOrganizationsWithApplicationAdmin() []int64 {
	return keys(ps.OrgToApplicationAdminPermissions)
}

// HasUserAdminOnOrganization reports whether the principal may manage users in org
func (ps *PermissionSet) HasUserAdminOnOrganization(org int64) bool {
	if ps.IsGlobalAdmin {
		return true
	}
	_, ok := ps.OrgToUserAdminPermissions[org]
	return ok
}

// HasAnyLevel reports whether the principal holds level anywhere. Read is
// satisfied by any access at all, since every admin level implies read.
func (ps *PermissionSet) HasAnyLevel(level Level) bool {
	if ps.IsGlobalAdmin {
		return true
	}
	switch level {
	case LevelOrganizationUserAdmin:
		return len(ps.OrgToUserAdminPermissions) > 0
	case LevelOrganizationGatewayAdmin:
		return len(ps.OrgToGatewayAdminPermissions) > 0
	case LevelOrganizationApplicationAdmin:
		return len(ps.OrgToApplicationAdminPermissions) > 0
	case LevelRead:
		return len(ps.AllOrganizationsWithAtLeastRead()) > 0
	}
	return false
}

// IsEmpty reports whether the set grants nothing
func (ps *PermissionSet) IsEmpty() bool {
	return !ps.IsGlobalAdmin &&
		len(ps.OrgToReadPermissions) == 0 &&
		len(ps.OrgToUserAdminPermissions) == 0 &&
		len(ps.OrgToApplicationAdminPermissions) == 0 &&
		len(ps.OrgToGatewayAdminPermissions) == 0
}

type permissionSetJSON struct {
	IsGlobalAdmin             bool              `json:"is_global_admin"`
	Read                      map[int64][]int64 `json:"read"`
	UserAdmin                 map[int64][]int64 `json:"user_admin"`
	ApplicationAdmin          map[int64][]int64 `json:"application_admin"`
	GatewayAdminOrganizations []int64           `json:"gateway_admin_organizations"`
}

// MarshalJSON renders the set with sorted, deduplicated lists
func (ps *PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(permissionSetJSON{
		IsGlobalAdmin:             ps.IsGlobalAdmin,
		Read:                      normalized(ps.OrgToReadPermissions),
		UserAdmin:                 normalized(ps.OrgToUserAdminPermissions),
		ApplicationAdmin:          normalized(ps.OrgToApplicationAdminPermissions),
		GatewayAdminOrganizations: ps.AllOrganizationsWithGatewayAdmin(),
	})
}

// finalize dedupes and sorts every application list in place
func (ps *PermissionSet) finalize() {
	for _, m := range []map[int64][]int64{
		ps.OrgToReadPermissions,
		ps.OrgToUserAdminPermissions,
		ps.OrgToApplicationAdminPermissions,
	} {
		for org, apps := range m {
			m[org] = uniqueSorted(apps)
		}
	}
}

func normalized(m map[int64][]int64) map[int64][]int64 {
	out := make(map[int64][]int64, len(m))
	for org, apps := range m {
		out[org] = uniqueSorted(apps)
	}
	return out
}

func keys(m map[int64][]int64) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sortInt64s(out)
	return out
}

func values(m map[int64][]int64) []int64 {
	var all []int64
	for _, apps := range m {
		all = append(all, apps...)
	}
	return uniqueSorted(all)
}

func union(lists ...[]int64) []int64 {
	var all []int64
	for _, l := range lists {
		all = append(all, l...)
	}
	return uniqueSorted(all)
}

func sortInt64s(s []int64) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}

// Contains reports whether id is in ids
func Contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
