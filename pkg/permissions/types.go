package permissions

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Level is a permission level carried by a grant
type Level string

const (
	LevelGlobalAdmin                  Level = "GlobalAdmin"
	LevelOrganizationUserAdmin        Level = "OrganizationUserAdmin"
	LevelOrganizationGatewayAdmin     Level = "OrganizationGatewayAdmin"
	LevelOrganizationApplicationAdmin Level = "OrganizationApplicationAdmin"
	LevelRead                         Level = "Read"
)

// AllLevels returns the closed set of levels
func AllLevels() []Level {
	return []Level{
		LevelGlobalAdmin,
		LevelOrganizationUserAdmin,
		LevelOrganizationGatewayAdmin,
		LevelOrganizationApplicationAdmin,
		LevelRead,
	}
}

// Valid reports whether l is one of the known levels
func (l Level) Valid() bool {
	switch l {
	case LevelGlobalAdmin, LevelOrganizationUserAdmin, LevelOrganizationGatewayAdmin,
		LevelOrganizationApplicationAdmin, LevelRead:
		return true
	}
	return false
}

// ParseLevel converts a stored or user-supplied string into a Level
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if !l.Valid() {
		return "", fmt.Errorf("%w: unknown level %q", ErrInvalidGrant, s)
	}
	return l, nil
}

// PrincipalKind distinguishes human users from API keys
type PrincipalKind string

const (
	PrincipalUser   PrincipalKind = "user"
	PrincipalAPIKey PrincipalKind = "api_key"
)

// Principal identifies the holder of grants
type Principal struct {
	Kind PrincipalKind `json:"kind"`
	ID   int64         `json:"id"`
}

// User returns a user principal
func User(id int64) Principal {
	return Principal{Kind: PrincipalUser, ID: id}
}

// APIKey returns an API key principal
func APIKey(id int64) Principal {
	return Principal{Kind: PrincipalAPIKey, ID: id}
}

func (p Principal) String() string {
	return string(p.Kind) + ":" + strconv.FormatInt(p.ID, 10)
}

// Grant is a named permission record combining one or more levels with an
// organization scope and, for application scoped levels, a set of applications.
type Grant struct {
	ID                              int64     `json:"id"`
	Name                            string    `json:"name"`
	Levels                          []Level   `json:"levels"`
	OrganizationID                  *int64    `json:"organization_id,omitempty"` // nil only for GlobalAdmin
	ApplicationIDs                  []int64   `json:"application_ids"`
	AutomaticallyAddNewApplications bool      `json:"automatically_add_new_applications"`
	UserIDs                         []int64   `json:"user_ids"`
	APIKeyIDs                       []int64   `json:"api_key_ids"`
	CreatedAt                       time.Time `json:"created_at"`
	UpdatedAt                       time.Time `json:"updated_at"`
}

// HasLevel reports whether the grant carries level l
func (g *Grant) HasLevel(l Level) bool {
	for _, level := range g.Levels {
		if level == l {
			return true
		}
	}
	return false
}

// IsGlobalAdmin reports whether this is the global admin grant
func (g *Grant) IsGlobalAdmin() bool {
	return g.HasLevel(LevelGlobalAdmin)
}

// Validate checks the structural invariants of a grant
func (g *Grant) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidGrant)
	}
	if len(g.Levels) == 0 {
		return fmt.Errorf("%w: at least one level is required", ErrInvalidGrant)
	}
	for _, l := range g.Levels {
		if !l.Valid() {
			return fmt.Errorf("%w: unknown level %q", ErrInvalidGrant, l)
		}
	}

	if g.IsGlobalAdmin() {
		if len(g.Levels) != 1 {
			return fmt.Errorf("%w: GlobalAdmin cannot be combined with other levels", ErrInvalidGrant)
		}
		if g.OrganizationID != nil {
			return fmt.Errorf("%w: GlobalAdmin cannot belong to an organization", ErrInvalidGrant)
		}
		if len(g.ApplicationIDs) > 0 {
			return fmt.Errorf("%w: GlobalAdmin cannot list applications", ErrInvalidGrant)
		}
		return nil
	}

	if g.OrganizationID == nil {
		return fmt.Errorf("%w: organization is required", ErrInvalidGrant)
	}
	return nil
}

// normalize removes duplicate levels and ids and sorts them
func (g *Grant) normalize() {
	seen := make(map[Level]struct{}, len(g.Levels))
	levels := g.Levels[:0]
	for _, l := range g.Levels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	g.Levels = levels
	g.ApplicationIDs = uniqueSorted(g.ApplicationIDs)
	g.UserIDs = uniqueSorted(g.UserIDs)
	g.APIKeyIDs = uniqueSorted(g.APIKeyIDs)
}

// GrantRow is the flat projection of a principal's grants used for resolution:
// one row per (grant, level, application), ApplicationID nil for org-only grants.
type GrantRow struct {
	Level          Level
	OrganizationID *int64
	ApplicationID  *int64
}

// GrantFilter narrows ListGrants
type GrantFilter struct {
	// OrganizationIDs limits results to grants owned by these organizations.
	// Empty means all grants.
	OrganizationIDs []int64
	Limit           int
	Offset          int
}

// GrantUpdate holds the mutable fields of a grant. Nil fields are left unchanged.
type GrantUpdate struct {
	Name                            *string
	Levels                          []Level
	ApplicationIDs                  []int64
	ReplaceApplications             bool
	AutomaticallyAddNewApplications *bool
	UserIDs                         []int64
	ReplaceUsers                    bool
}

func uniqueSorted(ids []int64) []int64 {
	if len(ids) == 0 {
		return []int64{}
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func int64Ptr(v int64) *int64 {
	return &v
}
