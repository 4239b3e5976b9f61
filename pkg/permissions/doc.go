// Package permissions implements the grant model and its resolution into
// per-principal permission sets.
//
// # Grants
//
// A Grant is a named record carrying one or more levels (GlobalAdmin,
// OrganizationUserAdmin, OrganizationGatewayAdmin, OrganizationApplicationAdmin,
// Read), an owning organization (absent only for the single GlobalAdmin grant),
// a set of applications and the users and API keys holding it. Store persists
// grants over database/sql; it works against Postgres (lib/pq or pgx) and, for
// tests, in-memory SQLite.
//
// # Resolution
//
// Aggregator.Resolve loads a principal's grants as flat (level, organization,
// application) rows and folds them into a PermissionSet:
//
//	manager := permissions.NewManager(db, revisions, metrics, permissions.DefaultConfig())
//	set, err := manager.Resolve(ctx, permissions.User(userID))
//	if set.HasUserAdminOnOrganization(orgID) {
//		...
//	}
//
// Organization user admins additionally see every application of their
// organizations, including applications no grant lists. ApplicationAdmin
// grants without applications grant nothing.
//
// Resolution is uncached by default. With Config.CacheTTL set, sets are kept
// in an expirable LRU and dropped as soon as the grant revision changes; the
// revision lives in process (LocalRevisions) or in Redis (RedisRevisions) when
// several instances share the database.
//
// # Provisioning
//
// Provisioner creates the three default grants of a new organization, keeps
// auto-add grants in sync with new applications and maintains the global
// admin grant. ReconcileAutoAddGrants repairs applications an auto-add grant
// missed.
package permissions
