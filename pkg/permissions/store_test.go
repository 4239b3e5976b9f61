package permissions

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*Store, *sql.DB, *LocalRevisions) {
	t.Helper()
	db := NewSQLiteTestDB(t)
	revisions := NewLocalRevisions()
	return NewStore(db).WithRevisions(revisions), db, revisions
}

func insertApplication(t *testing.T, db *sql.DB, organizationID int64, name string, createdAt time.Time) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(`
		INSERT INTO applications (organization_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, organizationID, name, createdAt, createdAt).Scan(&id)
	require.NoError(t, err)
	return id
}

func createGrant(t *testing.T, store *Store, grant *Grant) *Grant {
	t.Helper()
	require.NoError(t, store.CreateGrant(context.Background(), grant))
	return grant
}

func TestStore_CreateAndGetGrant(t *testing.T) {
	store, _, revisions := setupStore(t)
	ctx := context.Background()

	grant := createGrant(t, store, &Grant{
		Name:           "Acme - Ops",
		Levels:         []Level{LevelRead, LevelOrganizationApplicationAdmin, LevelRead},
		OrganizationID: orgRef(5),
		ApplicationIDs: []int64{11, 10, 11},
		UserIDs:        []int64{7},
		APIKeyIDs:      []int64{3},
	})
	assert.NotZero(t, grant.ID)
	assert.False(t, grant.CreatedAt.IsZero())

	got, err := store.GetGrant(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme - Ops", got.Name)
	assert.Equal(t, []Level{LevelOrganizationApplicationAdmin, LevelRead}, got.Levels)
	assert.Equal(t, int64(5), *got.OrganizationID)
	assert.Equal(t, []int64{10, 11}, got.ApplicationIDs)
	assert.Equal(t, []int64{7}, got.UserIDs)
	assert.Equal(t, []int64{3}, got.APIKeyIDs)

	rev, err := revisions.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	_, err = store.GetGrant(ctx, grant.ID+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CreateGrantValidation(t *testing.T) {
	store, _, _ := setupStore(t)

	tests := []struct {
		name  string
		grant *Grant
	}{
		{"missing name", &Grant{Levels: []Level{LevelRead}, OrganizationID: orgRef(1)}},
		{"no levels", &Grant{Name: "x", OrganizationID: orgRef(1)}},
		{"unknown level", &Grant{Name: "x", Levels: []Level{"Owner"}, OrganizationID: orgRef(1)}},
		{"missing organization", &Grant{Name: "x", Levels: []Level{LevelRead}}},
		{"global admin with organization", &Grant{Name: "x", Levels: []Level{LevelGlobalAdmin}, OrganizationID: orgRef(1)}},
		{"global admin combined", &Grant{Name: "x", Levels: []Level{LevelGlobalAdmin, LevelRead}}},
		{"global admin with applications", &Grant{Name: "x", Levels: []Level{LevelGlobalAdmin}, ApplicationIDs: []int64{1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.CreateGrant(context.Background(), tt.grant)
			assert.ErrorIs(t, err, ErrInvalidGrant)
		})
	}
}

func TestStore_UpdateGrant(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()

	grant := createGrant(t, store, &Grant{
		Name:           "Acme - Read",
		Levels:         []Level{LevelRead},
		OrganizationID: orgRef(5),
		ApplicationIDs: []int64{1},
		UserIDs:        []int64{7, 8},
	})

	name := "Acme - Operators"
	autoAdd := true
	updated, err := store.UpdateGrant(ctx, grant.ID, GrantUpdate{
		Name:                            &name,
		Levels:                          []Level{LevelOrganizationApplicationAdmin},
		ApplicationIDs:                  []int64{2, 3},
		ReplaceApplications:             true,
		AutomaticallyAddNewApplications: &autoAdd,
		UserIDs:                         []int64{9},
		ReplaceUsers:                    true,
	})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)

	got, err := store.GetGrant(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, name, got.Name)
	assert.Equal(t, []Level{LevelOrganizationApplicationAdmin}, got.Levels)
	assert.Equal(t, []int64{2, 3}, got.ApplicationIDs)
	assert.Equal(t, []int64{9}, got.UserIDs)
	assert.True(t, got.AutomaticallyAddNewApplications)

	_, err = store.UpdateGrant(ctx, grant.ID, GrantUpdate{Levels: []Level{}})
	assert.ErrorIs(t, err, ErrInvalidGrant)

	_, err = store.UpdateGrant(ctx, grant.ID+100, GrantUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GlobalAdminImmutable(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()

	admin := createGrant(t, store, &Grant{Name: GlobalAdminGrantName, Levels: []Level{LevelGlobalAdmin}})

	name := "renamed"
	_, err := store.UpdateGrant(ctx, admin.ID, GrantUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrGlobalAdminImmutable)
	assert.ErrorIs(t, store.DeleteGrant(ctx, admin.ID), ErrGlobalAdminImmutable)

	found, err := store.FindGlobalAdminGrant(ctx)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, found.ID)
	assert.Nil(t, found.OrganizationID)

	// A second GlobalAdmin level row violates the partial unique index.
	assert.Error(t, store.CreateGrant(ctx, &Grant{Name: "Another", Levels: []Level{LevelGlobalAdmin}}))
}

func TestStore_DeleteGrant(t *testing.T) {
	store, db, _ := setupStore(t)
	ctx := context.Background()

	grant := createGrant(t, store, &Grant{
		Name:           "Acme - Read",
		Levels:         []Level{LevelRead},
		OrganizationID: orgRef(5),
		ApplicationIDs: []int64{1},
		UserIDs:        []int64{7},
		APIKeyIDs:      []int64{3},
	})

	require.NoError(t, store.DeleteGrant(ctx, grant.ID))
	_, err := store.GetGrant(ctx, grant.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	for _, table := range []string{
		"permission_grant_levels",
		"permission_grant_applications",
		"permission_grant_users",
		"permission_grant_api_keys",
	} {
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
		assert.Zero(t, n, table)
	}

	assert.ErrorIs(t, store.DeleteGrant(ctx, grant.ID), ErrNotFound)
}

func TestStore_AttachDetachPrincipal(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()

	grant := createGrant(t, store, &Grant{Name: "Acme - Read", Levels: []Level{LevelRead}, OrganizationID: orgRef(5)})

	require.NoError(t, store.AttachPrincipal(ctx, grant.ID, User(7)))
	require.NoError(t, store.AttachPrincipal(ctx, grant.ID, User(7)))
	require.NoError(t, store.AttachPrincipal(ctx, grant.ID, APIKey(3)))

	grants, err := store.ListGrantsForPrincipal(ctx, User(7))
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, []int64{7}, grants[0].UserIDs)
	assert.Equal(t, []int64{3}, grants[0].APIKeyIDs)

	require.NoError(t, store.DetachPrincipal(ctx, grant.ID, User(7)))
	grants, err = store.ListGrantsForPrincipal(ctx, User(7))
	require.NoError(t, err)
	assert.Empty(t, grants)

	assert.Error(t, store.AttachPrincipal(ctx, grant.ID, Principal{Kind: "robot", ID: 1}))
}

func TestStore_GrantRows(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()

	createGrant(t, store, &Grant{
		Name:           "Acme - Apps",
		Levels:         []Level{LevelOrganizationApplicationAdmin},
		OrganizationID: orgRef(5),
		ApplicationIDs: []int64{10, 11},
		UserIDs:        []int64{7},
	})
	createGrant(t, store, &Grant{
		Name:           "Acme - OrganizationAdmin",
		Levels:         []Level{LevelOrganizationUserAdmin, LevelOrganizationGatewayAdmin},
		OrganizationID: orgRef(5),
		UserIDs:        []int64{7},
	})
	createGrant(t, store, &Grant{
		Name:           "Other - Read",
		Levels:         []Level{LevelRead},
		OrganizationID: orgRef(6),
		UserIDs:        []int64{8},
	})

	rows, err := store.GrantRows(ctx, User(7))
	require.NoError(t, err)
	assert.ElementsMatch(t, []GrantRow{
		{Level: LevelOrganizationApplicationAdmin, OrganizationID: orgRef(5), ApplicationID: appRef(10)},
		{Level: LevelOrganizationApplicationAdmin, OrganizationID: orgRef(5), ApplicationID: appRef(11)},
		{Level: LevelOrganizationGatewayAdmin, OrganizationID: orgRef(5)},
		{Level: LevelOrganizationUserAdmin, OrganizationID: orgRef(5)},
	}, rows)

	rows, err = store.GrantRows(ctx, APIKey(7))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStore_ListGrants(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()

	for _, orgID := range []int64{1, 2, 2, 3} {
		createGrant(t, store, &Grant{Name: "grant", Levels: []Level{LevelRead}, OrganizationID: orgRef(orgID)})
	}

	all, err := store.ListGrants(ctx, GrantFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	filtered, err := store.ListGrants(ctx, GrantFilter{OrganizationIDs: []int64{2, 3}})
	require.NoError(t, err)
	assert.Len(t, filtered, 3)

	page, err := store.ListGrants(ctx, GrantFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[1].ID, page[0].ID)
}

func TestStore_ApplicationIDsByOrganization(t *testing.T) {
	store, db, _ := setupStore(t)
	now := time.Now().UTC()

	a := insertApplication(t, db, 5, "a", now)
	b := insertApplication(t, db, 5, "b", now)
	c := insertApplication(t, db, 6, "c", now)
	insertApplication(t, db, 7, "d", now)

	apps, err := store.ApplicationIDsByOrganization(context.Background(), []int64{5, 6, 8})
	require.NoError(t, err)
	assert.Equal(t, map[int64][]int64{5: {a, b}, 6: {c}}, apps)

	apps, err = store.ApplicationIDsByOrganization(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, apps)
}

func TestStore_AutoAddGrants(t *testing.T) {
	store, db, _ := setupStore(t)
	ctx := context.Background()

	autoAdd := createGrant(t, store, &Grant{
		Name:                            "Acme - ApplicationAdmin",
		Levels:                          []Level{LevelOrganizationApplicationAdmin},
		OrganizationID:                  orgRef(5),
		AutomaticallyAddNewApplications: true,
	})
	manual := createGrant(t, store, &Grant{Name: "Acme - Read", Levels: []Level{LevelRead}, OrganizationID: orgRef(5)})
	createGrant(t, store, &Grant{
		Name:                            "Other - ApplicationAdmin",
		Levels:                          []Level{LevelOrganizationApplicationAdmin},
		OrganizationID:                  orgRef(6),
		AutomaticallyAddNewApplications: true,
	})

	ids, err := store.AutoAddGrantIDs(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{autoAdd.ID}, ids)

	appID := insertApplication(t, db, 5, "sensors", time.Now().UTC())
	added, err := store.AddApplicationToAutoAddGrants(ctx, 5, appID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), added)

	added, err = store.AddApplicationToAutoAddGrants(ctx, 5, appID)
	require.NoError(t, err)
	assert.Zero(t, added)

	got, err := store.GetGrant(ctx, autoAdd.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{appID}, got.ApplicationIDs)

	got, err = store.GetGrant(ctx, manual.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ApplicationIDs)
}

func TestStore_RemoveApplication(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()

	first := createGrant(t, store, &Grant{Name: "a", Levels: []Level{LevelRead}, OrganizationID: orgRef(5), ApplicationIDs: []int64{1, 2}})
	second := createGrant(t, store, &Grant{Name: "b", Levels: []Level{LevelOrganizationApplicationAdmin}, OrganizationID: orgRef(5), ApplicationIDs: []int64{1}})

	require.NoError(t, store.RemoveApplication(ctx, 1))

	got, err := store.GetGrant(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, got.ApplicationIDs)

	got, err = store.GetGrant(ctx, second.ID)
	require.NoError(t, err, "grant survives losing its last application")
	assert.Empty(t, got.ApplicationIDs)
}

func TestStore_DeleteOrganizationGrants(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()

	createGrant(t, store, &Grant{Name: "a", Levels: []Level{LevelRead}, OrganizationID: orgRef(5), UserIDs: []int64{7}})
	createGrant(t, store, &Grant{Name: "b", Levels: []Level{LevelRead}, OrganizationID: orgRef(5)})
	kept := createGrant(t, store, &Grant{Name: "c", Levels: []Level{LevelRead}, OrganizationID: orgRef(6), UserIDs: []int64{7}})

	require.NoError(t, store.DeleteOrganizationGrants(ctx, 5))

	grants, err := store.ListGrants(ctx, GrantFilter{})
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, kept.ID, grants[0].ID)

	rows, err := store.GrantRows(ctx, User(7))
	require.NoError(t, err)
	assert.Equal(t, []GrantRow{{Level: LevelRead, OrganizationID: orgRef(6)}}, rows)
}

func TestStore_ReconcileAutoAddGrants(t *testing.T) {
	store, db, revisions := setupStore(t)
	ctx := context.Background()

	older := insertApplication(t, db, 5, "legacy", time.Now().UTC().Add(-time.Hour))
	grant := createGrant(t, store, &Grant{
		Name:                            "Acme - ApplicationAdmin",
		Levels:                          []Level{LevelOrganizationApplicationAdmin},
		OrganizationID:                  orgRef(5),
		AutomaticallyAddNewApplications: true,
	})
	missed := insertApplication(t, db, 5, "missed", time.Now().UTC().Add(time.Second))

	before, err := revisions.Current(ctx)
	require.NoError(t, err)

	added, err := store.ReconcileAutoAddGrants(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), added)

	after, err := revisions.Current(ctx)
	require.NoError(t, err)
	assert.Greater(t, after, before)

	added, err = store.ReconcileAutoAddGrants(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)

	got, err := store.GetGrant(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{missed}, got.ApplicationIDs)
	assert.NotContains(t, got.ApplicationIDs, older)
}

func TestStore_WithTxDefersToCaller(t *testing.T) {
	store, db, revisions := setupStore(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.WithTx(tx).CreateGrant(ctx, &Grant{Name: "a", Levels: []Level{LevelRead}, OrganizationID: orgRef(5)}))
	require.NoError(t, tx.Rollback())

	grants, err := store.ListGrants(ctx, GrantFilter{})
	require.NoError(t, err)
	assert.Empty(t, grants)

	rev, err := revisions.Current(ctx)
	require.NoError(t, err)
	assert.Zero(t, rev, "rolled back writes leave the revision alone")
}

func TestStore_WithTxBumpsOnlyAfterCommit(t *testing.T) {
	store, db, revisions := setupStore(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	bound := store.WithTx(tx)
	grant := &Grant{Name: "a", Levels: []Level{LevelRead}, OrganizationID: orgRef(5)}
	require.NoError(t, bound.CreateGrant(ctx, grant))
	require.NoError(t, bound.AttachPrincipal(ctx, grant.ID, User(7)))

	rev, err := revisions.Current(ctx)
	require.NoError(t, err)
	assert.Zero(t, rev)

	require.NoError(t, tx.Commit())
	require.NoError(t, store.Bump(ctx))

	rev, err = revisions.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)
}

func TestStore_ReconcileLeavesProvisionedApplications(t *testing.T) {
	store, db, revisions := setupStore(t)
	ctx := context.Background()
	provisioner := NewProvisioner(store)

	_, err := provisioner.CreateDefaultPermissions(ctx, 5, "Acme", nil)
	require.NoError(t, err)
	grants := grantsByName(t, store, 5)
	autoAdd := grants["Acme - ApplicationAdmin"]
	read := grants["Acme - Read"]

	later := time.Now().UTC().Add(time.Second)
	explicit := insertApplication(t, db, 5, "explicit", later)
	require.NoError(t, provisioner.OnApplicationCreated(ctx, 5, explicit, []int64{read.ID}))

	removed := insertApplication(t, db, 5, "removed", later)
	require.NoError(t, provisioner.OnApplicationCreated(ctx, 5, removed, nil))
	_, err = store.UpdateGrant(ctx, autoAdd.ID, GrantUpdate{ApplicationIDs: []int64{}, ReplaceApplications: true})
	require.NoError(t, err)

	before, err := revisions.Current(ctx)
	require.NoError(t, err)

	added, err := store.ReconcileAutoAddGrants(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)

	got, err := store.GetGrant(ctx, autoAdd.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ApplicationIDs)

	after, err := revisions.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "nothing to repair, caches stay valid")
}

func TestStore_ConflictClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"lib/pq", &pq.Error{Code: "23505"}},
		{"pgx", &pgconn.PgError{Code: "23505"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			mock.ExpectBegin()
			mock.ExpectQuery("INSERT INTO permission_grants").
				WithArgs("Acme - Read", int64(5), false, sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnError(tt.err)
			mock.ExpectRollback()

			err = NewStore(db).CreateGrant(context.Background(), &Grant{
				Name:           "Acme - Read",
				Levels:         []Level{LevelRead},
				OrganizationID: orgRef(5),
			})
			assert.ErrorIs(t, err, ErrConflict)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}

	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsUniqueViolation(sql.ErrNoRows))
}
