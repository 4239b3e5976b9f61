package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/iotaccess/pkg/auth"
	"github.com/fieldmesh/iotaccess/pkg/observability"
	"github.com/fieldmesh/iotaccess/pkg/orgs"
	"github.com/fieldmesh/iotaccess/pkg/permissions"
)

const (
	root     = int64(1)
	admin    = int64(7)
	stranger = int64(8)
)

type apiEnv struct {
	server  *Server
	tokens  *auth.JWTManager
	metrics *observability.Metrics
	acme    *orgs.Organization
	sensors *orgs.Application
	grants  map[string]*permissions.Grant
	global  *permissions.Grant
}

func setupServer(t *testing.T, maskNotFound bool) *apiEnv {
	t.Helper()
	ctx := context.Background()

	db := permissions.NewSQLiteTestDB(t)
	store := permissions.NewStore(db)
	provisioner := permissions.NewProvisioner(store)
	orgService := orgs.NewService(db, provisioner)

	tokens, err := auth.NewJWTManager("0123456789abcdef0123456789abcdef", "iotaccess", time.Hour)
	require.NoError(t, err)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	server := NewServer(Dependencies{
		Resolver:     permissions.NewAggregator(store, metrics),
		Grants:       store,
		Provisioner:  provisioner,
		Orgs:         orgService,
		APIKeys:      auth.NewAPIKeyStore(db, store),
		Tokens:       tokens,
		Metrics:      metrics,
		Logger:       observability.NewLogger(observability.ErrorLevel, io.Discard),
		MaskNotFound: maskNotFound,
	})

	global, err := provisioner.FindOrCreateGlobalAdmin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.AttachPrincipal(ctx, global.ID, permissions.User(root)))

	creator := permissions.User(admin)
	acme, err := orgService.CreateOrganization(ctx, "Acme", &creator)
	require.NoError(t, err)
	sensors, err := orgService.CreateApplication(ctx, acme.ID, "sensors", nil)
	require.NoError(t, err)

	grants, err := store.ListGrants(ctx, permissions.GrantFilter{OrganizationIDs: []int64{acme.ID}})
	require.NoError(t, err)
	byName := make(map[string]*permissions.Grant, len(grants))
	for _, g := range grants {
		byName[g.Name] = g
	}

	return &apiEnv{
		server:  server,
		tokens:  tokens,
		metrics: metrics,
		acme:    acme,
		sensors: sensors,
		grants:  byName,
		global:  global,
	}
}

func (e *apiEnv) token(t *testing.T, userID int64) string {
	t.Helper()
	token, err := e.tokens.Issue(userID)
	require.NoError(t, err)
	return token
}

func (e *apiEnv) do(t *testing.T, method, path, credential string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		payload, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

type permissionsBody struct {
	Principal   string `json:"principal"`
	Permissions struct {
		IsGlobalAdmin bool               `json:"is_global_admin"`
		Read          map[string][]int64 `json:"read"`
		UserAdmin     map[string][]int64 `json:"user_admin"`
	} `json:"permissions"`
}

func TestServer_RequiresAuthentication(t *testing.T) {
	env := setupServer(t, false)

	rec := env.do(t, http.MethodGet, "/v1/me/permissions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/v1/me/permissions", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_MyPermissions(t *testing.T) {
	env := setupServer(t, false)

	rec := env.do(t, http.MethodGet, "/v1/me/permissions", env.token(t, admin), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body permissionsBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "user:7", body.Principal)
	assert.False(t, body.Permissions.IsGlobalAdmin)
	acme := strconv.FormatInt(env.acme.ID, 10)
	assert.Equal(t, []int64{env.sensors.ID}, body.Permissions.UserAdmin[acme])
	assert.Contains(t, body.Permissions.Read, acme)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		env.metrics.HTTPRequestsTotal.WithLabelValues("GET", "/v1/me/permissions", "200")))
}

func TestServer_MyOrganizationsAndApplications(t *testing.T) {
	env := setupServer(t, false)

	var organizations []orgs.Organization
	rec := env.do(t, http.MethodGet, "/v1/me/organizations", env.token(t, admin), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&organizations))
	require.Len(t, organizations, 1)
	assert.Equal(t, "Acme", organizations[0].Name)

	var applications []orgs.Application
	rec = env.do(t, http.MethodGet, "/v1/me/applications", env.token(t, admin), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&applications))
	require.Len(t, applications, 1)
	assert.Equal(t, env.sensors.ID, applications[0].ID)

	rec = env.do(t, http.MethodGet, "/v1/me/organizations", env.token(t, stranger), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestServer_AccessDecisions(t *testing.T) {
	env := setupServer(t, false)

	org := fmt.Sprintf("/v1/access/organizations/%d", env.acme.ID)
	app := fmt.Sprintf("/v1/access/applications/%d", env.sensors.ID)

	tests := []struct {
		name string
		path string
		user int64
		want int
	}{
		{"admin reads organization", org + "/read", admin, http.StatusOK},
		{"admin manages users", org + "/user-admin-write", admin, http.StatusOK},
		{"admin manages gateways", org + "/gateway-write", admin, http.StatusOK},
		{"admin writes applications", org + "/application-write", admin, http.StatusOK},
		{"admin writes application", app + "/write", admin, http.StatusOK},
		{"stranger reads organization", org + "/read", stranger, http.StatusForbidden},
		{"stranger reads application", app + "/read", stranger, http.StatusForbidden},
		{"unknown application", "/v1/access/applications/999/read", admin, http.StatusForbidden},
		{"malformed id", "/v1/access/applications/abc/read", admin, http.StatusBadRequest},
		{"gateway level", "/v1/access/levels/OrganizationGatewayAdmin", admin, http.StatusOK},
		{"read level", "/v1/access/levels/Read", admin, http.StatusOK},
		{"stranger has no level", "/v1/access/levels/Read", stranger, http.StatusForbidden},
		{"not global admin", "/v1/access/global-admin", admin, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.path, env.token(t, tt.user), nil)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusForbidden {
				assert.JSONEq(t, `{"error":"forbidden"}`, rec.Body.String())
			}
		})
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(
		env.metrics.HTTPRequestsTotal.WithLabelValues("GET", "/v1/access/global-admin", "403")))
}

func TestServer_AccessDecisionsMaskNotFound(t *testing.T) {
	env := setupServer(t, true)

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/v1/access/applications/%d/read", env.sensors.ID), env.token(t, stranger), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/access/global-admin", env.token(t, stranger), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "coarse checks have no resource to hide")
}

func TestServer_APIKeyLifecycle(t *testing.T) {
	env := setupServer(t, false)
	read := env.grants["Acme"+permissions.ReadSuffix]
	require.NotNil(t, read)

	rec := env.do(t, http.MethodPost, "/v1/api-keys", env.token(t, admin), IssueAPIKeyRequest{
		Name:     "gateway-bridge",
		GrantIDs: []int64{read.ID},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var issued IssueAPIKeyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&issued))
	require.NotNil(t, issued.APIKey)
	assert.True(t, auth.IsAPIKey(issued.Key))
	require.NotNil(t, issued.APIKey.CreatedBy)
	assert.Equal(t, admin, *issued.APIKey.CreatedBy)

	rec = env.do(t, http.MethodGet, "/v1/me/permissions", issued.Key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body permissionsBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, fmt.Sprintf("api_key:%d", issued.APIKey.ID), body.Principal)
	assert.Contains(t, body.Permissions.Read, strconv.FormatInt(env.acme.ID, 10))
	assert.Empty(t, body.Permissions.UserAdmin)

	path := fmt.Sprintf("/v1/api-keys/%d", issued.APIKey.ID)
	rec = env.do(t, http.MethodDelete, path, env.token(t, stranger), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodDelete, path, env.token(t, admin), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/me/permissions", issued.Key, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "revoked keys stop authenticating")
}

func TestServer_IssueAPIKeyErrors(t *testing.T) {
	env := setupServer(t, false)
	read := env.grants["Acme"+permissions.ReadSuffix]
	require.NotNil(t, read)

	tests := []struct {
		name string
		user int64
		body interface{}
		want int
	}{
		{"malformed body", admin, "{", http.StatusBadRequest},
		{"missing name", admin, IssueAPIKeyRequest{GrantIDs: []int64{read.ID}}, http.StatusBadRequest},
		{"unknown grant", admin, IssueAPIKeyRequest{Name: "k", GrantIDs: []int64{999}}, http.StatusNotFound},
		{"foreign grant", stranger, IssueAPIKeyRequest{Name: "k", GrantIDs: []int64{read.ID}}, http.StatusForbidden},
		{"no grants", admin, IssueAPIKeyRequest{Name: "k"}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/api-keys", env.token(t, tt.user), tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec := env.do(t, http.MethodDelete, "/v1/api-keys/999", env.token(t, admin), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_IssueAPIKeyMaskNotFound(t *testing.T) {
	env := setupServer(t, true)
	read := env.grants["Acme"+permissions.ReadSuffix]
	require.NotNil(t, read)

	rec := env.do(t, http.MethodPost, "/v1/api-keys", env.token(t, stranger),
		IssueAPIKeyRequest{Name: "k", GrantIDs: []int64{read.ID}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GrantManagement(t *testing.T) {
	env := setupServer(t, false)
	grantsPath := fmt.Sprintf("/v1/organizations/%d/grants", env.acme.ID)

	var listed []permissions.Grant
	rec := env.do(t, http.MethodGet, grantsPath, env.token(t, admin), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	assert.Len(t, listed, 3)

	rec = env.do(t, http.MethodGet, grantsPath, env.token(t, stranger), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, grantsPath, env.token(t, admin), map[string]interface{}{
		"name":    "Acme - Gateways",
		"levels":  []string{"OrganizationGatewayAdmin"},
		"user_ids": []int64{stranger},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created permissions.Grant
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	require.NotNil(t, created.OrganizationID)
	assert.Equal(t, env.acme.ID, *created.OrganizationID)

	rec = env.do(t, http.MethodGet, "/v1/access/levels/OrganizationGatewayAdmin", env.token(t, stranger), nil)
	assert.Equal(t, http.StatusOK, rec.Code, "new grant applies on the next request")

	grantPath := fmt.Sprintf("/v1/grants/%d", created.ID)
	rec = env.do(t, http.MethodPatch, grantPath, env.token(t, admin), map[string]interface{}{"name": "Acme - Field Ops"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated permissions.Grant
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&updated))
	assert.Equal(t, "Acme - Field Ops", updated.Name)
	assert.Equal(t, []permissions.Level{permissions.LevelOrganizationGatewayAdmin}, updated.Levels)

	rec = env.do(t, http.MethodDelete, grantPath+fmt.Sprintf("/users/%d", stranger), env.token(t, admin), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1/access/levels/OrganizationGatewayAdmin", env.token(t, stranger), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPut, grantPath+fmt.Sprintf("/users/%d", stranger), env.token(t, admin), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, grantPath, env.token(t, stranger), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "gateway admins cannot read grants")

	rec = env.do(t, http.MethodDelete, grantPath, env.token(t, admin), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, grantPath, env.token(t, admin), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListGrantsPaging(t *testing.T) {
	env := setupServer(t, false)
	grantsPath := fmt.Sprintf("/v1/organizations/%d/grants", env.acme.ID)

	tests := []struct {
		name  string
		query string
		want  int
		count int
	}{
		{"first page", "?limit=2", http.StatusOK, 2},
		{"second page", "?limit=2&offset=2", http.StatusOK, 1},
		{"negative offset", "?limit=10&offset=-1", http.StatusBadRequest, 0},
		{"negative limit", "?limit=-5", http.StatusBadRequest, 0},
		{"not a number", "?offset=abc", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, grantsPath+tt.query, env.token(t, admin), nil)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want != http.StatusOK {
				return
			}
			var listed []permissions.Grant
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
			assert.Len(t, listed, tt.count)
		})
	}
}

func TestServer_GrantValidation(t *testing.T) {
	env := setupServer(t, false)
	grantsPath := fmt.Sprintf("/v1/organizations/%d/grants", env.acme.ID)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"malformed body", "{", http.StatusBadRequest},
		{"missing levels", map[string]interface{}{"name": "x"}, http.StatusBadRequest},
		{"unknown level", map[string]interface{}{"name": "x", "levels": []string{"Owner"}}, http.StatusBadRequest},
		{"global admin level", map[string]interface{}{"name": "x", "levels": []string{"GlobalAdmin"}}, http.StatusBadRequest},
		{"foreign application", map[string]interface{}{
			"name": "x", "levels": []string{"OrganizationApplicationAdmin"}, "application_ids": []int64{999},
		}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, grantsPath, env.token(t, admin), tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_GlobalAdminGrant(t *testing.T) {
	env := setupServer(t, false)
	globalPath := fmt.Sprintf("/v1/grants/%d", env.global.ID)

	rec := env.do(t, http.MethodGet, globalPath, env.token(t, admin), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, globalPath, env.token(t, root), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPatch, globalPath, env.token(t, root), map[string]interface{}{"name": "Root"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodDelete, globalPath, env.token(t, root), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPut, fmt.Sprintf("/v1/global-admins/%d", stranger), env.token(t, admin), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPut, fmt.Sprintf("/v1/global-admins/%d", stranger), env.token(t, root), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1/access/global-admin", env.token(t, stranger), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_GrantMaskNotFound(t *testing.T) {
	env := setupServer(t, true)
	read := env.grants["Acme"+permissions.ReadSuffix]
	require.NotNil(t, read)

	rec := env.do(t, http.MethodDelete, fmt.Sprintf("/v1/grants/%d", read.ID), env.token(t, stranger), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
