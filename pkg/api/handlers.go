package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fieldmesh/iotaccess/pkg/auth"
	"github.com/fieldmesh/iotaccess/pkg/httputil"
	"github.com/fieldmesh/iotaccess/pkg/middleware"
	"github.com/fieldmesh/iotaccess/pkg/permissions"
)

// PermissionsResponse describes the caller and its resolved permissions
type PermissionsResponse struct {
	Principal   string                     `json:"principal"`
	Permissions *permissions.PermissionSet `json:"permissions"`
}

// IssueAPIKeyRequest is the body of POST /v1/api-keys
type IssueAPIKeyRequest struct {
	Name      string     `json:"name"`
	GrantIDs  []int64    `json:"grant_ids"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IssueAPIKeyResponse carries the plaintext key. It is only ever returned here.
type IssueAPIKeyResponse struct {
	APIKey *auth.APIKey `json:"api_key"`
	Key    string       `json:"key"`
}

// AccessResponse is returned for an allowed access decision
type AccessResponse struct {
	Allowed bool `json:"allowed"`
}

func (s *Server) getMyPermissions(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	httputil.WriteSuccess(w, PermissionsResponse{
		Principal:   authCtx.Principal.String(),
		Permissions: authCtx.Permissions,
	})
}

func (s *Server) listMyOrganizations(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	organizations, err := s.orgs.ListOrganizations(r.Context(), authCtx.Permissions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, organizations)
}

func (s *Server) listMyApplications(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	applications, err := s.orgs.ListApplications(r.Context(), authCtx.Permissions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, applications)
}

// accessAllowed answers a decision route once its guard let the request through
func (s *Server) accessAllowed(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, AccessResponse{Allowed: true})
}

func (s *Server) issueAPIKey(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req IssueAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}

	issue := auth.IssueRequest{
		Name:      req.Name,
		GrantIDs:  req.GrantIDs,
		ExpiresAt: req.ExpiresAt,
	}
	// Keys issued by other keys have no creating user.
	if authCtx.Principal.Kind == permissions.PrincipalUser {
		issue.CreatedBy = authCtx.Principal.ID
	}

	apiKey, key, err := s.keys.Issue(r.Context(), authCtx.Permissions, issue)
	if err != nil {
		s.writeError(w, r, s.mask(err))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, IssueAPIKeyResponse{APIKey: apiKey, Key: key})
}

func (s *Server) revokeAPIKey(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	id, ok := httputil.ParsePathInt64OrError(w, r, "apiKeyId")
	if !ok {
		return
	}

	if err := s.keys.Revoke(r.Context(), authCtx.Permissions, id); err != nil {
		s.writeError(w, r, s.mask(err))
		return
	}
	httputil.WriteNoContent(w)
}
