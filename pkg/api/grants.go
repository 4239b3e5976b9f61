package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fieldmesh/iotaccess/pkg/guard"
	"github.com/fieldmesh/iotaccess/pkg/httputil"
	"github.com/fieldmesh/iotaccess/pkg/middleware"
	"github.com/fieldmesh/iotaccess/pkg/permissions"
)

// GrantRequest is the body of grant create and update calls. On update,
// omitted fields are left unchanged.
type GrantRequest struct {
	Name                            *string             `json:"name"`
	Levels                          []permissions.Level `json:"levels"`
	ApplicationIDs                  *[]int64            `json:"application_ids"`
	AutomaticallyAddNewApplications *bool               `json:"automatically_add_new_applications"`
	UserIDs                         *[]int64            `json:"user_ids"`
}

func (s *Server) registerGrantRoutes(v1 *mux.Router) {
	v1.Handle("/organizations/{organizationId}/grants",
		s.guard.RequireOrganizationAccess("organizationId", guard.OrganizationUserAdminRead)(http.HandlerFunc(s.listGrants))).Methods("GET")
	v1.Handle("/organizations/{organizationId}/grants",
		s.guard.RequireOrganizationAccess("organizationId", guard.OrganizationUserAdminWrite)(http.HandlerFunc(s.createGrant))).Methods("POST")

	v1.HandleFunc("/grants/{grantId}", s.getGrant).Methods("GET")
	v1.HandleFunc("/grants/{grantId}", s.updateGrant).Methods("PATCH")
	v1.HandleFunc("/grants/{grantId}", s.deleteGrant).Methods("DELETE")
	v1.HandleFunc("/grants/{grantId}/users/{userId}", s.attachUser).Methods("PUT")
	v1.HandleFunc("/grants/{grantId}/users/{userId}", s.detachUser).Methods("DELETE")

	v1.HandleFunc("/global-admins/{userId}", s.promoteGlobalAdmin).Methods("PUT")
}

func (s *Server) listGrants(w http.ResponseWriter, r *http.Request) {
	organizationID, ok := httputil.ParsePathInt64OrError(w, r, "organizationId")
	if !ok {
		return
	}

	limit, err := httputil.ParseQueryInt64(r, "limit", 100)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	offset, err := httputil.ParseQueryInt64(r, "offset", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if limit < 0 || offset < 0 {
		httputil.WriteBadRequest(w, "limit and offset must not be negative")
		return
	}

	grants, err := s.grants.ListGrants(r.Context(), permissions.GrantFilter{
		OrganizationIDs: []int64{organizationID},
		Limit:           int(limit),
		Offset:          int(offset),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, grants)
}

func (s *Server) createGrant(w http.ResponseWriter, r *http.Request) {
	organizationID, ok := httputil.ParsePathInt64OrError(w, r, "organizationId")
	if !ok {
		return
	}

	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}

	grant := &permissions.Grant{
		Levels:         req.Levels,
		OrganizationID: &organizationID,
	}
	if req.Name != nil {
		grant.Name = *req.Name
	}
	if req.ApplicationIDs != nil {
		grant.ApplicationIDs = *req.ApplicationIDs
	}
	if req.AutomaticallyAddNewApplications != nil {
		grant.AutomaticallyAddNewApplications = *req.AutomaticallyAddNewApplications
	}
	if req.UserIDs != nil {
		grant.UserIDs = *req.UserIDs
	}

	if err := s.checkApplications(r.Context(), organizationID, grant.ApplicationIDs); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.grants.CreateGrant(r.Context(), grant); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, grant)
}

func (s *Server) getGrant(w http.ResponseWriter, r *http.Request) {
	grant, ok := s.loadGrant(w, r, func(set *permissions.PermissionSet, grant *permissions.Grant) error {
		if grant.OrganizationID == nil {
			return guard.CheckGlobalAdmin(set)
		}
		return guard.CheckOrganizationAccess(set, *grant.OrganizationID, guard.OrganizationUserAdminRead)
	})
	if !ok {
		return
	}
	httputil.WriteSuccess(w, grant)
}

func (s *Server) updateGrant(w http.ResponseWriter, r *http.Request) {
	grant, ok := s.loadGrant(w, r, guard.CheckGrantManagement)
	if !ok {
		return
	}

	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}

	update := permissions.GrantUpdate{
		Name:                            req.Name,
		Levels:                          req.Levels,
		AutomaticallyAddNewApplications: req.AutomaticallyAddNewApplications,
	}
	if req.ApplicationIDs != nil {
		if grant.OrganizationID != nil {
			if err := s.checkApplications(r.Context(), *grant.OrganizationID, *req.ApplicationIDs); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		update.ApplicationIDs = *req.ApplicationIDs
		update.ReplaceApplications = true
	}
	if req.UserIDs != nil {
		update.UserIDs = *req.UserIDs
		update.ReplaceUsers = true
	}

	updated, err := s.grants.UpdateGrant(r.Context(), grant.ID, update)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, updated)
}

func (s *Server) deleteGrant(w http.ResponseWriter, r *http.Request) {
	grant, ok := s.loadGrant(w, r, guard.CheckGrantManagement)
	if !ok {
		return
	}
	if err := s.grants.DeleteGrant(r.Context(), grant.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) attachUser(w http.ResponseWriter, r *http.Request) {
	s.changeMembership(w, r, s.grants.AttachPrincipal)
}

func (s *Server) detachUser(w http.ResponseWriter, r *http.Request) {
	s.changeMembership(w, r, s.grants.DetachPrincipal)
}

func (s *Server) changeMembership(w http.ResponseWriter, r *http.Request, apply func(context.Context, int64, permissions.Principal) error) {
	grant, ok := s.loadGrant(w, r, guard.CheckGrantManagement)
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "userId")
	if !ok {
		return
	}
	if err := apply(r.Context(), grant.ID, permissions.User(userID)); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) promoteGlobalAdmin(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "userId")
	if !ok {
		return
	}
	if err := s.provisioner.PromoteToGlobalAdmin(r.Context(), authCtx.Permissions, userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// loadGrant fetches the grant named by the path and applies check to it.
// It writes the response and returns false when the request cannot proceed.
func (s *Server) loadGrant(w http.ResponseWriter, r *http.Request, check func(*permissions.PermissionSet, *permissions.Grant) error) (*permissions.Grant, bool) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return nil, false
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "grantId")
	if !ok {
		return nil, false
	}

	grant, err := s.grants.GetGrant(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if err := check(authCtx.Permissions, grant); err != nil {
		s.writeError(w, r, s.mask(err))
		return nil, false
	}
	return grant, true
}

// checkApplications rejects application ids outside the organization
func (s *Server) checkApplications(ctx context.Context, organizationID int64, applicationIDs []int64) error {
	if len(applicationIDs) == 0 {
		return nil
	}
	byOrganization, err := s.grants.ApplicationIDsByOrganization(ctx, []int64{organizationID})
	if err != nil {
		return err
	}
	owned := byOrganization[organizationID]
	for _, id := range applicationIDs {
		if !permissions.Contains(owned, id) {
			return fmt.Errorf("%w: application %d does not belong to organization %d", permissions.ErrInvalidGrant, id, organizationID)
		}
	}
	return nil
}
