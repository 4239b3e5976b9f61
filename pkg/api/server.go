package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fieldmesh/iotaccess/pkg/auth"
	"github.com/fieldmesh/iotaccess/pkg/guard"
	"github.com/fieldmesh/iotaccess/pkg/httputil"
	"github.com/fieldmesh/iotaccess/pkg/middleware"
	"github.com/fieldmesh/iotaccess/pkg/observability"
	"github.com/fieldmesh/iotaccess/pkg/orgs"
	"github.com/fieldmesh/iotaccess/pkg/permissions"
)

// Dependencies holds what the API server is built from. Metrics may be nil.
type Dependencies struct {
	Resolver    permissions.Resolver
	Grants      *permissions.Store
	Provisioner *permissions.Provisioner
	Orgs        *orgs.Service
	APIKeys     *auth.APIKeyStore
	Tokens      middleware.TokenParser
	Metrics     *observability.Metrics
	Logger      *observability.Logger

	// MaskNotFound answers denied lookups of specific resources with 404
	MaskNotFound bool
}

// Server is the authorization API: permission introspection, access
// decisions for other services, grant management and API keys
type Server struct {
	router       *mux.Router
	grants       *permissions.Store
	provisioner  *permissions.Provisioner
	orgs         *orgs.Service
	keys         *auth.APIKeyStore
	guard        *middleware.Guard
	authn        *middleware.AuthMiddleware
	metrics      *observability.Metrics
	logger       *observability.Logger
	maskNotFound bool
}

// NewServer creates a new API server
func NewServer(deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = observability.GetLogger(context.Background())
	}

	var keys middleware.KeyAuthenticator
	if deps.APIKeys != nil {
		keys = deps.APIKeys
	}

	s := &Server{
		router:       mux.NewRouter(),
		grants:       deps.Grants,
		provisioner:  deps.Provisioner,
		orgs:         deps.Orgs,
		keys:         deps.APIKeys,
		guard:        middleware.NewGuard(deps.Metrics, deps.MaskNotFound),
		authn:        middleware.NewAuthMiddleware(deps.Tokens, keys, deps.Resolver, false),
		metrics:      deps.Metrics,
		logger:       logger,
		maskNotFound: deps.MaskNotFound,
	}
	s.setupRoutes()
	return s
}

// applicationScopes and organizationScopes name the access decision routes
var applicationScopes = map[string]guard.ApplicationScope{
	"read":  guard.ApplicationRead,
	"write": guard.ApplicationWrite,
}

var organizationScopes = map[string]guard.OrganizationScope{
	"read":              guard.OrganizationRead,
	"application-read":  guard.OrganizationApplicationRead,
	"application-write": guard.OrganizationApplicationWrite,
	"user-admin-read":   guard.OrganizationUserAdminRead,
	"user-admin-write":  guard.OrganizationUserAdminWrite,
	"gateway-write":     guard.OrganizationGatewayWrite,
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware,
		observability.HTTPMetricsMiddleware(s.metrics, routeTemplate),
	)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.authn.Handler)

	// Introspection
	v1.HandleFunc("/me/permissions", s.getMyPermissions).Methods("GET")
	if s.orgs != nil {
		v1.HandleFunc("/me/organizations", s.listMyOrganizations).Methods("GET")
		v1.HandleFunc("/me/applications", s.listMyApplications).Methods("GET")
	}

	// Access decisions
	allowed := http.HandlerFunc(s.accessAllowed)
	for name, scope := range applicationScopes {
		v1.Handle("/access/applications/{applicationId}/"+name,
			s.guard.RequireApplicationAccess("applicationId", scope)(allowed)).Methods("GET")
	}
	for name, scope := range organizationScopes {
		v1.Handle("/access/organizations/{organizationId}/"+name,
			s.guard.RequireOrganizationAccess("organizationId", scope)(allowed)).Methods("GET")
	}
	for _, level := range permissions.AllLevels() {
		v1.Handle("/access/levels/"+string(level), s.guard.RequireLevel(level)(allowed)).Methods("GET")
	}
	v1.Handle("/access/global-admin", s.guard.RequireGlobalAdmin()(allowed)).Methods("GET")

	// Grant management
	if s.grants != nil && s.provisioner != nil {
		s.registerGrantRoutes(v1)
	}

	// API keys
	if s.keys != nil {
		v1.HandleFunc("/api-keys", s.issueAPIKey).Methods("POST")
		v1.HandleFunc("/api-keys/{apiKeyId}", s.revokeAPIKey).Methods("DELETE")
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// writeError maps domain errors to HTTP responses. Denials carry no detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, guard.ErrForbidden):
		httputil.WriteForbidden(w, "forbidden")
	case errors.Is(err, guard.ErrNotFound),
		errors.Is(err, permissions.ErrNotFound),
		errors.Is(err, auth.ErrAPIKeyNotFound),
		errors.Is(err, orgs.ErrOrganizationNotFound),
		errors.Is(err, orgs.ErrApplicationNotFound):
		httputil.WriteNotFoundError(w, "not found")
	case errors.Is(err, permissions.ErrInvalidGrant),
		errors.Is(err, orgs.ErrInvalidName):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, permissions.ErrConflict),
		errors.Is(err, permissions.ErrGlobalAdminImmutable),
		errors.Is(err, orgs.ErrNameTaken):
		httputil.WriteErrorMessage(w, http.StatusConflict, err.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).
			WithField("path", r.URL.Path).
			Error("request failed")
		httputil.WriteInternalError(w, err)
	}
}

// mask hides the existence of resources the requester may not see
func (s *Server) mask(err error) error {
	if s.maskNotFound {
		return guard.MaskNotFound(err)
	}
	return err
}
