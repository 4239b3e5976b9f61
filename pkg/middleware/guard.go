package middleware

import (
	"errors"
	"net/http"

	"github.com/fieldmesh/iotaccess/pkg/guard"
	"github.com/fieldmesh/iotaccess/pkg/httputil"
	"github.com/fieldmesh/iotaccess/pkg/observability"
	"github.com/fieldmesh/iotaccess/pkg/permissions"
)

// Guard turns guard checks into router middleware. Path ids are read from
// gorilla/mux route variables.
type Guard struct {
	metrics      *observability.Metrics
	maskNotFound bool
}

// NewGuard creates guard middleware. With maskNotFound set, denied
// application and organization checks answer 404 instead of 403.
func NewGuard(metrics *observability.Metrics, maskNotFound bool) *Guard {
	return &Guard{metrics: metrics, maskNotFound: maskNotFound}
}

// RequireApplicationAccess checks the application id in route variable param
func (g *Guard) RequireApplicationAccess(param string, scope guard.ApplicationScope) func(http.Handler) http.Handler {
	return g.require(scope.String(), param, true, func(set *permissions.PermissionSet, id int64) error {
		return guard.CheckApplicationAccess(set, id, scope)
	})
}

// RequireOrganizationAccess checks the organization id in route variable param
func (g *Guard) RequireOrganizationAccess(param string, scope guard.OrganizationScope) func(http.Handler) http.Handler {
	return g.require(scope.String(), param, true, func(set *permissions.PermissionSet, id int64) error {
		return guard.CheckOrganizationAccess(set, id, scope)
	})
}

func (g *Guard) RequireGlobalAdmin() func(http.Handler) http.Handler {
	return g.require("global_admin", "", false, func(set *permissions.PermissionSet, _ int64) error {
		return guard.CheckGlobalAdmin(set)
	})
}

// RequireLevel allows principals holding any of levels somewhere
func (g *Guard) RequireLevel(levels ...permissions.Level) func(http.Handler) http.Handler {
	return g.require("level", "", false, func(set *permissions.PermissionSet, _ int64) error {
		return guard.CheckLevel(set, levels...)
	})
}

func (g *Guard) require(check, param string, maskable bool, fn func(*permissions.PermissionSet, int64) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := GetAuthContext(r)
			if authCtx == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			var id int64
			if param != "" {
				var ok bool
				if id, ok = httputil.ParsePathInt64OrError(w, r, param); !ok {
					return
				}
			}

			err := fn(authCtx.Permissions, id)
			g.metrics.RecordAccessDecision(check, err == nil)
			if err != nil {
				if maskable && g.maskNotFound {
					err = guard.MaskNotFound(err)
				}
				writeDenied(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeDenied(w http.ResponseWriter, err error) {
	if errors.Is(err, guard.ErrNotFound) {
		httputil.WriteNotFoundError(w, "not found")
		return
	}
	httputil.WriteForbidden(w, "forbidden")
}
