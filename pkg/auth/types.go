package auth

import (
	"context"
	"errors"
	"time"

	"github.com/fieldmesh/iotaccess/pkg/contextkeys"
	"github.com/fieldmesh/iotaccess/pkg/permissions"
)

var (
	// ErrInvalidToken indicates a bearer token or API key failed validation
	ErrInvalidToken = errors.New("invalid token")

	// ErrAPIKeyNotFound indicates no API key matches the id
	ErrAPIKeyNotFound = errors.New("api key not found")
)

// APIKey is a service credential. Its permissions come from the grants it
// is attached to, exactly like a user's.
type APIKey struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"` // Never expose hash
	KeyPrefix string     `json:"key_prefix"`
	CreatedBy *int64     `json:"created_by,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Active reports whether the key may authenticate at now
func (k *APIKey) Active(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// AuthContext holds the authenticated principal and its resolved permissions
type AuthContext struct {
	Principal   permissions.Principal
	Permissions *permissions.PermissionSet
	APIKey      *APIKey // set for API key principals
	TokenID     string  // JWT id for user principals
}

// FromContext returns the AuthContext stored by the auth middleware
func FromContext(ctx context.Context) (*AuthContext, bool) {
	authCtx, ok := ctx.Value(contextkeys.AuthKey).(*AuthContext)
	return authCtx, ok && authCtx != nil
}

// WithAuthContext stores authCtx in ctx
func WithAuthContext(ctx context.Context, authCtx *AuthContext) context.Context {
	ctx = contextkeys.WithAuth(ctx, authCtx)
	return contextkeys.WithPrincipal(ctx, authCtx.Principal.String())
}
