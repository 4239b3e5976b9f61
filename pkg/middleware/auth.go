package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/fieldmesh/iotaccess/pkg/auth"
	"github.com/fieldmesh/iotaccess/pkg/httputil"
	"github.com/fieldmesh/iotaccess/pkg/observability"
	"github.com/fieldmesh/iotaccess/pkg/permissions"
)

// APIKeyHeader is the alternative header for API keys
const APIKeyHeader = "X-API-Key"

// TokenParser verifies user bearer tokens
type TokenParser interface {
	Parse(token string) (*auth.Claims, error)
}

// KeyAuthenticator looks up API keys
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, key string) (*auth.APIKey, error)
}

// AuthMiddleware authenticates the request, resolves the principal's
// permission set and stores both in the request context
type AuthMiddleware struct {
	tokens   TokenParser
	keys     KeyAuthenticator
	resolver permissions.Resolver
	optional bool // If true, allow requests without credentials
}

// NewAuthMiddleware creates a new authentication middleware. keys may be nil
// to disable API key authentication.
func NewAuthMiddleware(tokens TokenParser, keys KeyAuthenticator, resolver permissions.Resolver, optional bool) *AuthMiddleware {
	return &AuthMiddleware{
		tokens:   tokens,
		keys:     keys,
		resolver: resolver,
		optional: optional,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential, err := extractCredential(r)
		if err != nil {
			httputil.WriteUnauthorized(w, err.Error())
			return
		}
		if credential == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing credentials")
			return
		}

		authCtx, err := m.authenticate(r.Context(), credential)
		if err != nil {
			httputil.WriteUnauthorized(w, "invalid or expired credentials")
			return
		}

		set, err := m.resolver.Resolve(r.Context(), authCtx.Principal)
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).
				WithField("principal", authCtx.Principal.String()).
				Error("failed to resolve permissions")
			httputil.WriteInternalError(w, err)
			return
		}
		authCtx.Permissions = set

		next.ServeHTTP(w, r.WithContext(auth.WithAuthContext(r.Context(), authCtx)))
	})
}

func (m *AuthMiddleware) authenticate(ctx context.Context, credential string) (*auth.AuthContext, error) {
	if auth.IsAPIKey(credential) {
		if m.keys == nil {
			return nil, auth.ErrInvalidToken
		}
		apiKey, err := m.keys.Authenticate(ctx, credential)
		if err != nil {
			return nil, err
		}
		return &auth.AuthContext{Principal: permissions.APIKey(apiKey.ID), APIKey: apiKey}, nil
	}

	claims, err := m.tokens.Parse(credential)
	if err != nil {
		return nil, err
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, err
	}
	return &auth.AuthContext{Principal: permissions.User(userID), TokenID: claims.ID}, nil
}

// extractCredential reads "Authorization: Bearer <token>" or the API key
// header. An empty result means no credentials were sent.
func extractCredential(r *http.Request) (string, error) {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", nil
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// GetAuthContext extracts auth context from request
func GetAuthContext(r *http.Request) *auth.AuthContext {
	authCtx, ok := auth.FromContext(r.Context())
	if !ok {
		return nil
	}
	return authCtx
}
