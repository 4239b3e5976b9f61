// Package middleware provides HTTP authentication and authorization middleware.
//
// AuthMiddleware accepts a user JWT or an API key as "Authorization: Bearer
// <credential>", or an API key in the X-API-Key header. It resolves the
// principal's permission set once per request:
//
//	authn := middleware.NewAuthMiddleware(jwtManager, apiKeys, manager, false)
//	router.Use(authn.Handler)
//
// Guard wraps routes with access checks on mux route variables:
//
//	g := middleware.NewGuard(metrics, true)
//	router.Handle("/v1/applications/{applicationId}/access",
//		g.RequireApplicationAccess("applicationId", guard.ApplicationWrite)(handler))
//
// Missing credentials answer 401; denials answer 403, or 404 when the
// guard masks existence.
package middleware
