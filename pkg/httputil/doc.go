// Package httputil provides HTTP handler utilities for consistent error
// responses, path parameter parsing and request middleware.
//
// Error responses share one shape:
//
//	{"error": "forbidden"}
//
// Middleware order used by the server:
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware,
//	)(router)
package httputil
