// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing and health checks.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("org_id", orgID).Info("organization created")
//
// Handlers and stores log through the context logger, which carries the
// request id and authenticated principal:
//
//	observability.FromContext(ctx).Debugf("resolved %d organizations", n)
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordAccessDecision("application", allowed)
//
// A nil *Metrics records nothing, so components accept it as optional.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	router.HandleFunc("/health", checker.Liveness)
//	router.HandleFunc("/ready", checker.Readiness)
//
// The database is required; Redis only degrades readiness.
package observability
