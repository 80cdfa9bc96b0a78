// Package handlers contains reusable HTTP building blocks for the engine's
// REST interface: dependency health checks and middleware.
//
// # Health Checks
//
// Critical checks (Postgres, Redis) decide whether the service is healthy.
// Optional checks (the reward issuer) only mark it degraded, since rewards
// that cannot be issued are retried by the scheduler:
//
//	checker := handlers.NewCompositeHealthChecker("v1.2.0")
//	checker.AddCheck("postgres", handlers.NewPingCheck(conn))
//	checker.AddCheck("redis", handlers.NewPingCheck(cache))
//	checker.AddOptionalCheck("issuer", handlers.NewProbeCheck("issuer", issuerClient))
//
// # Middleware
//
//	auth := handlers.NewAPIKeyAuth("X-API-Key", keys)
//	admin := auth.Middleware(adminRoutes)
//
//	limiter := handlers.NewKeyedRateLimiter(rate.Limit(20), 40)
//	if !limiter.Allow(userID) { ... }
//
// SecurityHeadersMiddleware and RequestSizeLimitMiddleware are applied to
// every route.
package handlers
