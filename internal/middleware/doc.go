// Package middleware provides the gin middleware in front of the proxy
// endpoint.
//
//   - CORS: only trusted origins get CORS headers, using the endpoint's
//     origin matcher.
//   - RateLimit: per-IP token buckets with idle clients evicted.
//
// Example Usage:
//
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig(ep.Origins().Allowed)))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
