// Package middleware provides HTTP middleware components for the telemetry API.
//
// Available middleware:
//   - Recovery: converts handler panics into sanitized 500 responses
//   - RequestID: assigns X-Request-ID and stores it for log correlation
//   - Logging: per-request debug log line with status and duration
//   - CORS: configurable allowed origins
//   - InFlight: counts active requests so shutdown can drain them
//   - RateLimiter: per-client token bucket limiting
//
// Usage:
//
//	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
//	handler = rl.Middleware(handler)
package middleware
