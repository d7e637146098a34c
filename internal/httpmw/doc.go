// Package httpmw provides HTTP middleware for the public API server.
//
// httpserver.NewHandler composes them in this order: recover, security
// headers, request ID, client identifier, burst limiting, OTEL tracing,
// metrics, structured logging, then the chi router. The quota limiter is
// applied per route inside the router.
//
// User-supplied data (bodies, user-agent, most headers) is kept out of logs
// to prevent PII leaks and log injection.
package httpmw
