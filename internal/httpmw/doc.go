// Package httpmw holds the middleware in front of the prober's ops
// endpoints.
//
// opshttp composes it, outermost first: recover, request ID, client IP,
// rate limit (ratelimit package), tracing, metrics, access log. Only
// server-derived values are logged; query strings and headers are left out
// so a scraper cannot inject into the log stream.
package httpmw
