package opshttp

import (
	"context"
	"net/http"

	"github.com/therealbill/prober/internal/health"
	"github.com/therealbill/prober/internal/httpmw"
	"github.com/therealbill/prober/internal/log"
	"github.com/therealbill/prober/internal/ratelimit"
)

// DefaultPort is the metrics/health port of the prober.
const DefaultPort = 9101

// HealthFunc computes a fresh snapshot for one /health request.
type HealthFunc func(ctx context.Context) (health.Snapshot, error)

type Options struct {
	// Host is the bind address; empty listens on all interfaces.
	Host string
	Port int

	Logger  log.Logger
	Health  HealthFunc
	Metrics http.Handler

	// MetricsMW instruments every request (ProberMetrics.Middleware).
	MetricsMW func(http.Handler) http.Handler

	// RateLimit, when set, is applied per client IP and its eviction
	// loop runs for the lifetime of the server.
	RateLimit *ratelimit.Limiter
	ClientIP  httpmw.ClientIPOptions

	// CORSOrigins enables CORS for GET requests from these origins.
	CORSOrigins []string

	EnablePprof bool
	OnPanic     func()
}
