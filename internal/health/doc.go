// Package health aggregates probe and resource state into the snapshot
// served on /health.
//
// The agent is healthy when at least half of its probes have a closed
// circuit breaker and the resource monitor is not reporting a warning.
// [ShutdownGate] flips the snapshot to unhealthy as soon as shutdown
// begins, before the probe loops have been joined.
package health
