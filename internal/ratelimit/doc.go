// Package ratelimit is per-IP rate limiting for the ops endpoints.
//
// State is in memory and per process. It keeps a misbehaving scraper or
// a port scanner from monopolising the health handler; it does nothing
// against distributed floods, which belong upstream.
package ratelimit
