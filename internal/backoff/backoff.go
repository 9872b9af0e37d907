// Package backoff turns a probe's consecutive failure count into the delay
// before its next attempt.
//
// The delay grows exponentially from Base by Multiplier per failure, is
// capped at Max, and is spread by +/-20% jitter so probes sharing an
// interval do not retry in lockstep. It never drops below MinInterval.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
)

// MinInterval is the floor applied to every backed-off delay.
const MinInterval = 30 * time.Second

// Jitter is the symmetric randomization factor: delays land in
// [raw*(1-Jitter), raw*(1+Jitter)].
const Jitter = 0.2

// Policy is the static backoff configuration of one probe.
type Policy struct {
	// CollectionInterval is the normal cadence, used when nothing is failing.
	CollectionInterval time.Duration
	Base               time.Duration
	Max                time.Duration
	Multiplier         float64
	// MaxFailures caps the exponent; more failures do not grow the delay.
	MaxFailures uint64
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		CollectionInterval: 300 * time.Second,
		Base:               300 * time.Second,
		Max:                3600 * time.Second,
		Multiplier:         2.0,
		MaxFailures:        5,
	}
}

func (p Policy) Validate() error {
	var errs []error
	if p.CollectionInterval <= 0 {
		errs = append(errs, fmt.Errorf("collection interval must be > 0 (got %s)", p.CollectionInterval))
	}
	if p.Base <= 0 {
		errs = append(errs, fmt.Errorf("backoff base must be > 0 (got %s)", p.Base))
	}
	if p.Max < p.Base {
		errs = append(errs, fmt.Errorf("backoff max %s must be >= base %s", p.Max, p.Base))
	}
	if p.Multiplier < 1 || math.IsNaN(p.Multiplier) || math.IsInf(p.Multiplier, 0) {
		errs = append(errs, fmt.Errorf("backoff multiplier must be finite and >= 1 (got %g)", p.Multiplier))
	}
	if p.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("backoff max failures must be >= 1 (got %d)", p.MaxFailures))
	}
	return errors.Join(errs...)
}

// Compute returns the delay before the next attempt.
//
// With no failures it returns CollectionInterval unchanged. Otherwise the
// exponent is min(consecutiveFailures, MaxFailures) and the result is
// jitter(min(Base*Multiplier^f, Max)), floored at MinInterval.
func Compute(consecutiveFailures uint64, p Policy) time.Duration {
	if consecutiveFailures == 0 {
		return p.CollectionInterval
	}
	f := min(consecutiveFailures, p.MaxFailures)

	// The library's sequence starts at InitialInterval and multiplies after
	// each step, capping at MaxInterval. Starting at Base*Multiplier makes
	// the f-th value Base*Multiplier^f.
	eb := &cbackoff.ExponentialBackOff{
		InitialInterval:     min(scale(p.Base, p.Multiplier), p.Max),
		RandomizationFactor: Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.Max,
	}
	eb.Reset()

	var d time.Duration
	for i := uint64(0); i < f; i++ {
		d = eb.NextBackOff()
	}
	return max(d, MinInterval)
}

// Raw is the un-jittered delay for the given failure count. Exposed for
// logging and tests.
func Raw(consecutiveFailures uint64, p Policy) time.Duration {
	if consecutiveFailures == 0 {
		return p.CollectionInterval
	}
	f := min(consecutiveFailures, p.MaxFailures)
	d := p.Base
	for i := uint64(0); i < f; i++ {
		d = min(scale(d, p.Multiplier), p.Max)
	}
	return d
}

func scale(d time.Duration, m float64) time.Duration {
	v := float64(d) * m
	if v >= float64(1<<63-1) {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(v)
}
