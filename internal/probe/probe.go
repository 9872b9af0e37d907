// Package probe runs one email-server check on its own schedule.
//
// A Runner owns a Checker and drives it through a circuit breaker, counts
// failures, picks the next delay (plain collection interval, or exponential
// backoff while failing) and publishes every outcome to the metrics sink.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Checker runs a single check. Implementations must honour ctx cancellation
// and must not retain state between calls that affects the outcome.
type Checker interface {
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) Result

func (f CheckerFunc) Check(ctx context.Context) Result { return f(ctx) }

// Result is the typed outcome of one check.
//
//   - OK: the check passed.
//   - !OK, Err == nil: the check ran and the target answered wrong
//     (no MX record, certificate for another host, ...).
//   - Err != nil: the check could not complete; Err is categorized.
type Result struct {
	OK     bool
	Err    error
	Detail string
}

func Pass(detail string) Result { return Result{OK: true, Detail: detail} }

func Fail(format string, args ...any) Result {
	return Result{Detail: fmt.Sprintf(format, args...)}
}

func Errored(err error) Result {
	if err == nil {
		err = errors.New("check failed without an error")
	}
	return Result{Err: err, Detail: err.Error()}
}

// errCheckFailed is what the breaker sees for a !OK result without Err.
var errCheckFailed = errors.New("check failed")

// Sink receives probe observations. *metrics.ProberMetrics implements it.
type Sink interface {
	RecordProbeResult(probe, errorType string, success bool)
	ObserveCheckDuration(probe string, d time.Duration)
	SetConsecutiveFailures(probe string, n uint64)
	SetCircuitState(probe, state string)
	SetNextInterval(probe string, d time.Duration)
}

type nopSink struct{}

func (nopSink) RecordProbeResult(string, string, bool)     {}
func (nopSink) ObserveCheckDuration(string, time.Duration) {}
func (nopSink) SetConsecutiveFailures(string, uint64)      {}
func (nopSink) SetCircuitState(string, string)             {}
func (nopSink) SetNextInterval(string, time.Duration)      {}
