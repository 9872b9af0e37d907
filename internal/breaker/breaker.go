// Package breaker gates probe checks behind a circuit breaker so a target
// that keeps failing is left alone for a recovery period.
//
// Closed: every call runs. After FailureThreshold consecutive failures the
// breaker opens and calls return ErrOpen without running. Once
// RecoveryTimeout has passed since opening, exactly one trial call runs
// (half-open); success closes the breaker, failure reopens it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Call when the breaker refused to run fn.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return fmt.Sprintf("unknown state %d", int(s))
	}
}

type Settings struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration

	// OnStateChange runs synchronously while the breaker is locked and must
	// not call back into the Breaker.
	OnStateChange func(name string, from, to State)
}

func DefaultSettings() Settings {
	return Settings{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second}
}

type Breaker struct {
	name string
	cb   *gobreaker.TwoStepCircuitBreaker
}

func New(name string, s Settings) (*Breaker, error) {
	if s.FailureThreshold < 1 {
		return nil, fmt.Errorf("breaker %s: failure threshold must be >= 1 (got %d)", name, s.FailureThreshold)
	}
	if s.RecoveryTimeout <= 0 {
		return nil, fmt.Errorf("breaker %s: recovery timeout must be > 0 (got %s)", name, s.RecoveryTimeout)
	}

	threshold := s.FailureThreshold
	st := gobreaker.Settings{
		Name: name,
		// one trial request while half-open; one success closes it again
		MaxRequests: 1,
		// counts are kept for the whole closed period, cleared on transitions
		Interval: 0,
		Timeout:  s.RecoveryTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
	}
	if s.OnStateChange != nil {
		fn := s.OnStateChange
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			fn(name, fromGo(from), fromGo(to))
		}
	}

	return &Breaker{name: name, cb: gobreaker.NewTwoStepCircuitBreaker(st)}, nil
}

// Call runs fn through the breaker. A nil error from fn is a success; any
// error is a failure and is returned unchanged. When the breaker is open,
// or a half-open trial is already in flight, fn is not called and ErrOpen
// is returned.
//
// A closed-state call that fails after ctx was cancelled is not counted.
// A half-open trial cut short that way reopens the breaker.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	from := b.cb.State()
	done, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ErrOpen
		}
		return err
	}
	defer func() {
		if e := recover(); e != nil {
			done(false)
			panic(e)
		}
	}()

	err = fn(ctx)
	if err != nil && ctx.Err() != nil && from == gobreaker.StateClosed {
		return err
	}
	done(err == nil)
	return err
}

func (b *Breaker) Name() string { return b.name }

// State reports the current state. An open breaker whose recovery timeout
// has passed reports HalfOpen.
func (b *Breaker) State() State { return fromGo(b.cb.State()) }

func (b *Breaker) Healthy() bool { return b.State() == Closed }

// Failures is the number of consecutive failures in the current state.
func (b *Breaker) Failures() uint32 { return b.cb.Counts().ConsecutiveFailures }

func fromGo(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return HalfOpen
	case gobreaker.StateOpen:
		return Open
	default:
		return Closed
	}
}
