// Package task runs a Periodic on its own goroutine until cancelled.
//
// A Periodic does one unit of work per Tick and returns how long to wait
// before the next one. The Loop owns the goroutine, the interruptible
// sleep between ticks and the bounded join on Stop, so probe runners and
// the resource monitor share one start/stop discipline.
package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/therealbill/prober/internal/log"
)

// DefaultJoinTimeout bounds how long Stop waits for the goroutine.
const DefaultJoinTimeout = 5 * time.Second

// ErrJoinTimeout is returned by Stop when the goroutine did not exit within
// the join timeout. The loop is reset regardless so Start can be called again.
var ErrJoinTimeout = errors.New("task did not stop within join timeout")

type Periodic interface {
	// Tick performs one cycle and returns the delay before the next. A
	// non-positive delay runs the next tick immediately.
	Tick(ctx context.Context) time.Duration
}

// PeriodicFunc adapts a function to Periodic.
type PeriodicFunc func(ctx context.Context) time.Duration

func (f PeriodicFunc) Tick(ctx context.Context) time.Duration { return f(ctx) }

type State int

const (
	Idle State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "idle"
	}
}

type Options struct {
	Name        string
	Logger      log.Logger
	JoinTimeout time.Duration
	// Delay before the first tick. Zero runs the first tick at Start.
	InitialDelay time.Duration
}

type Loop struct {
	name         string
	task         Periodic
	logger       log.Logger
	joinTimeout  time.Duration
	initialDelay time.Duration

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

func New(t Periodic, opts Options) *Loop {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	return &Loop{
		name:         opts.Name,
		task:         t,
		logger:       opts.Logger,
		joinTimeout:  opts.JoinTimeout,
		initialDelay: opts.InitialDelay,
	}
}

// Start launches the loop. The loop runs until ctx is cancelled or Stop is
// called; either way it returns to Idle and may be started again.
// Starting a running loop logs a warning and does nothing.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Idle {
		l.logger.Warn(ctx, "task already running", "task", l.name, "state", l.state.String())
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.state = Running

	go l.run(runCtx, done)
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer func() {
		// exit without Stop (parent ctx cancelled) leaves the loop restartable
		l.mu.Lock()
		if l.state == Running && l.done == done {
			l.state = Idle
			l.cancel()
			l.cancel = nil
			l.done = nil
		}
		l.mu.Unlock()
		close(done)
	}()

	if !sleep(ctx, l.initialDelay) {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		next := l.task.Tick(ctx)
		if !sleep(ctx, next) {
			return
		}
	}
}

// sleep waits for d or until ctx is done; false means cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop cancels the loop and waits up to the join timeout (or ctx, if it
// expires first) for the goroutine to exit. A timeout is logged as a
// warning and reported as ErrJoinTimeout; the loop is reset either way.
// Stopping an idle loop is a no-op.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state != Running {
		l.mu.Unlock()
		return nil
	}
	l.state = Stopping
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()

	t := time.NewTimer(l.joinTimeout)
	defer t.Stop()

	var err error
	select {
	case <-done:
	case <-t.C:
		err = ErrJoinTimeout
	case <-ctx.Done():
		err = ErrJoinTimeout
	}
	if err != nil {
		l.logger.Warn(ctx, "task did not stop gracefully", "task", l.name, "join_timeout", l.joinTimeout.String())
	}

	l.mu.Lock()
	l.state = Idle
	l.cancel = nil
	l.done = nil
	l.mu.Unlock()
	return err
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) Running() bool { return l.State() == Running }

// Done is closed when the current run exits; nil when idle.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}
