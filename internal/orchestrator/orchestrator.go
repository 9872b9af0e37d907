// Package orchestrator owns the probe runners, the resource monitor and
// the ops HTTP server, and starts and stops them as one unit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/therealbill/prober/internal/health"
	"github.com/therealbill/prober/internal/log"
	"github.com/therealbill/prober/internal/opshttp"
	"github.com/therealbill/prober/internal/xerrors"
)

// DefaultStopTimeout is the budget shared by all runners during Stop.
const DefaultStopTimeout = 10 * time.Second

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("orchestrator already started")

// Runner is one probe loop. *probe.Runner implements it.
type Runner interface {
	health.Reporter
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Monitor is the resource monitor. *resource.Monitor implements it.
type Monitor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Snapshot() health.Resources
}

type Options struct {
	Runners []Runner
	Monitor Monitor
	Logger  log.Logger

	// HTTP configures the ops server; its Health field is filled in by the
	// orchestrator. Nil runs without a server.
	HTTP *opshttp.Options

	StopTimeout time.Duration

	// Tolerant keeps starting the remaining runners when one fails to
	// start instead of unwinding.
	Tolerant bool
}

type state int

const (
	stateIdle state = iota
	stateStarting
	stateRunning
	stateStopped
)

type Orchestrator struct {
	runners     []Runner
	monitor     Monitor
	logger      log.Logger
	httpOpts    *opshttp.Options
	stopTimeout time.Duration
	tolerant    bool

	gate health.ShutdownGate

	mu       sync.Mutex
	state    state
	cancel   context.CancelFunc
	stopHTTP func(context.Context) error
}

// New validates the collaborators, naming everything that is missing.
func New(opts Options) (*Orchestrator, error) {
	var errs []error
	if len(opts.Runners) == 0 {
		errs = append(errs, errors.New("at least one probe runner is required"))
	}
	for i, r := range opts.Runners {
		if r == nil {
			errs = append(errs, fmt.Errorf("runner %d is nil", i))
		}
	}
	if opts.Monitor == nil {
		errs = append(errs, errors.New("resource monitor is required"))
	}
	if len(errs) > 0 {
		return nil, xerrors.Wrap(errors.Join(errs...), "invalid orchestrator options")
	}

	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return &Orchestrator{
		runners:     opts.Runners,
		monitor:     opts.Monitor,
		logger:      opts.Logger,
		httpOpts:    opts.HTTP,
		stopTimeout: opts.StopTimeout,
		tolerant:    opts.Tolerant,
	}, nil
}

// Start launches every runner, then the resource monitor, then the HTTP
// server. On a structural failure it stops whatever already started and
// returns the error.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != stateIdle {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.state = stateStarting
	root, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	started := 0
	for _, r := range o.runners {
		if err := r.Start(root); err != nil {
			if o.tolerant {
				o.logger.Warn(ctx, "probe runner failed to start, continuing", "probe", r.Name(), "err", err)
				continue
			}
			return o.unwind(ctx, xerrors.Wrapf(err, "start probe %s", r.Name()))
		}
		started++
	}
	if started == 0 {
		return o.unwind(ctx, xerrors.New("no probe runner could be started"))
	}

	if err := o.monitor.Start(root); err != nil {
		return o.unwind(ctx, xerrors.Wrap(err, "start resource monitor"))
	}

	if o.httpOpts != nil {
		hopts := *o.httpOpts
		hopts.Health = o.healthFunc
		stop, err := opshttp.Start(root, o.logger, hopts)
		if err != nil {
			return o.unwind(ctx, xerrors.Wrap(err, "start ops http server"))
		}
		o.mu.Lock()
		o.stopHTTP = stop
		o.mu.Unlock()
	}

	o.mu.Lock()
	if o.state == stateStarting {
		o.state = stateRunning
	}
	o.mu.Unlock()

	o.logger.Info(ctx, "prober started", "probes", len(o.runners), "started", started)
	return nil
}

func (o *Orchestrator) unwind(ctx context.Context, err error) error {
	o.logger.Error(ctx, err, "startup failed, stopping what already started")
	_ = o.Stop(context.WithoutCancel(ctx))
	return err
}

// IsRunning is true between a completed Start and Stop.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == stateRunning
}

// Stop shuts everything down once; later calls and calls on a never
// started orchestrator return nil immediately. Runner joins that outlive
// the stop budget are logged and abandoned.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state == stateIdle || o.state == stateStopped {
		o.mu.Unlock()
		return nil
	}
	o.state = stateStopped
	cancel, stopHTTP := o.cancel, o.stopHTTP
	o.mu.Unlock()

	start := time.Now()
	o.gate.Close("shutting down")
	o.logger.Info(ctx, "prober shutting down")
	cancel()

	if err := o.monitor.Stop(ctx); err != nil {
		o.logger.Warn(ctx, "resource monitor did not stop cleanly", "err", err)
	}
	if stopHTTP != nil {
		if err := stopHTTP(ctx); err != nil {
			o.logger.Warn(ctx, "ops http server did not stop cleanly", "err", err)
		}
	}

	o.stopRunners(ctx)
	o.logger.Info(ctx, "prober stopped", "elapsed", time.Since(start).String())
	return nil
}

// stopRunners stops every runner concurrently under one shared budget.
func (o *Orchestrator) stopRunners(ctx context.Context) {
	bctx, cancel := context.WithTimeout(ctx, o.stopTimeout)
	defer cancel()

	var pending atomic.Int64
	pending.Store(int64(len(o.runners)))

	var g errgroup.Group
	for _, r := range o.runners {
		g.Go(func() error {
			defer pending.Add(-1)
			if err := r.Stop(bctx); err != nil {
				o.logger.Warn(ctx, "probe runner did not stop cleanly", "probe", r.Name(), "err", err)
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-bctx.Done():
		o.logger.Warn(ctx, "shutdown budget exhausted, abandoning probe runners",
			"budget", o.stopTimeout.String(), "pending", pending.Load())
	}
}

// Health computes a fresh snapshot from every runner and the last
// resource sample.
func (o *Orchestrator) Health() health.Snapshot {
	reporters := make([]health.Reporter, len(o.runners))
	for i, r := range o.runners {
		reporters[i] = r
	}
	return health.Evaluate(reporters, o.monitor.Snapshot(), &o.gate)
}

func (o *Orchestrator) healthFunc(context.Context) (health.Snapshot, error) {
	return o.Health(), nil
}

// ShuttingDown reports whether Stop has begun.
func (o *Orchestrator) ShuttingDown() bool { return o.gate.Closed() }
