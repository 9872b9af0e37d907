package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealbill/prober/internal/backoff"
	"github.com/therealbill/prober/internal/breaker"
	"github.com/therealbill/prober/internal/errclass"
	"github.com/therealbill/prober/internal/health"
	"github.com/therealbill/prober/internal/log"
	"github.com/therealbill/prober/internal/task"
	"github.com/therealbill/prober/internal/xerrors"
)

// DefaultCheckTimeout bounds a single Check call.
const DefaultCheckTimeout = 30 * time.Second

const tracerName = "github.com/therealbill/prober/internal/probe"

type Options struct {
	Name    string
	Checker Checker
	Policy  backoff.Policy
	Breaker breaker.Settings

	// Categorizer classifies check errors. The zero value is disabled and
	// reports every error as unknown.
	Categorizer errclass.Categorizer

	Metrics Sink
	Logger  log.Logger
	Tracer  trace.Tracer

	CheckTimeout time.Duration
	JoinTimeout  time.Duration

	// EnhancedLogging adds failure counters, circuit state and the next
	// interval to every outcome record.
	EnhancedLogging bool
}

// Outcome describes one cycle.
type Outcome struct {
	Success  bool
	Category errclass.Category
	Interval time.Duration
	Elapsed  time.Duration
	Err      error
}

// Status is a point-in-time copy of a runner's counters.
type Status struct {
	Name                string
	Running             bool
	CircuitState        breaker.State
	ConsecutiveFailures uint64
	TotalFailures       uint64
	TotalRuns           uint64
	LastCategory        errclass.Category
	LastError           string
	LastRun             time.Time
	NextInterval        time.Duration
}

// Runner drives one Checker on its own loop.
type Runner struct {
	name         string
	checker      Checker
	policy       backoff.Policy
	breaker      *breaker.Breaker
	categorizer  errclass.Categorizer
	sink         Sink
	logger       log.Logger
	tracer       trace.Tracer
	checkTimeout time.Duration
	enhanced     bool

	loop *task.Loop

	mu           sync.Mutex
	consecutive  uint64
	total        uint64
	runs         uint64
	lastCategory errclass.Category
	lastErr      string
	lastRun      time.Time
	nextInterval time.Duration
}

func NewRunner(opts Options) (*Runner, error) {
	var errs []error
	if opts.Name == "" {
		errs = append(errs, errors.New("probe name is required"))
	}
	if opts.Checker == nil {
		errs = append(errs, fmt.Errorf("probe %q: checker is required", opts.Name))
	}
	if err := opts.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("probe %q: %w", opts.Name, err))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if opts.Metrics == nil {
		opts.Metrics = nopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = DefaultCheckTimeout
	}

	r := &Runner{
		name:         opts.Name,
		checker:      opts.Checker,
		policy:       opts.Policy,
		categorizer:  opts.Categorizer,
		sink:         opts.Metrics,
		logger:       opts.Logger.With("probe", opts.Name),
		tracer:       opts.Tracer,
		checkTimeout: opts.CheckTimeout,
		enhanced:     opts.EnhancedLogging,
		lastCategory: errclass.None,
		nextInterval: opts.Policy.CollectionInterval,
	}

	bs := opts.Breaker
	userHook := bs.OnStateChange
	bs.OnStateChange = func(name string, from, to breaker.State) {
		r.onStateChange(from, to)
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	b, err := breaker.New(opts.Name, bs)
	if err != nil {
		return nil, err
	}
	r.breaker = b

	r.loop = task.New(r, task.Options{
		Name:        "probe:" + opts.Name,
		Logger:      r.logger,
		JoinTimeout: opts.JoinTimeout,
	})

	r.sink.SetCircuitState(r.name, breaker.Closed.String())
	r.sink.SetConsecutiveFailures(r.name, 0)
	return r, nil
}

func (r *Runner) Name() string { return r.name }

// Healthy is true while the breaker is closed.
func (r *Runner) Healthy() bool { return r.breaker.Healthy() }

func (r *Runner) Running() bool { return r.loop.Running() }

// Start launches the runner loop; the first check runs immediately.
func (r *Runner) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return xerrors.Wrapf(err, "start probe %s", r.name)
	}
	r.loop.Start(ctx)
	return nil
}

// Stop cancels the loop and waits for it, see task.Loop.Stop.
func (r *Runner) Stop(ctx context.Context) error { return r.loop.Stop(ctx) }

func (r *Runner) Tick(ctx context.Context) time.Duration {
	return r.RunOnce(ctx).Interval
}

// RunOnce performs a single cycle and returns its outcome. It is what the
// loop calls on every tick.
func (r *Runner) RunOnce(ctx context.Context) Outcome {
	ctx, span := r.tracer.Start(ctx, "probe.cycle",
		trace.WithAttributes(attribute.String("probe.name", r.name)))
	defer span.End()
	ctx = log.WithContext(ctx, r.logger)

	start := time.Now()
	ran := false
	var res Result
	err := r.breaker.Call(ctx, func(ctx context.Context) error {
		ran = true
		cctx, cancel := context.WithTimeout(ctx, r.checkTimeout)
		defer cancel()
		res = r.invoke(cctx)
		switch {
		case res.Err != nil:
			return res.Err
		case !res.OK:
			return errCheckFailed
		}
		return nil
	})
	elapsed := time.Since(start)

	// shutdown interrupted the check; nothing meaningful to record
	if ran && err != nil && ctx.Err() != nil {
		r.logger.Debug(ctx, "probe check interrupted by shutdown", "elapsed", elapsed.String())
		return Outcome{Category: errclass.None, Elapsed: elapsed, Err: ctx.Err()}
	}

	out := Outcome{Elapsed: elapsed}
	r.mu.Lock()
	r.runs++
	r.lastRun = start
	switch {
	case errors.Is(err, breaker.ErrOpen):
		out.Category = errclass.CircuitBreaker
		out.Err = err
	case err == nil:
		out.Success = true
		out.Category = errclass.None
		r.consecutive = 0
	case errors.Is(err, errCheckFailed):
		out.Category = errclass.CheckFailed
		out.Err = err
		r.total++
		r.consecutive++
	default:
		out.Category = r.categorizer.Categorize(err)
		out.Err = err
		r.total++
		r.consecutive++
	}

	state := r.breaker.State()
	if state == breaker.Open {
		r.consecutive = 0
		out.Interval = r.policy.CollectionInterval
	} else {
		out.Interval = backoff.Compute(r.consecutive, r.policy)
	}

	r.lastCategory = out.Category
	if out.Err != nil {
		r.lastErr = failureText(out, res)
	} else {
		r.lastErr = ""
	}
	r.nextInterval = out.Interval
	consecutive, total := r.consecutive, r.total
	r.mu.Unlock()

	r.sink.RecordProbeResult(r.name, string(out.Category), out.Success)
	if ran {
		r.sink.ObserveCheckDuration(r.name, elapsed)
	}
	r.sink.SetConsecutiveFailures(r.name, consecutive)
	r.sink.SetNextInterval(r.name, out.Interval)

	span.SetAttributes(
		attribute.Bool("probe.success", out.Success),
		attribute.String("probe.error_type", string(out.Category)),
		attribute.String("probe.circuit_state", state.String()),
	)
	if !out.Success {
		span.SetStatus(codes.Error, string(out.Category))
		if out.Err != nil && out.Category != errclass.CircuitBreaker {
			span.RecordError(out.Err)
		}
	}

	kv := []any{"elapsed", elapsed.String(), "error_type", string(out.Category)}
	if res.Detail != "" {
		kv = append(kv, "detail", res.Detail)
	}
	if r.enhanced {
		kv = append(kv,
			"total_failures", total,
			"consecutive_failures", consecutive,
			"circuit_state", state.String(),
			"next_interval", out.Interval.String(),
		)
	}
	switch out.Category {
	case errclass.None:
		r.logger.Info(ctx, "probe check succeeded", kv...)
	case errclass.CheckFailed:
		r.logger.Warn(ctx, "probe check failed", kv...)
	case errclass.CircuitBreaker:
		r.logger.Warn(ctx, "probe check skipped, circuit breaker open", kv...)
	default:
		r.logger.Error(ctx, out.Err, "probe check errored", kv...)
	}
	return out
}

// invoke runs the checker, turning a panic into an errored result.
func (r *Runner) invoke(ctx context.Context) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Errored(xerrors.Newf("check %s panicked: %v", r.name, p))
		}
	}()
	return r.checker.Check(ctx)
}

func failureText(out Outcome, res Result) string {
	if out.Category == errclass.CheckFailed && res.Detail != "" {
		return res.Detail
	}
	return out.Err.Error()
}

func (r *Runner) onStateChange(from, to breaker.State) {
	// runs under the breaker lock: only touch the sink and the logger
	r.sink.SetCircuitState(r.name, to.String())
	kv := []any{"from", from.String(), "to", to.String()}
	if to == breaker.Open {
		r.logger.Warn(context.Background(), "circuit breaker opened", kv...)
		return
	}
	r.logger.Info(context.Background(), "circuit breaker state changed", kv...)
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Name:                r.name,
		Running:             r.loop.Running(),
		CircuitState:        r.breaker.State(),
		ConsecutiveFailures: r.consecutive,
		TotalFailures:       r.total,
		TotalRuns:           r.runs,
		LastCategory:        r.lastCategory,
		LastError:           r.lastErr,
		LastRun:             r.lastRun,
		NextInterval:        r.nextInterval,
	}
}

// HealthDetail implements health.Detailer.
func (r *Runner) HealthDetail() health.ProbeDetail {
	st := r.Status()
	return health.ProbeDetail{
		Healthy:             st.CircuitState == breaker.Closed,
		CircuitState:        st.CircuitState.String(),
		ConsecutiveFailures: st.ConsecutiveFailures,
		TotalFailures:       st.TotalFailures,
		LastError:           st.LastError,
	}
}
