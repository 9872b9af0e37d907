package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/therealbill/prober/internal/backoff"
	"github.com/therealbill/prober/internal/breaker"
	"github.com/therealbill/prober/internal/errclass"
	"github.com/therealbill/prober/internal/health"
	"github.com/therealbill/prober/internal/log"
	"github.com/therealbill/prober/internal/metrics"
	"github.com/therealbill/prober/internal/opshttp"
	"github.com/therealbill/prober/internal/probe"
	"github.com/therealbill/prober/internal/resource"
)

// fakes

type fakeRunner struct {
	name      string
	healthy   atomic.Bool
	startErr  error
	stopDelay time.Duration
	// ignoreCtx makes Stop sleep the full delay even after the budget ends
	ignoreCtx bool

	started atomic.Int32
	stopped atomic.Int32
}

func newFake(name string, healthy bool) *fakeRunner {
	f := &fakeRunner{name: name}
	f.healthy.Store(healthy)
	return f
}

func (f *fakeRunner) Name() string  { return f.name }
func (f *fakeRunner) Healthy() bool { return f.healthy.Load() }

func (f *fakeRunner) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started.Add(1)
	return nil
}

func (f *fakeRunner) Stop(ctx context.Context) error {
	defer f.stopped.Add(1)
	if f.stopDelay == 0 {
		return nil
	}
	if f.ignoreCtx {
		time.Sleep(f.stopDelay)
		return nil
	}
	select {
	case <-time.After(f.stopDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeMonitor struct {
	mu      sync.Mutex
	res     health.Resources
	started int
	stopped int
}

func (m *fakeMonitor) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	return nil
}

func (m *fakeMonitor) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
	return nil
}

func (m *fakeMonitor) Snapshot() health.Resources {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.res
}

func okMonitor() *fakeMonitor {
	return &fakeMonitor{res: health.Resources{Status: health.ResourceOK}}
}

// warnSpy records warnings.
type warnSpy struct {
	log.Logger
	mu    sync.Mutex
	warns []string
}

func (s *warnSpy) With(...any) log.Logger { return s }

func (s *warnSpy) Warn(_ context.Context, msg string, _ ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warns = append(s.warns, msg)
}

func (s *warnSpy) warned(msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.warns {
		if w == msg {
			return true
		}
	}
	return false
}

func runners(rs ...*fakeRunner) []Runner {
	out := make([]Runner, len(rs))
	for i, r := range rs {
		out[i] = r
	}
	return out
}

func mustNew(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func getHealth(t *testing.T, port int) (int, health.Snapshot) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var snap health.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, snap
}

// New

func TestNew_NamesEveryMissingField(t *testing.T) {
	_, err := New(Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"probe runner is required", "resource monitor is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}

	_, err = New(Options{Runners: []Runner{newFake("a", true), nil}, Monitor: okMonitor()})
	if err == nil || !strings.Contains(err.Error(), "runner 1 is nil") {
		t.Fatalf("nil runner err = %v", err)
	}
}

// lifecycle

func TestStop_NeverStarted(t *testing.T) {
	r := newFake("a", true)
	o := mustNew(t, Options{Runners: runners(r), Monitor: okMonitor()})

	start := time.Now()
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("Stop on a never-started orchestrator should return immediately")
	}
	if r.stopped.Load() != 0 || o.ShuttingDown() {
		t.Fatal("never-started Stop touched the runners")
	}
}

func TestStartStop(t *testing.T) {
	a, b := newFake("a", true), newFake("b", true)
	mon := okMonitor()
	o := mustNew(t, Options{Runners: runners(a, b), Monitor: mon})

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !o.IsRunning() {
		t.Fatal("IsRunning false after Start")
	}
	if a.started.Load() != 1 || b.started.Load() != 1 || mon.started != 1 {
		t.Fatal("not everything was started")
	}
	if err := o.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start err = %v", err)
	}

	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if o.IsRunning() || !o.ShuttingDown() {
		t.Fatalf("running=%v shutting_down=%v", o.IsRunning(), o.ShuttingDown())
	}
	if a.stopped.Load() != 1 || b.stopped.Load() != 1 || mon.stopped != 1 {
		t.Fatal("not everything was stopped")
	}

	// idempotent
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if a.stopped.Load() != 1 {
		t.Fatal("second Stop stopped runners again")
	}
	if o.Health().Healthy() {
		t.Fatal("health should report unhealthy once shutdown began")
	}
}

func TestStop_RunnersStopConcurrently(t *testing.T) {
	rs := []*fakeRunner{newFake("a", true), newFake("b", true), newFake("c", true)}
	for i, r := range rs {
		r.stopDelay = time.Duration(i+1) * 100 * time.Millisecond
	}
	o := mustNew(t, Options{Runners: runners(rs...), Monitor: okMonitor()})
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	elapsed := time.Since(start)

	// sequential would be 600ms; concurrent is about the slowest (300ms)
	if elapsed < 300*time.Millisecond || elapsed > 550*time.Millisecond {
		t.Fatalf("Stop took %s, want about 300ms", elapsed)
	}
	for _, r := range rs {
		if r.stopped.Load() != 1 {
			t.Fatalf("runner %s not stopped", r.name)
		}
	}
}

func TestStop_BudgetExhausted(t *testing.T) {
	stuck := newFake("stuck", true)
	stuck.stopDelay = 2 * time.Second
	stuck.ignoreCtx = true
	spy := &warnSpy{Logger: log.Nop()}

	o := mustNew(t, Options{
		Runners:     runners(stuck, newFake("fine", true)),
		Monitor:     okMonitor(),
		Logger:      spy,
		StopTimeout: 100 * time.Millisecond,
	})
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop should not fail on budget exhaustion: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Stop blocked for %s past its budget", elapsed)
	}
	if !spy.warned("shutdown budget exhausted, abandoning probe runners") {
		t.Fatal("budget exhaustion not logged as a warning")
	}
}

func TestStart_FailureUnwinds(t *testing.T) {
	a := newFake("a", true)
	bad := newFake("bad", true)
	bad.startErr = errors.New("checker misconfigured")
	c := newFake("c", true)
	mon := okMonitor()

	o := mustNew(t, Options{Runners: runners(a, bad, c), Monitor: mon})
	err := o.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "checker misconfigured") {
		t.Fatalf("Start err = %v", err)
	}
	if o.IsRunning() {
		t.Fatal("IsRunning after failed Start")
	}
	if a.stopped.Load() != 1 {
		t.Fatal("already-started runner was not stopped")
	}
	if c.started.Load() != 0 {
		t.Fatal("runner after the failure should not start")
	}
	if mon.started != 0 {
		t.Fatal("monitor started despite runner failure")
	}
}

func TestStart_Tolerant(t *testing.T) {
	bad := newFake("bad", true)
	bad.startErr = errors.New("nope")
	good := newFake("good", true)

	o := mustNew(t, Options{Runners: runners(bad, good), Monitor: okMonitor(), Tolerant: true})
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("tolerant Start: %v", err)
	}
	defer o.Stop(context.Background())
	if !o.IsRunning() || good.started.Load() != 1 {
		t.Fatal("tolerant start should continue past failures")
	}
}

func TestStart_TolerantAllFail(t *testing.T) {
	bad := newFake("bad", true)
	bad.startErr = errors.New("nope")
	o := mustNew(t, Options{Runners: runners(bad), Monitor: okMonitor(), Tolerant: true})
	if err := o.Start(context.Background()); err == nil {
		t.Fatal("expected error when no runner starts")
	}
}

func TestStart_HTTPBindFailureUnwinds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	a := newFake("a", true)
	mon := okMonitor()
	o := mustNew(t, Options{
		Runners: runners(a),
		Monitor: mon,
		HTTP:    &opshttp.Options{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port},
	})
	if err := o.Start(context.Background()); err == nil {
		t.Fatal("expected bind error")
	}
	if a.stopped.Load() != 1 || mon.stopped != 1 {
		t.Fatal("bind failure did not unwind runners and monitor")
	}
}

// health over HTTP

func startWithHTTP(t *testing.T, rs []Runner, mon Monitor) int {
	t.Helper()
	port := freePort(t)
	m := metrics.New()
	o := mustNew(t, Options{
		Runners: rs,
		Monitor: mon,
		HTTP: &opshttp.Options{
			Host:      "127.0.0.1",
			Port:      port,
			Metrics:   m.Handler(),
			MetricsMW: m.Middleware,
		},
	})
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { o.Stop(context.Background()) })
	return port
}

func TestHealth_OneOfFourUnhealthy(t *testing.T) {
	rs := runners(newFake("a", true), newFake("b", true), newFake("c", true), newFake("d", false))
	port := startWithHTTP(t, rs, okMonitor())

	code, snap := getHealth(t, port)
	if code != http.StatusOK || snap.Status != health.StatusHealthy {
		t.Fatalf("code=%d status=%s", code, snap.Status)
	}
	if snap.HealthPercentage != 0.75 || snap.HealthyProbes != 3 || snap.TotalProbes != 4 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestHealth_ResourceWarning(t *testing.T) {
	mon := &fakeMonitor{res: health.Resources{
		Status:   health.ResourceWarning,
		MemoryMB: 512,
		Warnings: []string{"High memory usage: 512.0MB"},
	}}
	rs := runners(newFake("a", true), newFake("b", true))
	port := startWithHTTP(t, rs, mon)

	code, snap := getHealth(t, port)
	if code != http.StatusServiceUnavailable || snap.Status != health.StatusUnhealthy {
		t.Fatalf("code=%d status=%s", code, snap.Status)
	}
	if snap.HealthPercentage != 1 || len(snap.Resources.Warnings) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestHealth_FollowsRunnerFlags(t *testing.T) {
	a, b := newFake("a", true), newFake("b", true)
	o := mustNew(t, Options{Runners: runners(a, b), Monitor: okMonitor()})

	if !o.Health().Healthy() {
		t.Fatal("2/2 should be healthy")
	}
	a.healthy.Store(false)
	if !o.Health().Healthy() {
		t.Fatal("1/2 should be healthy")
	}
	b.healthy.Store(false)
	if snap := o.Health(); snap.Healthy() || snap.HealthPercentage != 0 {
		t.Fatalf("0/2 = %+v", snap)
	}
}

// end to end with real runners

func TestEndToEnd_RealRunners(t *testing.T) {
	policy := backoff.Policy{
		CollectionInterval: time.Hour,
		Base:               time.Hour,
		Max:                2 * time.Hour,
		Multiplier:         2,
		MaxFailures:        5,
	}
	m := metrics.New()

	var checked sync.WaitGroup
	newProbe := func(name string, ok bool) Runner {
		checked.Add(1)
		var once sync.Once
		r, err := probe.NewRunner(probe.Options{
			Name: name,
			Checker: probe.CheckerFunc(func(context.Context) probe.Result {
				defer once.Do(checked.Done)
				if ok {
					return probe.Pass("")
				}
				return probe.Fail("down")
			}),
			Policy:      policy,
			Breaker:     breaker.Settings{FailureThreshold: 1, RecoveryTimeout: time.Hour},
			Categorizer: errclass.New(true),
			Metrics:     m,
		})
		if err != nil {
			t.Fatalf("NewRunner: %v", err)
		}
		return r
	}

	rs := []Runner{newProbe("DNSMXDomainProbe", true), newProbe("MailPortProbe", true), newProbe("SMTPPortProbe", true), newProbe("IPPingProbe", false)}
	mon := resource.NewMonitor(resource.Options{
		Enabled: true,
		Sampler: resource.SamplerFunc(func(context.Context) (resource.Usage, error) {
			return resource.Usage{MemoryMB: 20, Threads: 8}, nil
		}),
		Metrics: m,
	})
	port := startWithHTTP(t, rs, mon)

	waitDone := make(chan struct{})
	go func() { checked.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(3 * time.Second):
		t.Fatal("first checks did not run")
	}

	// the failing probe trips its breaker on the first cycle
	deadline := time.Now().Add(2 * time.Second)
	for {
		code, snap := getHealth(t, port)
		if snap.HealthyProbes == 3 && snap.Resources.ThreadCount == 8 {
			if code != http.StatusOK || snap.HealthPercentage != 0.75 {
				t.Fatalf("code=%d snapshot=%+v", code, snap)
			}
			if snap.Probes["IPPingProbe"].CircuitState != "open" {
				t.Fatalf("IPPingProbe detail = %+v", snap.Probes["IPPingProbe"])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("health never settled: %+v", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
