// Package resource watches the prober's own memory and thread usage.
//
// The Monitor samples on a fixed period, independent of any probe backoff,
// and keeps the last sample for the health endpoint. A sample over either
// threshold flips the status to warning, which makes /health report
// unhealthy.
package resource

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/therealbill/prober/internal/health"
	"github.com/therealbill/prober/internal/log"
	"github.com/therealbill/prober/internal/task"
	"github.com/therealbill/prober/internal/xerrors"
)

const (
	DefaultInterval           = 30 * time.Second
	DefaultMemoryWarningMB    = 256
	DefaultThreadWarningCount = 50
)

// Sink receives resource observations. *metrics.ProberMetrics implements it.
type Sink interface {
	SetResourceUsage(memoryMB float64, threads int)
	SetResourceWarning(warning bool)
	IncResourceSampleError()
}

type nopSink struct{}

func (nopSink) SetResourceUsage(float64, int) {}
func (nopSink) SetResourceWarning(bool)       {}
func (nopSink) IncResourceSampleError()       {}

type Options struct {
	Enabled            bool
	Interval           time.Duration
	MemoryWarningMB    float64
	ThreadWarningCount int

	// Sampler defaults to the gopsutil process sampler.
	Sampler     Sampler
	Metrics     Sink
	Logger      log.Logger
	JoinTimeout time.Duration
}

type Monitor struct {
	enabled    bool
	interval   time.Duration
	thresholds health.Thresholds
	sampler    Sampler
	samplerErr error
	sink       Sink
	logger     log.Logger
	loop       *task.Loop

	mu   sync.RWMutex
	last health.Resources
}

func NewMonitor(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MemoryWarningMB <= 0 {
		opts.MemoryWarningMB = DefaultMemoryWarningMB
	}
	if opts.ThreadWarningCount <= 0 {
		opts.ThreadWarningCount = DefaultThreadWarningCount
	}
	if opts.Metrics == nil {
		opts.Metrics = nopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	m := &Monitor{
		enabled:  opts.Enabled,
		interval: opts.Interval,
		thresholds: health.Thresholds{
			MemoryMB:    opts.MemoryWarningMB,
			ThreadCount: opts.ThreadWarningCount,
		},
		sampler: opts.Sampler,
		sink:    opts.Metrics,
		logger:  opts.Logger.With("component", "resource_monitor"),
	}

	if m.enabled && m.sampler == nil {
		m.sampler, m.samplerErr = NewProcessSampler()
	}

	status := health.ResourceOK
	if !m.enabled {
		status = health.ResourceDisabled
	}
	m.last = health.Resources{Status: status, Warnings: []string{}, Thresholds: m.thresholds}

	m.loop = task.New(m, task.Options{
		Name:        "resource_monitor",
		Logger:      m.logger,
		JoinTimeout: opts.JoinTimeout,
	})
	return m
}

func (m *Monitor) Enabled() bool { return m.enabled }

// Start launches the sampling loop. A disabled monitor does nothing.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.enabled {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return xerrors.Wrap(err, "start resource monitor")
	}
	m.loop.Start(ctx)
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error { return m.loop.Stop(ctx) }

func (m *Monitor) Running() bool { return m.loop.Running() }

func (m *Monitor) Tick(ctx context.Context) time.Duration {
	m.SampleNow(ctx)
	return m.interval
}

// Snapshot returns the last stored sample.
func (m *Monitor) Snapshot() health.Resources {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.last
	out.Warnings = append([]string{}, m.last.Warnings...)
	return out
}

// SampleNow takes one sample, stores it and publishes it. Sampling errors
// and panics are stored as status error.
func (m *Monitor) SampleNow(ctx context.Context) health.Resources {
	if !m.enabled {
		return m.Snapshot()
	}

	u, err := m.sample(ctx)
	if err != nil {
		m.sink.IncResourceSampleError()
		m.logger.Error(ctx, err, "resource sampling failed")
		res := health.Resources{Status: health.ResourceError, Warnings: []string{}, Thresholds: m.thresholds}
		m.store(res)
		return res
	}

	res := health.Resources{
		Status:      health.ResourceOK,
		MemoryMB:    math.Round(u.MemoryMB*100) / 100,
		ThreadCount: u.Threads,
		Warnings:    []string{},
		Thresholds:  m.thresholds,
	}
	if u.MemoryMB > m.thresholds.MemoryMB {
		res.Warnings = append(res.Warnings, fmt.Sprintf("High memory usage: %.1fMB", u.MemoryMB))
	}
	if u.Threads > m.thresholds.ThreadCount {
		res.Warnings = append(res.Warnings, fmt.Sprintf("High thread count: %d", u.Threads))
	}
	if len(res.Warnings) > 0 {
		res.Status = health.ResourceWarning
	}

	m.sink.SetResourceUsage(u.MemoryMB, u.Threads)
	m.sink.SetResourceWarning(res.Status == health.ResourceWarning)
	for _, w := range res.Warnings {
		m.logger.Warn(ctx, "resource warning", "warning", w,
			"memory_mb", res.MemoryMB, "thread_count", res.ThreadCount)
	}
	m.store(res)
	return res
}

func (m *Monitor) sample(ctx context.Context) (u Usage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = xerrors.Newf("resource sampler panicked: %v", p)
		}
	}()
	if m.samplerErr != nil {
		return Usage{}, m.samplerErr
	}
	return m.sampler.Sample(ctx)
}

func (m *Monitor) store(res health.Resources) {
	m.mu.Lock()
	m.last = res
	m.mu.Unlock()
}
