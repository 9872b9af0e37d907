package resource

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/therealbill/prober/internal/xerrors"
)

// Usage is one reading of the process footprint.
type Usage struct {
	MemoryMB float64
	Threads  int
}

// Sampler reads the current process usage.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (Usage, error)

func (f SamplerFunc) Sample(ctx context.Context) (Usage, error) { return f(ctx) }

type processSampler struct {
	proc *process.Process
}

// NewProcessSampler samples this process through gopsutil.
func NewProcessSampler() (Sampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, xerrors.Wrap(err, "open process handle")
	}
	return &processSampler{proc: p}, nil
}

func (s *processSampler) Sample(ctx context.Context) (Usage, error) {
	var u Usage

	if mi, err := s.proc.MemoryInfoWithContext(ctx); err == nil {
		u.MemoryMB = float64(mi.RSS) / (1024 * 1024)
	} else {
		// no RSS on this platform; the runtime's own view is close enough
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		u.MemoryMB = float64(ms.Sys) / (1024 * 1024)
	}

	n, err := s.proc.NumThreadsWithContext(ctx)
	if err != nil {
		return u, xerrors.Wrap(err, "read thread count")
	}
	u.Threads = int(n)
	return u, nil
}
