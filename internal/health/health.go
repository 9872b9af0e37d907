package health

import (
	"math"
	"sort"
	"sync/atomic"
)

// HealthyRatio is the minimum fraction of healthy probes.
const HealthyRatio = 0.5

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

type ResourceStatus string

const (
	ResourceOK       ResourceStatus = "ok"
	ResourceWarning  ResourceStatus = "warning"
	ResourceDisabled ResourceStatus = "disabled"
	ResourceError    ResourceStatus = "error"
)

// Reporter is anything with a pass/fail health flag; probe runners
// implement it.
type Reporter interface {
	Name() string
	Healthy() bool
}

// Detailer is optionally implemented by a Reporter to add per-probe
// detail to the snapshot.
type Detailer interface {
	HealthDetail() ProbeDetail
}

type ProbeDetail struct {
	Healthy             bool   `json:"healthy"`
	CircuitState        string `json:"circuit_state"`
	ConsecutiveFailures uint64 `json:"consecutive_failures"`
	TotalFailures       uint64 `json:"total_failures"`
	LastError           string `json:"last_error"`
}

type Thresholds struct {
	MemoryMB    float64 `json:"memory_mb"`
	ThreadCount int     `json:"thread_count"`
}

// Resources is the resource monitor's last sample.
type Resources struct {
	Status      ResourceStatus `json:"status"`
	MemoryMB    float64        `json:"memory_mb"`
	ThreadCount int            `json:"thread_count"`
	Warnings    []string       `json:"warnings"`
	Thresholds  Thresholds     `json:"thresholds"`
}

type Snapshot struct {
	Status           Status                 `json:"status"`
	HealthyProbes    int                    `json:"healthy_probes"`
	TotalProbes      int                    `json:"total_probes"`
	HealthPercentage float64                `json:"health_percentage"`
	Resources        Resources              `json:"resources"`
	ShuttingDown     bool                   `json:"shutting_down,omitempty"`
	Probes           map[string]ProbeDetail `json:"probes,omitempty"`
}

func (s Snapshot) Healthy() bool { return s.Status == StatusHealthy }

// Evaluate computes a snapshot from the current probe flags and the last
// resource sample. A nil gate is treated as open.
func Evaluate(probes []Reporter, res Resources, gate *ShutdownGate) Snapshot {
	snap := Snapshot{Probes: make(map[string]ProbeDetail, len(probes))}
	for _, p := range probes {
		if p == nil {
			continue
		}
		snap.TotalProbes++
		ok := p.Healthy()
		if ok {
			snap.HealthyProbes++
		}
		if d, isDetailer := p.(Detailer); isDetailer {
			snap.Probes[p.Name()] = d.HealthDetail()
		} else {
			snap.Probes[p.Name()] = ProbeDetail{Healthy: ok}
		}
	}

	var ratio float64
	if snap.TotalProbes > 0 {
		ratio = float64(snap.HealthyProbes) / float64(snap.TotalProbes)
	}
	snap.HealthPercentage = math.Round(ratio*100) / 100

	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	if res.Status == "" {
		res.Status = ResourceDisabled
	}
	snap.Resources = res
	snap.ShuttingDown = gate.Closed()

	// compare the unrounded ratio so rounding cannot flip the verdict
	if ratio >= HealthyRatio && res.Status != ResourceWarning && !snap.ShuttingDown {
		snap.Status = StatusHealthy
	} else {
		snap.Status = StatusUnhealthy
	}
	return snap
}

// UnhealthyProbes lists the names of failing probes, sorted.
func (s Snapshot) UnhealthyProbes() []string {
	var out []string
	for name, d := range s.Probes {
		if !d.Healthy {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ShutdownGate is closed once when shutdown begins. Safe for concurrent use;
// the zero value is open.
type ShutdownGate struct {
	closed atomic.Bool
	reason atomic.Value
}

// Close marks shutdown as started. Returns false if already closed.
func (g *ShutdownGate) Close(reason string) bool {
	if g == nil {
		return false
	}
	if reason == "" {
		reason = "shutting down"
	}
	if !g.closed.CompareAndSwap(false, true) {
		return false
	}
	g.reason.Store(reason)
	return true
}

func (g *ShutdownGate) Closed() bool {
	return g != nil && g.closed.Load()
}

func (g *ShutdownGate) Reason() string {
	if g == nil {
		return ""
	}
	r, _ := g.reason.Load().(string)
	return r
}
