package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealbill/prober/internal/version"
)

// ProberMetrics is the metrics sink shared by probe runners, the resource
// monitor and the ops HTTP server. Each instance owns a private registry so
// tests can build as many as they like.
type ProberMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// probes
	probeSuccess         *prometheus.GaugeVec
	probeFailuresTotal   *prometheus.CounterVec
	probeConsecutiveFail *prometheus.GaugeVec
	probeCircuitState    *prometheus.GaugeVec
	probeCheckDuration   *prometheus.HistogramVec
	probeNextInterval    *prometheus.GaugeVec
	probeLastRunTs       *prometheus.GaugeVec

	// error_type currently exported per probe on probeSuccess
	successMu      sync.Mutex
	successErrType map[string]string

	// resources
	resourceMemoryMB     prometheus.Gauge
	resourceThreads      prometheus.Gauge
	resourceWarning      prometheus.Gauge
	resourceSampleErrors prometheus.Counter

	// ops http
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	errorsTotal            *prometheus.CounterVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge
	tracingActive   prometheus.Gauge
}

func New() *ProberMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ProberMetrics{
		successErrType: make(map[string]string),

		probeSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "email_probe_success_count",
			Help: "Latest probe outcome (1 success, 0 failure) labelled with the failure category",
		}, []string{"probe", "error_type"}),
		probeFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "email_probe_failures_total",
			Help: "Total probe failures by category",
		}, []string{"probe", "error_type"}),
		probeConsecutiveFail: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "email_probe_consecutive_failures",
			Help: "Current run of consecutive failures per probe",
		}, []string{"probe"}),
		probeCircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "email_probe_circuit_state",
			Help: "Circuit breaker state per probe (0 closed, 1 half-open, 2 open)",
		}, []string{"probe"}),
		probeCheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "email_probe_check_duration_seconds",
			Help:    "Wall time of each probe check",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"probe"}),
		probeNextInterval: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "email_probe_next_interval_seconds",
			Help: "Delay scheduled before the next check, after backoff",
		}, []string{"probe"}),
		probeLastRunTs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "email_probe_last_run_timestamp_seconds",
			Help: "Unix timestamp of the last completed probe cycle",
		}, []string{"probe"}),
		resourceMemoryMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "email_probe_resource_memory_mb",
			Help: "Resident memory of the prober process in MB",
		}),
		resourceThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "email_probe_resource_threads",
			Help: "OS thread count of the prober process",
		}),
		resourceWarning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "email_probe_resource_warning",
			Help: "Whether a resource threshold is exceeded (1) or not (0)",
		}),
		resourceSampleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "email_probe_resource_sample_errors_total",
			Help: "Total failed resource samples",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route",
		}, []string{"method", "route"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "email_probe_build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		tracingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracing_active",
			Help: "Whether OTLP trace export is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.probeSuccess,
		m.probeFailuresTotal,
		m.probeConsecutiveFail,
		m.probeCircuitState,
		m.probeCheckDuration,
		m.probeNextInterval,
		m.probeLastRunTs,
		m.resourceMemoryMB,
		m.resourceThreads,
		m.resourceWarning,
		m.resourceSampleErrors,
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.buildInfo,
		m.profilingActive,
		m.tracingActive,
	)

	// gather failures become a 500 with the error text
	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.HTTPErrorOnError,
	})
	m.reg = reg
	return m
}

func (m *ProberMetrics) Handler() http.Handler { return m.handler }

// Registry exposes the underlying registry for tests and extra collectors.
func (m *ProberMetrics) Registry() *prometheus.Registry { return m.reg }

// RecordProbeResult replaces the probe's success sample. The new series is
// written before the previous error_type is removed, so a concurrent
// scrape sees at least one sample for the probe.
func (m *ProberMetrics) RecordProbeResult(probe, errorType string, success bool) {
	v := 0.0
	if success {
		v = 1.0
	}
	m.successMu.Lock()
	m.probeSuccess.WithLabelValues(probe, errorType).Set(v)
	if prev, ok := m.successErrType[probe]; ok && prev != errorType {
		m.probeSuccess.DeleteLabelValues(probe, prev)
	}
	m.successErrType[probe] = errorType
	m.successMu.Unlock()

	if !success {
		m.probeFailuresTotal.WithLabelValues(probe, errorType).Inc()
	}
	m.probeLastRunTs.WithLabelValues(probe).Set(float64(time.Now().Unix()))
}

func (m *ProberMetrics) ObserveCheckDuration(probe string, d time.Duration) {
	m.probeCheckDuration.WithLabelValues(probe).Observe(d.Seconds())
}

func (m *ProberMetrics) SetConsecutiveFailures(probe string, n uint64) {
	m.probeConsecutiveFail.WithLabelValues(probe).Set(float64(n))
}

// SetCircuitState takes the breaker state name: closed, half-open or open.
func (m *ProberMetrics) SetCircuitState(probe, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.probeCircuitState.WithLabelValues(probe).Set(v)
}

func (m *ProberMetrics) SetNextInterval(probe string, d time.Duration) {
	m.probeNextInterval.WithLabelValues(probe).Set(d.Seconds())
}

func (m *ProberMetrics) SetResourceUsage(memoryMB float64, threads int) {
	m.resourceMemoryMB.Set(memoryMB)
	m.resourceThreads.Set(float64(threads))
}

func (m *ProberMetrics) SetResourceWarning(warning bool) {
	m.resourceWarning.Set(boolToFloat(warning))
}

func (m *ProberMetrics) IncResourceSampleError() {
	m.resourceSampleErrors.Inc()
}

func (m *ProberMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ProberMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

// set once at startup.
func (m *ProberMetrics) SetBuildInfoFromVersion(app string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ProberMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolToFloat(active))
}

func (m *ProberMetrics) SetTracingActive(active bool) {
	m.tracingActive.Set(boolToFloat(active))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
